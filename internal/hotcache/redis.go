package hotcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// deleteIfEqualScript releases a key only while the caller still owns it.
const deleteIfEqualScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// RedisStore backs the hot tier with a shared Redis, which is what makes
// the single-flight tokens hold across service instances.
type RedisStore struct {
	pool *redis.Pool
}

func NewRedis(rawURL string) (*RedisStore, error) {
	pool := &redis.Pool{
		MaxIdle:     10,
		MaxActive:   64,
		Wait:        true,
		IdleTimeout: 4 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(rawURL,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(5*time.Second),
				redis.DialWriteTimeout(5*time.Second))
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{pool: pool}, nil
}

func (s *RedisStore) Close() error { return s.pool.Close() }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	b, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, true, nil
}

func (s *RedisStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	values, err := redis.ByteSlices(redis.DoContext(conn, ctx, "MGET", redis.Args{}.AddFlat(keys)...))
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	return values, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if ttl > 0 {
		_, err = redis.DoContext(conn, ctx, "SET", key, value, "PX", ttl.Milliseconds())
	} else {
		_, err = redis.DoContext(conn, ctx, "SET", key, value)
	}
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	var reply string
	if ttl > 0 {
		reply, err = redis.String(redis.DoContext(conn, ctx, "SET", key, value, "PX", ttl.Milliseconds(), "NX"))
	} else {
		reply, err = redis.String(redis.DoContext(conn, ctx, "SET", key, value, "NX"))
	}
	if errors.Is(err, redis.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return reply == "OK", nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "DEL", redis.Args{}.AddFlat(keys)...); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	n, err := redis.Int(redis.DoContext(conn, ctx, "EVAL", deleteIfEqualScript, 1, key, value))
	if err != nil {
		return false, fmt.Errorf("redis conditional del %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	deleted := 0
	cursor := 0
	for {
		values, err := redis.Values(redis.DoContext(conn, ctx, "SCAN", cursor, "MATCH", prefix+"*", "COUNT", 200))
		if err != nil {
			return deleted, fmt.Errorf("redis scan %s: %w", prefix, err)
		}
		var keys []string
		if _, err := redis.Scan(values, &cursor, &keys); err != nil {
			return deleted, fmt.Errorf("redis scan reply: %w", err)
		}
		if len(keys) > 0 {
			if _, err := redis.DoContext(conn, ctx, "DEL", redis.Args{}.AddFlat(keys)...); err != nil {
				return deleted, fmt.Errorf("redis del batch: %w", err)
			}
			deleted += len(keys)
		}
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "PING")
	return err
}
