package hotcache

import (
	"context"
	"time"
)

// Store is the hot tier contract. Values are opaque JSON blobs; a zero or
// negative ttl means no expiry.
type Store interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// MGet returns one entry per key, nil for misses.
	MGet(ctx context.Context, keys []string) ([][]byte, error)

	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes only when the key is absent and reports whether it won.
	// Single-flight tokens are acquired through it.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, keys ...string) error

	// DeleteIfEqual removes the key only while it still holds value, so a
	// flight releases its own token but never a successor's.
	DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error)

	// DeletePrefix removes every key under prefix and returns the count.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	Ping(ctx context.Context) error
}
