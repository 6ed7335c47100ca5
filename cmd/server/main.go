package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/tyqqj0/Paper-Parser/internal/alias"
	"github.com/tyqqj0/Paper-Parser/internal/config"
	delivery "github.com/tyqqj0/Paper-Parser/internal/delivery/http"
	"github.com/tyqqj0/Paper-Parser/internal/graphstore"
	"github.com/tyqqj0/Paper-Parser/internal/hotcache"
	"github.com/tyqqj0/Paper-Parser/internal/ingestor"
	"github.com/tyqqj0/Paper-Parser/internal/projector"
	"github.com/tyqqj0/Paper-Parser/internal/resolver"
	"github.com/tyqqj0/Paper-Parser/internal/search"
	"github.com/tyqqj0/Paper-Parser/internal/tasks"
	"github.com/tyqqj0/Paper-Parser/pkg/s2"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)
	log.WithField("port", cfg.Server.Port).Info("paper-parser starting")

	// PostgreSQL with connect retry
	var pool *pgxpool.Pool
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		pool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err == nil {
			err = pool.Ping(ctx)
		}
		cancel()
		if err == nil {
			log.Info("connected to postgres")
			break
		}
		if pool != nil {
			pool.Close()
		}
		if attempt == 5 {
			log.WithField("err", err).Fatal("could not connect to postgres after 5 attempts")
		}
		log.WithFields(log.Fields{"attempt": attempt, "err": err}).Warn("postgres connect failed, retrying")
		time.Sleep(time.Duration(attempt) * 2 * time.Second)
	}
	defer pool.Close()

	if err := graphstore.EnsureSchema(context.Background(), pool); err != nil {
		log.WithField("err", err).Fatal("ensure graph schema")
	}
	graph, err := graphstore.New(pool)
	if err != nil {
		log.WithField("err", err).Fatal("init graph store")
	}

	aliasIdx, err := alias.Open(cfg.Alias.Path)
	if err != nil {
		log.WithField("err", err).Fatal("open alias index")
	}
	defer aliasIdx.Close()

	var cache hotcache.Store
	if cfg.Redis.Enabled {
		redisStore, err := hotcache.NewRedis(cfg.Redis.URL)
		if err != nil {
			log.WithField("err", err).Fatal("connect to redis")
		}
		defer redisStore.Close()
		cache = redisStore
		log.Info("connected to redis")
	} else {
		cache = hotcache.NewMemory()
		log.Warn("no REDIS_URL configured, using in-process cache; single-flight binds within this instance only")
	}
	keys := hotcache.NewKeys(cfg.Cache.KeyPrefix)

	upstream := s2.NewClient(s2.Config{
		BaseURL:       cfg.Upstream.BaseURL,
		APIKey:        cfg.Upstream.APIKey,
		Timeout:       cfg.Upstream.Timeout,
		RateLimit:     cfg.Upstream.RateLimit,
		RateWindow:    cfg.Upstream.RateWindow,
		RetryAttempts: cfg.Upstream.RetryAttempts,
		RetryBackoff:  cfg.Upstream.RetryBackoff,
	})

	proj := projector.New()
	pool2 := tasks.NewPool(cfg.Workers.PoolSize)

	ing := ingestor.New(cache, keys, graph, upstream, pool2, ingestor.Config{
		PageSize:    cfg.Ingest.PageSize,
		PageCap:     cfg.Ingest.PageCap,
		LockTTL:     cfg.Resolver.LockTTL,
		RelationTTL: cfg.Cache.RelationTTL,
		TaskTTL:     cfg.Cache.TaskTTL,
	})

	res := resolver.New(resolver.Deps{
		Cache:     cache,
		Keys:      keys,
		Graph:     graph,
		Aliases:   aliasIdx,
		Upstream:  upstream,
		Projector: proj,
		Pool:      pool2,
		Ingest:    ing,
	}, resolver.Config{
		PaperTTL:          cfg.Cache.PaperTTL,
		RelationTTL:       cfg.Cache.RelationTTL,
		NegativeTTL:       cfg.Cache.NegativeTTL,
		FreshnessWindow:   cfg.Cache.FreshnessWindow,
		LockTTL:           cfg.Resolver.LockTTL,
		LockPollInterval:  cfg.Resolver.LockPollInterval,
		LockWaitMax:       cfg.Resolver.LockWaitMax,
		BatchMaxIDs:       cfg.Resolver.BatchMaxIDs,
		RelationThreshold: cfg.Ingest.Threshold,
		RelationPageSize:  cfg.Ingest.PageSize,
		RelationInlineCap: cfg.Resolver.RelationInlineCap,
	})

	searcher := search.New(cache, keys, graph, upstream, proj, search.Config{
		SearchTTL:       cfg.Cache.SearchTTL,
		PreferLocal:     cfg.Search.PreferLocal,
		LocalMinResults: cfg.Search.LocalMinResults,
	})

	handler := delivery.NewHandler(res, searcher, upstream,
		map[string]delivery.Pinger{
			"postgres": graph,
			"sqlite":   aliasIdx,
			"redis":    cache,
		},
		upstreamPinger{upstream})
	router := delivery.NewRouter(handler, cfg.CORS.AllowedOrigins)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("err", err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithField("err", err).Error("server forced to shut down")
	}
	if err := pool2.Shutdown(shutdownCtx); err != nil {
		log.WithField("err", err).Warn("task pool did not drain")
	}
	log.Info("stopped")
}

// upstreamPinger adapts the client's health probe to the Pinger shape.
type upstreamPinger struct {
	c *s2.Client
}

func (p upstreamPinger) Ping(ctx context.Context) error { return p.c.Health(ctx) }

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Log.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
