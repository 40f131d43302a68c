// Package app wires the Courier server runtime: config, logging, stores,
// cache, HTTP routes, and the realtime gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"courier/cmd/internal/messaging"
	msgapi "courier/cmd/internal/messaging/api"
	"courier/cmd/internal/realtime"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow backing resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// App is the Courier server runtime: it owns HTTP server wiring and the
// realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	rdb *redis.Client
	nc  *nats.Conn

	hub *realtime.Hub
	ws  *realtime.WSGateway
	api *msgapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	deps, err := newBackends(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log)

	if deps.nc != nil {
		relay, err := realtime.NewNATSRelay(deps.nc, log)
		if err != nil {
			_ = deps.store.Close(context.Background())
			return nil, err
		}
		if err := hub.AttachRelay(relay); err != nil {
			_ = deps.store.Close(context.Background())
			return nil, err
		}
		log.Info("relay.enabled.nats")
	}

	convSvc := messaging.NewConversationService(deps.convs, deps.profiles, log)
	msgSvc := messaging.NewMessageService(
		deps.convs, deps.msgs, deps.cache, hub, deps.profiles, log,
		messaging.WithCacheTimeout(cfg.CacheTimeout),
	)

	apiHandler, err := msgapi.NewHandler(log, convSvc, msgSvc)
	if err != nil {
		_ = deps.store.Close(context.Background())
		return nil, err
	}

	membership, err := realtime.NewStoreMembership(deps.convs)
	if err != nil {
		_ = deps.store.Close(context.Background())
		return nil, err
	}

	ws := realtime.NewWSGateway(log, hub, membership, nil)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     deps.store,
		dbPool:    deps.pool,
		dbEnabled: deps.pool != nil,
		rdb:       deps.rdb,
		nc:        deps.nc,
		hub:       hub,
		ws:        ws,
		api:       apiHandler,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.rdb, a.ws, a.api)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"cache_enabled", a.rdb != nil,
		"relay_enabled", a.nc != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Close backend resources (pool, redis, nats).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// backends bundles the storage-side dependencies selected by config.
type backends struct {
	store Store
	pool  *pgxpool.Pool
	rdb   *redis.Client
	nc    *nats.Conn

	convs    messaging.ConversationStore
	msgs     messaging.MessageStore
	cache    messaging.MessageCache
	profiles messaging.ProfileResolver
}

// newBackends decides between Postgres-backed persistence and the in-memory
// dev stores, and between Redis and the in-memory cache.
func newBackends(ctx context.Context, cfg Config, log Logger) (backends, error) {
	var deps backends

	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		deps.convs = messaging.NewInMemoryConversationStore()
		deps.msgs = messaging.NewInMemoryMessageStore()
		deps.profiles = messaging.NewStaticProfiles()
	} else {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return backends{}, err
		}
		log.Info("db.enabled.postgres_store")

		var storeOpts []messaging.StoreOption
		if cfg.DBSchema != "" {
			storeOpts = append(storeOpts, messaging.WithSchema(cfg.DBSchema))
		}

		convs, err := messaging.NewPostgresConversationStore(pool, storeOpts...)
		if err != nil {
			pool.Close()
			return backends{}, err
		}
		msgs, err := messaging.NewPostgresMessageStore(pool, storeOpts...)
		if err != nil {
			pool.Close()
			return backends{}, err
		}
		profiles, err := messaging.NewPostgresProfileResolver(pool, storeOpts...)
		if err != nil {
			pool.Close()
			return backends{}, err
		}

		deps.pool = pool
		deps.convs = convs
		deps.msgs = msgs
		deps.profiles = profiles
	}

	if cfg.RedisURL == "" {
		log.Info("cache.disabled.inmemory")
		deps.cache = messaging.NewInMemoryCache(cfg.RecentCacheSize)
	} else {
		rdb, err := NewRedisClient(ctx, cfg)
		if err != nil {
			if deps.pool != nil {
				deps.pool.Close()
			}
			return backends{}, err
		}
		log.Info("cache.enabled.redis")
		deps.rdb = rdb
		deps.cache = messaging.NewRedisCache(rdb, log, messaging.WithRecentBound(cfg.RecentCacheSize))
	}

	if cfg.NATSURL != "" {
		nc, err := NewNATSConn(cfg)
		if err != nil {
			if deps.pool != nil {
				deps.pool.Close()
			}
			if deps.rdb != nil {
				_ = deps.rdb.Close()
			}
			return backends{}, err
		}
		deps.nc = nc
	}

	deps.store = backendStore{pool: deps.pool, rdb: deps.rdb, nc: deps.nc}
	return deps, nil
}

type backendStore struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	nc   *nats.Conn
}

func (s backendStore) Close(_ context.Context) error {
	if s.nc != nil {
		s.nc.Close()
	}
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
