// Package app wires the optimization layer together: storage, telemetry,
// the adaptive cache, predictors, selector, optimizer, dedup pool, and the
// admin HTTP server. It owns component lifecycle and shutdown ordering.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"optigate/config"
	"optigate/internal/cache"
	"optigate/internal/dedup"
	"optigate/internal/optimizer"
	"optigate/internal/predict"
	"optigate/internal/selector"
	"optigate/internal/server"
	"optigate/internal/storage"
	"optigate/internal/telemetry"
	"optigate/internal/ttl"
)

// App holds every component of the optimization layer.
type App struct {
	config *config.Config

	Storage   storage.Storage
	Cache     *cache.KeyedStore
	TTL       *ttl.Predictor
	Telemetry *telemetry.Aggregator
	Predictor *predict.Predictor
	Selector  *selector.ModelSelector
	Optimizer *optimizer.Optimizer
	Dedup     *dedup.Pool
	Server    *server.Server

	stopCleanup chan struct{}
	cleanupWG   sync.WaitGroup

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates an App with all dependencies initialized. The caller must
// call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	app := &App{
		config:      cfg,
		stopCleanup: make(chan struct{}),
	}

	st, err := storage.New(ctx, storage.Config{
		Type: cfg.Storage.Type,
		SQLite: storage.SQLiteConfig{
			Path: cfg.Storage.SQLitePath,
		},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      cfg.Storage.PostgresURL,
			MaxConns: cfg.Storage.MaxConns,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.Storage = st

	aggregator, err := telemetry.New(st, telemetry.Config{
		Enabled:       cfg.Telemetry.Enabled,
		BufferSize:    cfg.Telemetry.BufferSize,
		FlushInterval: cfg.Telemetry.FlushInterval,
		RetentionDays: cfg.Telemetry.RetentionDays,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize telemetry: %w", err), st.Close())
	}
	app.Telemetry = aggregator

	app.TTL = ttl.NewPredictor()

	app.Dedup = dedup.NewPool(cfg.Dedup.Capacity)

	backend, err := cache.NewBackend(ctx, st, cfg.Cache.RedisURL)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize cache backend: %w", err),
			aggregator.Close(), st.Close())
	}
	app.Cache = cache.NewKeyedStore(backend, app.TTL, app.Dedup)

	app.Predictor = predict.NewPredictor(app.Cache)
	app.Selector = selector.New(app.Predictor, aggregator)
	app.Optimizer = optimizer.New(app.Predictor)

	handler := server.NewHandler(app.Cache, aggregator, app.Selector, app.Optimizer)
	app.Server = server.New(handler, server.Config{
		MetricsEnabled: cfg.Server.MetricsEnabled,
	})

	app.startCleanupLoop()

	slog.Info("optimization layer initialized",
		"storage_type", cfg.Storage.Type,
		"cache_backend", cacheBackendName(cfg),
		"telemetry_enabled", cfg.Telemetry.Enabled,
		"dedup_capacity", cfg.Dedup.Capacity)

	return app, nil
}

// startCleanupLoop purges expired cache entries and old call-log rows on a
// fixed interval until Shutdown.
func (a *App) startCleanupLoop() {
	a.cleanupWG.Add(1)
	go func() {
		defer a.cleanupWG.Done()
		telemetry.RunCleanupLoop(a.stopCleanup, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			if count, err := a.Cache.CleanupExpired(ctx); err != nil {
				slog.Warn("cache cleanup failed", "error", err)
			} else if count > 0 {
				slog.Debug("purged expired cache entries", "count", count)
			}

			if a.config.Telemetry.RetentionDays > 0 {
				if count, err := a.Telemetry.Cleanup(ctx, a.config.Telemetry.RetentionDays); err != nil {
					slog.Warn("telemetry cleanup failed", "error", err)
				} else if count > 0 {
					slog.Debug("purged old call-log entries", "count", count)
				}
			}
		})
	}()
}

// Start runs the admin HTTP server, blocking until it stops.
func (a *App) Start() error {
	addr := ":" + a.config.Server.Port
	slog.Info("admin server listening", "addr", addr)
	return a.Server.Start(addr)
}

// Shutdown stops background loops and releases every component in reverse
// initialization order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	close(a.stopCleanup)
	a.cleanupWG.Wait()

	var errs []error
	if err := a.Server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := a.Telemetry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry close: %w", err))
	}
	if err := a.Cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache close: %w", err))
	}
	if err := a.Storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage close: %w", err))
	}
	return errors.Join(errs...)
}

func cacheBackendName(cfg *config.Config) string {
	if cfg.Cache.RedisURL != "" {
		return "redis"
	}
	return cfg.Storage.Type
}
