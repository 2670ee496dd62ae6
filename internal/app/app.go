// Package app wires the cache service's components (event bus, metadata
// index, provider stack, compute engine, cache facade, HTTP server) from a
// loaded config and runs them until ctx is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/layercache/layercache/internal/config"
	"github.com/layercache/layercache/internal/httpserver"
	"github.com/layercache/layercache/internal/telemetry"
	"github.com/layercache/layercache/pkg/cache"
	"github.com/layercache/layercache/pkg/cacheevent"
	"github.com/layercache/layercache/pkg/compute"
	"github.com/layercache/layercache/pkg/memstore"
	"github.com/layercache/layercache/pkg/metadata"
	"github.com/layercache/layercache/pkg/provider"
	"github.com/layercache/layercache/pkg/remotestore"
)

// Run builds the provider stack named by cfg.Providers, wires the cache
// facade over it, and serves the HTTP admin/metrics surface until ctx is
// cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	logger.Info("starting", "providers", cfg.Providers, "addr", cfg.ListenAddr())

	metricsReg := telemetry.NewMetricsRegistry()
	bus := cacheevent.NewBus(logger)
	telemetry.Subscribe(bus)

	providerMgr := provider.NewManager(bus, logger)
	if err := registerProviders(ctx, cfg, providerMgr, bus, logger); err != nil {
		return fmt.Errorf("registering providers: %w", err)
	}

	metaIdx := metadata.NewIndex()
	engine := compute.NewEngine(providerMgr, metaIdx, bus, logger, compute.Config{
		RefreshThreshold:  cfg.RefreshThreshold,
		BackgroundRefresh: cfg.BackgroundRefresh,
	})

	cacheMgr := cache.NewManager(providerMgr, metaIdx, engine, bus, logger, cache.Config{
		DefaultTTL:          cfg.DefaultTTL,
		RefreshThreshold:    cfg.RefreshThreshold,
		BackgroundRefresh:   cfg.BackgroundRefresh,
		DeduplicateRequests: cfg.DeduplicateRequests,
		ThrowOnErrors:       cfg.ThrowOnErrors,
	})

	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	go func() {
		if err := engine.Scheduler().Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("refresh scheduler stopped", "error", err)
		}
	}()

	srv := httpserver.NewServer(cfg, logger, cacheMgr, metricsReg)
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// registerProviders builds and registers one Provider per entry in
// cfg.Providers, in the order given, assigning ascending priority so the
// first-listed provider is read first.
func registerProviders(ctx context.Context, cfg *config.Config, mgr *provider.Manager, bus *cacheevent.Bus, logger *slog.Logger) error {
	priority := 0
	for _, name := range cfg.Providers {
		switch name {
		case "memory":
			store := memstore.NewStore(memstore.Config{
				MaxSize:    cfg.MemoryMaxSize,
				MaxItems:   cfg.MemoryMaxItems,
				DefaultTTL: cfg.DefaultTTL,
			}, bus, logger)
			mgr.Register(provider.Spec{
				Name:     "memory",
				Instance: provider.NewMemoryProvider("memory", store),
				Priority: priority,
			})

		case "redis":
			rdb, err := remotestore.NewRedisClient(ctx, cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("connecting to redis: %w", err)
			}
			mgr.Register(provider.Spec{
				Name:     "redis",
				Instance: remotestore.NewRedisProvider("redis", rdb, cfg.RedisPrefix),
				Priority: priority,
			})

		case "postgres":
			pool, err := remotestore.NewPostgresPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connecting to postgres: %w", err)
			}
			if err := remotestore.EnsureSchema(ctx, pool, cfg.PostgresTable); err != nil {
				return fmt.Errorf("ensuring postgres schema: %w", err)
			}
			mgr.Register(provider.Spec{
				Name:     "postgres",
				Instance: remotestore.NewPostgresProvider("postgres", pool, cfg.PostgresTable),
				Priority: priority,
			})

		default:
			return fmt.Errorf("unknown provider %q", name)
		}
		priority++
	}
	return nil
}
