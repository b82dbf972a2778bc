// Package main is the entrypoint for the Elder API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elderhq/elder/internal/api"
	"github.com/elderhq/elder/internal/api/handler"
	mw "github.com/elderhq/elder/internal/api/middleware"
	"github.com/elderhq/elder/internal/cache"
	"github.com/elderhq/elder/internal/config"
	"github.com/elderhq/elder/internal/connector"
	"github.com/elderhq/elder/internal/connector/httpinv"
	"github.com/elderhq/elder/internal/credentials"
	"github.com/elderhq/elder/internal/reconcile"
	"github.com/elderhq/elder/internal/scheduler"
	"github.com/elderhq/elder/internal/store"
	"github.com/elderhq/elder/internal/twoway"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env,
		"tick_interval", cfg.Scheduler.TickInterval,
		"default_strategy", cfg.Sync.DefaultStrategy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store
	pgStore := store.NewPostgresStore(pool)

	// 6. Register connectors. The provider set is closed: anything a job
	// names must be registered here or dispatch fails with a config error.
	registry := connector.NewRegistry()
	if err := registry.Register(httpinv.New()); err != nil {
		return fmt.Errorf("register connectors: %w", err)
	}
	slog.Info("connectors registered", "providers", registry.Providers())

	// 7. Build the discovery pipeline
	resolver := credentials.NewEnvResolver()
	reconciler := reconcile.New(pgStore)
	syncEngine := twoway.NewEngine(pgStore, twoway.NewResolver(cfg.Sync.DefaultStrategy), logger)

	sched := scheduler.New(pgStore, registry, resolver, reconciler, syncEngine,
		redisCache, cfg.Scheduler, logger)
	sched.Start(ctx)
	defer sched.Stop()
	slog.Info("scheduler started",
		"max_concurrent", cfg.Scheduler.MaxConcurrent,
		"max_retries", cfg.Scheduler.MaxRetries)

	// 8. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, 60),

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),

		CreateJobHandler:  handler.NewCreateJobHandler(pgStore),
		GetJobHandler:     handler.NewGetJobHandler(pgStore),
		ListJobsHandler:   handler.NewListJobsHandler(pgStore),
		UpdateJobHandler:  handler.NewUpdateJobHandler(pgStore),
		DeleteJobHandler:  handler.NewDeleteJobHandler(pgStore),
		RunJobHandler:     handler.NewRunJobHandler(sched),
		JobHistoryHandler: handler.NewJobHistoryHandler(pgStore, redisCache),

		ListEntitiesHandler: handler.NewListEntitiesHandler(pgStore),
		GetEntityHandler:    handler.NewGetEntityHandler(pgStore),

		ListConflictsHandler:   handler.NewListConflictsHandler(pgStore),
		GetConflictHandler:     handler.NewGetConflictHandler(pgStore),
		ResolveConflictHandler: handler.NewResolveConflictHandler(pgStore),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown: stop accepting HTTP first, then drain the
	// scheduler's in-flight runs via the deferred Stop.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
