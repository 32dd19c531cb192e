// Package main is the entry point for the autoflow daemon.
//
// It loads configuration, selects a schedule store (PostgreSQL when
// DATABASE_URL is set, in-memory otherwise), builds the automation engine
// with the built-in webhook driver, runs crash recovery, and serves the HTTP
// API until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"autoflow/internal/api"
	"autoflow/internal/config"
	"autoflow/internal/engine"
	"autoflow/internal/frequency"
	"autoflow/internal/pipeline"
	"autoflow/internal/remote"
	"autoflow/internal/store"
	"autoflow/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("autoflow daemon starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store selection.
	var (
		scheduleStore engine.ScheduleStore
		probes        []api.HealthProbe
	)
	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("parsing database url: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		poolCfg.MinConns = int32(cfg.Database.MinConns)
		poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()

		if err := store.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
		scheduleStore = store.NewScheduleRepository(pool)
		probes = append(probes, dbProbe{pool: pool})
		logger.Info("using postgres schedule store")
	} else {
		scheduleStore = store.NewMemoryStore()
		logger.Info("using in-memory schedule store")
	}

	// Built-in drivers.
	drivers := engine.NewDriverRegistry()
	webhookDriver := webhook.New(
		&http.Client{Timeout: cfg.Deferred.Timeout},
		cfg.Deferred.UserAgent,
		logger,
	)
	drivers.Register(webhook.ScheduleType, webhookDriver)

	deferredClient := remote.NewClient(&http.Client{Timeout: cfg.Deferred.Timeout})

	eng := engine.New(engine.Config{
		Store:            scheduleStore,
		Drivers:          drivers,
		Logger:           logger,
		Limiter:          frequency.NewMemoryLimiter(nil, nil),
		Deferred:         deferredClient,
		ScheduleCap:      cfg.Engine.ScheduleCap,
		ReadinessTimeout: cfg.Engine.ReadinessTimeout,
		SweepInterval:    cfg.Engine.SweepInterval,
		PrepareRetry: pipeline.RetryPolicy{
			BaseDelay:     cfg.Engine.RetryBaseDelay,
			MaxDelay:      cfg.Engine.RetryMaxDelay,
			BackoffFactor: cfg.Engine.RetryFactor,
		},
	})
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer eng.Stop()

	// HTTP surface.
	handler := api.NewScheduleHandler(eng, logger)
	router := api.NewRouter(handler, probes, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// newLogger builds the process-wide structured logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// dbProbe reports database liveness for the health endpoint.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p dbProbe) Name() string { return "database" }

func (p dbProbe) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}
