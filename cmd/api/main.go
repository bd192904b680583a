// Package main is the entry point for the pushdesk API server.
//
// It loads configuration, connects the Postgres pool, wires the push
// pipeline (repositories, FCM client, worker), builds the HTTP server with
// the core chassis, and listens until a shutdown signal arrives.
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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/go-chi/chi/v5"

	"pushdesk/internal/api/handlers"
	"pushdesk/internal/config"
	"pushdesk/internal/core"
	"pushdesk/internal/db"
	"pushdesk/internal/external"
	"pushdesk/internal/push"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("pushdesk API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	jobRepo := db.NewJobRepository(pool)
	subRepo := db.NewSubscriptionRepository(pool, pool)
	logRepo := db.NewMessageLogRepository(pool)
	dirRepo := db.NewDirectoryRepository(pool)

	fcm := external.NewFCMClient(external.FCMConfig{
		CredentialsJSON: cfg.Push.CredentialsJSON,
		CredentialsFile: cfg.Push.CredentialsFile,
		EndpointBase:    cfg.Push.EndpointBase,
		SendTimeout:     cfg.Push.SendTimeout,
		Logger:          logger,
	})

	metrics, err := newMetrics(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("configuring metrics: %w", err)
	}

	worker := push.NewWorker(push.WorkerConfig{
		Jobs:          jobRepo,
		Subscriptions: subRepo,
		Attempts:      logRepo,
		Deliverer:     fcm,
		Metrics:       metrics,
		Logger:        logger,
		DefaultLimit:  cfg.Worker.BatchSize,
		LockTTL:       cfg.Worker.LockTTL,
		Parallelism:   cfg.Worker.Parallelism,
	})

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = append(srv.HealthProbes, core.DatabaseProbe{Pool: pool})

	loc, err := time.LoadLocation(cfg.Push.ServiceTimezone)
	if err != nil {
		return fmt.Errorf("loading service timezone %q: %w", cfg.Push.ServiceTimezone, err)
	}

	pushHandler := handlers.NewPushHandler(
		subRepo,
		dirRepo,
		worker,
		jobRepo,
		push.NewQueue(jobRepo, logger),
		push.NewKeyBuilder(loc),
		cfg.Worker.Token,
		srv.Validator,
		logger,
	)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		pushHandler.RegisterRoutes(r)
	})

	srv.MountRoutes()

	return runHTTPServer(ctx, srv, cfg, logger)
}

// newMetrics builds the delivery metrics sink. Disabled metrics fall back to
// a no-op implementation so the worker wiring stays unconditional.
func newMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (push.DeliveryMetrics, error) {
	if !cfg.Metrics.Enabled {
		return push.NopMetrics{}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Metrics.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return push.NewCloudWatchMetrics(
		cloudwatch.NewFromConfig(awsCfg),
		cfg.Metrics.Namespace,
		logger,
	), nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
