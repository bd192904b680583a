// Package main is the entrypoint for the standalone push worker.
//
// It performs exactly one worker pass: claim due notify jobs, deliver to
// every enabled subscription, finalize the jobs, and exit. A cron scheduler
// (or systemd timer) invokes the binary at the desired cadence; overlapping
// invocations are safe because the claim step is atomic.
//
// Deployments that prefer an HTTP trigger use POST /v1/push/worker/run on
// the API server instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"pushdesk/internal/config"
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

func run() error {
	var (
		limit    = flag.Int("limit", 0, "maximum jobs to claim this pass (0 = configured default)")
		lockedBy = flag.String("locked-by", "", "claim owner label recorded on locked jobs")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	metrics, err := newMetrics(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("configuring metrics: %w", err)
	}

	worker := push.NewWorker(push.WorkerConfig{
		Jobs:          db.NewJobRepository(pool),
		Subscriptions: db.NewSubscriptionRepository(pool, pool),
		Attempts:      db.NewMessageLogRepository(pool),
		Deliverer: external.NewFCMClient(external.FCMConfig{
			CredentialsJSON: cfg.Push.CredentialsJSON,
			CredentialsFile: cfg.Push.CredentialsFile,
			EndpointBase:    cfg.Push.EndpointBase,
			SendTimeout:     cfg.Push.SendTimeout,
			Logger:          logger,
		}),
		Metrics:      metrics,
		Logger:       logger,
		DefaultLimit: cfg.Worker.BatchSize,
		LockTTL:      cfg.Worker.LockTTL,
		Parallelism:  cfg.Worker.Parallelism,
	})

	owner := *lockedBy
	if owner == "" {
		owner = cfg.Worker.ID
	}
	if owner == "" {
		hostname, _ := os.Hostname()
		owner = "push-worker@" + hostname
	}

	results, err := worker.RunDueJobs(ctx, push.RunOptions{
		Limit:    *limit,
		LockedBy: owner,
	})
	if err != nil {
		return fmt.Errorf("worker run: %w", err)
	}

	var sent, failed int
	for _, res := range results {
		sent += res.Sent
		failed += res.Failed
	}
	logger.Info("worker pass finished",
		"jobs", len(results),
		"sent", sent,
		"failed", failed,
		"locked_by", owner,
	)

	return nil
}

// newMetrics builds the delivery metrics sink, no-op when disabled.
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

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
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
