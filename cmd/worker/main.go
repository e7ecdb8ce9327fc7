package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"job-orchestrator/internal/app"
	"job-orchestrator/internal/config"
	"job-orchestrator/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rt.Close()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	logger = logger.With(slog.String("worker_id", workerID))

	w := worker.NewWorker(worker.Config{
		Store:      rt.Store,
		Workflows:  rt.Workflows,
		Retrier:    rt.Dispatcher,
		Slots:      rt.Slots,
		DLQ:        rt.Queue,
		Events:     rt.Events,
		Logger:     logger,
		Backoff:    worker.Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax, Jitter: true},
		JobTimeout: cfg.JobTimeout,
	})
	processor := worker.NewProcessor(worker.ProcessorConfig{
		Queue:        rt.Queue,
		Store:        rt.Store,
		Worker:       w,
		Logger:       logger,
		PollInterval: cfg.WorkerPollInterval,
		BatchSize:    int64(cfg.ScheduledBatchSize),
		Concurrency:  cfg.WorkerConcurrency,
		Visibility:   cfg.VisibilityTimeout,
	})

	app.ServeMetrics(ctx, cfg.MetricsAddr, logger)

	logger.Info("worker started",
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Duration("visibility", cfg.VisibilityTimeout),
		slog.Duration("backoff_initial", cfg.BackoffInitial),
		slog.Any("workflows", rt.Workflows.Types()))
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.String("error", err.Error()))
	}
}
