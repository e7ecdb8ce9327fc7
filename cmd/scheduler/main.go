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
	"job-orchestrator/internal/scheduler"
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

	s := scheduler.New(scheduler.Config{
		Schedules: rt.Store,
		Jobs:      rt.Dispatcher,
		Redis:     rt.Redis,
		Interval:  cfg.SchedulerInterval,
		Logger:    logger,
	})

	app.ServeMetrics(ctx, cfg.MetricsAddr, logger)

	logger.Info("scheduler started", slog.Duration("interval", cfg.SchedulerInterval))
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler stopped", slog.String("error", err.Error()))
	}
}
