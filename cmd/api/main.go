package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "job-orchestrator/internal/api"
	"job-orchestrator/internal/app"
	"job-orchestrator/internal/config"
	"job-orchestrator/internal/ratelimit"
)

func main() {
	cfg := config.Load()
	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rt.Close()

	server := api.New(api.Config{
		Jobs:    rt.Dispatcher,
		Store:   rt.Store,
		DLQ:     rt.Queue,
		Types:   rt.Workflows,
		Tenants: rt.Tenants,
		Catalog: rt.Catalog,
		Quotas:  rt.Quotas,
		Slots:   rt.Slots,
		Limiter: ratelimit.NewTokenBucket(rt.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		Logger:  logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", slog.String("addr", httpServer.Addr))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
