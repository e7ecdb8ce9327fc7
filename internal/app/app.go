// Package app assembles the runtime shared by the api, worker and scheduler
// binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"job-orchestrator/internal/artifact"
	"job-orchestrator/internal/billing"
	"job-orchestrator/internal/concurrency"
	"job-orchestrator/internal/config"
	"job-orchestrator/internal/dispatch"
	"job-orchestrator/internal/events"
	"job-orchestrator/internal/idempotency"
	"job-orchestrator/internal/plan"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/quota"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
	"job-orchestrator/internal/tenant"
	"job-orchestrator/internal/workflow"
	"job-orchestrator/internal/workflows"
)

// NewLogger returns a JSON logger at the named level.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

// LoadCatalog returns the plans file catalog, or the built-in one when no file
// is configured. EXPENSIVE_WORKFLOWS overrides the catalog's list.
func LoadCatalog(cfg config.Config) (*plan.Catalog, error) {
	catalog := plan.DefaultCatalog()
	if cfg.PlansFile != "" {
		c, err := plan.LoadCatalog(cfg.PlansFile)
		if err != nil {
			return nil, err
		}
		catalog = c
	}
	if len(cfg.ExpensiveWorkflows) > 0 {
		catalog.SetExpensive(cfg.ExpensiveWorkflows)
	}
	return catalog, nil
}

// Artifacts builds the upload router. S3 is configured only when a bucket is set.
func Artifacts(ctx context.Context, cfg config.Config) (*artifact.Router, error) {
	r := &artifact.Router{Local: artifact.NewLocal(cfg.ArtifactDir)}
	if cfg.ArtifactS3Bucket == "" {
		return r, nil
	}
	s3, err := artifact.NewS3(ctx, artifact.S3Config{
		Bucket:    cfg.ArtifactS3Bucket,
		Region:    cfg.ArtifactS3Region,
		Endpoint:  cfg.ArtifactS3Endpoint,
		PathStyle: cfg.ArtifactS3PathStyle,
	})
	if err != nil {
		return nil, err
	}
	r.S3 = s3
	return r, nil
}

// Registry registers every built-in workflow and fails if a known type has
// no implementation.
func Registry(cfg config.Config, keys *idempotency.Manager, uploads *artifact.Router) (*workflow.Registry, error) {
	reg := workflow.NewRegistry()
	err := workflows.Register(reg,
		workflows.NewAICall(cfg.AIEndpoint, cfg.AITimeout, keys),
		workflows.NewReport(uploads, keys),
		workflows.NewReward(billing.NewIdempotentCharger(billing.NewHTTPCharger(cfg.BillingEndpoint, cfg.BillingTimeout), keys)),
		workflows.Metrics{},
		workflows.NewThumbnail(uploads, workflows.ThumbnailOptions{}),
	)
	if err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("workflow registry: %w", err)
	}
	return reg, nil
}

// Runtime is the wired set of shared components.
type Runtime struct {
	Config     config.Config
	Logger     *slog.Logger
	Redis      *redis.Client
	Store      *store.Postgres
	Catalog    *plan.Catalog
	Tenants    tenant.Resolver
	Quotas     *quota.Manager
	Slots      *concurrency.Limiter
	Queue      *queue.RedisQueue
	Keys       *idempotency.Manager
	Events     events.Sink
	Workflows  *workflow.Registry
	Dispatcher *dispatch.Dispatcher
}

// Open connects to Redis and Postgres, runs migrations and wires the dispatcher.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	catalog, err := LoadCatalog(cfg)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	uploads, err := Artifacts(ctx, cfg)
	if err != nil {
		st.Close()
		_ = rdb.Close()
		return nil, err
	}
	keys := idempotency.NewManager(rdb, logger)
	reg, err := Registry(cfg, keys, uploads)
	if err != nil {
		st.Close()
		_ = rdb.Close()
		return nil, err
	}

	rt := &Runtime{
		Config:    cfg,
		Logger:    logger,
		Redis:     rdb,
		Store:     st,
		Catalog:   catalog,
		Tenants:   tenant.Fallback{Next: st, Tier: plan.Tier(cfg.DefaultPlan)},
		Quotas:    quota.NewManager(rdb, catalog),
		Slots:     concurrency.NewLimiter(rdb, catalog),
		Queue:     queue.NewRedisQueue(rdb, queue.Options{VisibilityTTL: cfg.VisibilityTimeout, DLQName: cfg.DLQName}),
		Keys:      keys,
		Events:    events.Fanout{events.NewLog(logger), events.NewStore(st)},
		Workflows: reg,
	}
	rt.Dispatcher = dispatch.New(dispatch.Config{
		Store:             st,
		Queue:             rt.Queue,
		Types:             reg,
		Tenants:           rt.Tenants,
		Quotas:            rt.Quotas,
		Slots:             rt.Slots,
		Events:            rt.Events,
		Logger:            logger,
		SlotTimeout:       cfg.SlotTimeout,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	})
	return rt, nil
}

func (r *Runtime) Close() {
	r.Store.Close()
	_ = r.Redis.Close()
}

// ServeMetrics exposes /metrics on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	srv := &http.Server{Addr: addr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
}
