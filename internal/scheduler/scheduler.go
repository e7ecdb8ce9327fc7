// Package scheduler turns recurring schedules into jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"job-orchestrator/internal/dispatch"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
)

// relative sentinels measured from the last run rather than the wall clock
var sentinels = map[string]time.Duration{
	"@minutely": time.Minute,
	"@hourly":   time.Hour,
	"@daily":    24 * time.Hour,
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ShouldRun reports whether s is due at now. Cron expressions are evaluated
// from the last run, or from the schedule's creation when it never ran.
func ShouldRun(s models.Schedule, now time.Time) (bool, error) {
	expr := strings.TrimSpace(s.Expression)
	if period, ok := sentinels[strings.ToLower(expr)]; ok {
		if s.LastRunAt == nil {
			return true, nil
		}
		return !now.Before(s.LastRunAt.Add(period)), nil
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("schedule %q: invalid expression %q: %w", s.Name, s.Expression, err)
	}
	base := s.CreatedAt
	if s.LastRunAt != nil {
		base = *s.LastRunAt
	}
	next := sched.Next(base)
	if next.IsZero() {
		return false, nil
	}
	return !now.Before(next), nil
}

// ValidateExpression reports whether expr is a supported schedule expression.
func ValidateExpression(expr string) error {
	expr = strings.TrimSpace(expr)
	if _, ok := sentinels[strings.ToLower(expr)]; ok {
		return nil
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid expression %q: %w", expr, err)
	}
	return nil
}

// Enqueuer is the admission path scheduled jobs go through.
type Enqueuer interface {
	Enqueue(ctx context.Context, req dispatch.Request) (models.Job, error)
}

// TickResult counts what one tick did.
type TickResult struct {
	Evaluated int
	Enqueued  int
	Denied    int
	Invalid   int
	Failed    int
}

// Config wires a Scheduler. Redis is optional; without it every instance
// evaluates every tick.
type Config struct {
	Schedules store.ScheduleStore
	Jobs      Enqueuer
	Redis     redis.UniversalClient
	Interval  time.Duration
	LockKey   string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Scheduler evaluates enabled schedules on a fixed interval.
type Scheduler struct {
	schedules store.ScheduleStore
	jobs      Enqueuer
	redis     redis.UniversalClient
	interval  time.Duration
	lockKey   string
	instance  string
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		schedules: cfg.Schedules,
		jobs:      cfg.Jobs,
		redis:     cfg.Redis,
		interval:  cfg.Interval,
		lockKey:   cfg.LockKey,
		instance:  uuid.NewString(),
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	if s.lockKey == "" {
		s.lockKey = "scheduler:tick"
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Tick enqueues one job for every due schedule and records the run. A denied
// admission still counts as the run for that period; other enqueue failures
// leave the schedule due for the next tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var res TickResult
	list, err := s.schedules.ListSchedules(ctx, true)
	if err != nil {
		return res, fmt.Errorf("list schedules: %w", err)
	}

	var errs []error
	for _, sc := range list {
		if !sc.Enabled {
			continue
		}
		res.Evaluated++
		log := s.logger.With(slog.String("schedule", sc.Name), slog.String("type", sc.JobType))

		due, err := ShouldRun(sc, now)
		if err != nil {
			res.Invalid++
			log.Error("skipping schedule", slog.String("error", err.Error()))
			continue
		}
		if !due {
			continue
		}

		maxRetries := sc.MaxRetries
		req := dispatch.Request{
			Type:       sc.JobType,
			Payload:    clonePayload(sc.Payload),
			Trigger:    models.TriggerSchedule,
			MaxRetries: &maxRetries,
		}
		if sc.Owner != nil {
			req.Owner = *sc.Owner
		}

		job, err := s.jobs.Enqueue(ctx, req)
		switch {
		case err == nil:
			res.Enqueued++
			telemetry.ScheduledRuns.Inc()
			log.Info("scheduled job enqueued", slog.String("job_id", job.ID))
		case dispatch.IsAdmissionDenied(err):
			res.Denied++
			log.Warn("scheduled run denied", slog.String("error", err.Error()))
		default:
			res.Failed++
			log.Error("scheduled enqueue failed", slog.String("error", err.Error()))
			continue
		}

		if err := s.schedules.MarkScheduleRun(ctx, sc.ID, now); err != nil {
			errs = append(errs, fmt.Errorf("mark schedule %s run: %w", sc.Name, err))
		}
	}
	return res, errors.Join(errs...)
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.tickLocked(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tickLocked(ctx context.Context) {
	ok, err := s.lock(ctx)
	if err != nil {
		s.logger.Warn("scheduler lock failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}

	res, err := s.Tick(ctx, s.now().UTC())
	if err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler tick failed", slog.String("error", err.Error()))
	}
	if res.Enqueued > 0 || res.Denied > 0 || res.Failed > 0 {
		s.logger.Info("scheduler tick",
			slog.Int("evaluated", res.Evaluated),
			slog.Int("enqueued", res.Enqueued),
			slog.Int("denied", res.Denied),
			slog.Int("failed", res.Failed))
	}
}

// lock claims the current tick. The key is not released; it expires just
// before the next tick so exactly one instance evaluates each interval.
func (s *Scheduler) lock(ctx context.Context) (bool, error) {
	if s.redis == nil {
		return true, nil
	}
	ttl := s.interval - s.interval/10
	return s.redis.SetNX(ctx, s.lockKey, s.instance, ttl).Result()
}

func clonePayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
