// Package dispatch admits jobs: it resolves the owner's tenant, enforces quota
// and concurrency limits, persists the job and submits it for execution.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"job-orchestrator/internal/concurrency"
	"job-orchestrator/internal/events"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/plan"
	"job-orchestrator/internal/quota"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
	"job-orchestrator/internal/tenant"
)

var (
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrAdmissionDenied matches quota and concurrency denials returned by Enqueue.
	ErrAdmissionDenied = errors.New("admission denied")
)

// Submitter is the execution substrate jobs are handed to.
type Submitter interface {
	Submit(ctx context.Context, jobID string, runAt time.Time) error
	Cancel(ctx context.Context, jobID string) error
}

// TypeChecker reports whether a job type has an implementation.
type TypeChecker interface {
	Has(jobType string) bool
}

// Request describes a job to enqueue.
type Request struct {
	Type         string
	Payload      map[string]any
	Trigger      models.Trigger
	Owner        string
	ParentJobID  string
	ScheduledFor *time.Time
	// MaxRetries nil uses the configured default.
	MaxRetries      *int
	SkipQuota       bool
	SkipConcurrency bool
}

// Outcome is the non-raising form of Enqueue.
type Outcome struct {
	OK  bool
	Job models.Job
	Err error
}

// Config wires a Dispatcher. Quotas and Slots may be nil to disable that check.
type Config struct {
	Store             store.JobStore
	Queue             Submitter
	Types             TypeChecker
	Tenants           tenant.Resolver
	Quotas            *quota.Manager
	Slots             *concurrency.Limiter
	Events            events.Sink
	Logger            *slog.Logger
	SlotTimeout       time.Duration
	DefaultMaxRetries int
	Now               func() time.Time
}

// Dispatcher is the single entry point for creating jobs.
type Dispatcher struct {
	store             store.JobStore
	queue             Submitter
	types             TypeChecker
	tenants           tenant.Resolver
	quotas            *quota.Manager
	slots             *concurrency.Limiter
	events            events.Sink
	logger            *slog.Logger
	slotTimeout       time.Duration
	defaultMaxRetries int
	now               func() time.Time
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		store:             cfg.Store,
		queue:             cfg.Queue,
		types:             cfg.Types,
		tenants:           cfg.Tenants,
		quotas:            cfg.Quotas,
		slots:             cfg.Slots,
		events:            cfg.Events,
		logger:            cfg.Logger,
		slotTimeout:       cfg.SlotTimeout,
		defaultMaxRetries: cfg.DefaultMaxRetries,
		now:               cfg.Now,
	}
	if d.events == nil {
		d.events = events.Discard{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.slotTimeout <= 0 {
		d.slotTimeout = 30 * time.Minute
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Enqueue admits and submits a job. Quota and concurrency denials are returned
// as *quota.ExceededError or *concurrency.LimitError, both matching
// ErrAdmissionDenied.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) (models.Job, error) {
	if req.Trigger == "" {
		req.Trigger = models.TriggerAPI
	}
	if req.Trigger == models.TriggerSystem {
		req.SkipQuota = true
		req.SkipConcurrency = true
	}

	t, metered, err := d.resolve(ctx, req.Owner)
	if err != nil {
		return models.Job{}, err
	}
	if d.types != nil && !d.types.Has(req.Type) {
		return models.Job{}, fmt.Errorf("%w: %q", ErrUnknownJobType, req.Type)
	}
	if req.ParentJobID != "" {
		if _, err := d.store.GetJob(ctx, req.ParentJobID); err != nil {
			return models.Job{}, fmt.Errorf("parent job: %w", err)
		}
	}

	now := d.now().UTC()
	job := models.Job{
		ID:           uuid.NewString(),
		Type:         req.Type,
		Status:       models.StatusQueued,
		Trigger:      req.Trigger,
		Payload:      req.Payload,
		MaxRetries:   d.defaultMaxRetries,
		ScheduledFor: req.ScheduledFor,
		TraceID:      uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if job.Payload == nil {
		job.Payload = map[string]any{}
	}
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		job.MaxRetries = *req.MaxRetries
	}
	if req.Owner != "" {
		owner := req.Owner
		job.Owner = &owner
	}
	if req.ParentJobID != "" {
		parent := req.ParentJobID
		job.ParentJobID = &parent
	}
	if metered {
		job.Tenant = t.ID
	}

	checkQuota := metered && !req.SkipQuota && d.quotas != nil
	takeSlot := metered && !req.SkipConcurrency && d.slots != nil

	if checkQuota {
		if err := d.quotas.Check(ctx, t, plan.QuotaJobsPerDay, 1); err != nil {
			return models.Job{}, d.denied(err, "quota")
		}
	}
	if takeSlot {
		slot := concurrency.SlotRequest{JobID: job.ID, Tenant: t, WorkflowType: job.Type}
		if err := d.slots.Acquire(ctx, slot, d.slotTimeout); err != nil {
			return models.Job{}, d.denied(err, "concurrency")
		}
		job.SlotHeld = true
	}
	if checkQuota {
		if _, err := d.quotas.Consume(ctx, t, plan.QuotaJobsPerDay, 1); err != nil {
			d.releaseSlot(ctx, job)
			if errors.Is(err, quota.ErrExceeded) {
				return models.Job{}, d.denied(err, "quota")
			}
			return models.Job{}, err
		}
	}

	if err := d.store.CreateJob(ctx, job); err != nil {
		d.releaseSlot(ctx, job)
		if checkQuota {
			if rerr := d.quotas.Refund(ctx, t, plan.QuotaJobsPerDay, 1); rerr != nil {
				d.logger.Error("quota refund failed", slog.String("tenant", t.ID), slog.String("error", rerr.Error()))
			}
		}
		return models.Job{}, fmt.Errorf("persist job: %w", err)
	}

	runAt := now
	if job.ScheduledFor != nil {
		runAt = *job.ScheduledFor
	}
	if err := d.queue.Submit(ctx, job.ID, runAt); err != nil {
		if merr := d.store.MarkFailed(ctx, job.ID, "submit failed: "+err.Error(), d.now().UTC()); merr != nil {
			d.logger.Error("mark unsubmitted job failed", slog.String("job_id", job.ID), slog.String("error", merr.Error()))
		}
		d.releaseSlot(ctx, job)
		return models.Job{}, fmt.Errorf("submit job: %w", err)
	}

	telemetry.EnqueueCounter.WithLabelValues(job.Type, string(job.Trigger)).Inc()
	d.emit(ctx, job.ID, models.LevelInfo, events.Enqueued, map[string]any{
		"type":    job.Type,
		"trigger": string(job.Trigger),
		"tenant":  job.Tenant,
	})
	return job, nil
}

// EnqueueSafe never returns an error; admission denials and failures are
// reported in the outcome.
func (d *Dispatcher) EnqueueSafe(ctx context.Context, req Request) Outcome {
	job, err := d.Enqueue(ctx, req)
	if err != nil {
		return Outcome{Err: err}
	}
	return Outcome{OK: true, Job: job}
}

// Resubmit schedules another attempt of a failed job. Admission is skipped and
// a held slot is kept through the backoff delay.
func (d *Dispatcher) Resubmit(ctx context.Context, job models.Job, attempt int, delay time.Duration, errMsg string) error {
	runAt := d.now().UTC().Add(delay)
	if err := d.store.ScheduleRetry(ctx, job.ID, attempt, errMsg, runAt); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if job.SlotHeld && d.slots != nil {
		err := d.slots.Refresh(ctx, job.ID, d.slotTimeout+delay)
		switch {
		case errors.Is(err, concurrency.ErrNoSlot):
			d.logger.Warn("slot expired before retry", slog.String("job_id", job.ID))
			if err := d.store.ClearSlot(ctx, job.ID); err != nil {
				return fmt.Errorf("clear expired slot: %w", err)
			}
		case err != nil:
			return err
		}
	}
	if err := d.queue.Submit(ctx, job.ID, runAt); err != nil {
		return fmt.Errorf("resubmit job: %w", err)
	}
	return nil
}

// Cancel marks a queued or running job cancelled, removes it from the queue
// and releases its slot. A running workflow is not interrupted.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (models.Job, error) {
	job, err := d.store.MarkCancelled(ctx, id, d.now().UTC())
	if err != nil {
		return models.Job{}, err
	}
	if err := d.queue.Cancel(ctx, id); err != nil {
		d.logger.Warn("remove cancelled job from queue", slog.String("job_id", id), slog.String("error", err.Error()))
	}
	if job.SlotHeld {
		d.releaseSlot(ctx, job)
		if err := d.store.ClearSlot(ctx, id); err != nil {
			return job, fmt.Errorf("clear slot: %w", err)
		}
		job.SlotHeld = false
	}
	d.emit(ctx, id, models.LevelInfo, events.Cancelled, nil)
	return job, nil
}

func (d *Dispatcher) resolve(ctx context.Context, owner string) (tenant.Tenant, bool, error) {
	if owner == "" || d.tenants == nil {
		return tenant.Tenant{}, false, nil
	}
	t, ok, err := d.tenants.Resolve(ctx, owner)
	if err != nil {
		return tenant.Tenant{}, false, fmt.Errorf("resolve tenant for %s: %w", owner, err)
	}
	return t, ok, nil
}

// denied tags admission errors while leaving infrastructure errors alone.
func (d *Dispatcher) denied(err error, reason string) error {
	if _, ok := RetryAfter(err); ok {
		telemetry.AdmissionRejects.WithLabelValues(reason).Inc()
		return fmt.Errorf("%w: %w", ErrAdmissionDenied, err)
	}
	return err
}

func (d *Dispatcher) releaseSlot(ctx context.Context, job models.Job) {
	if !job.SlotHeld || d.slots == nil {
		return
	}
	if err := d.slots.Release(ctx, job.ID); err != nil {
		d.logger.Error("release slot failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) emit(ctx context.Context, jobID, level, msg string, data map[string]any) {
	e := models.Event{JobID: jobID, Timestamp: d.now().UTC(), Level: level, Source: "dispatcher", Message: msg, Data: data}
	if err := d.events.Emit(ctx, e); err != nil {
		d.logger.Warn("emit event failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

// RetryAfter extracts the retry hint from an admission denial.
func RetryAfter(err error) (time.Duration, bool) {
	var hinted interface{ RetryAfter() time.Duration }
	if errors.As(err, &hinted) {
		return hinted.RetryAfter(), true
	}
	return 0, false
}

// IsAdmissionDenied reports whether err is a quota or concurrency denial.
func IsAdmissionDenied(err error) bool {
	return errors.Is(err, ErrAdmissionDenied) || errors.Is(err, quota.ErrExceeded) || errors.Is(err, concurrency.ErrLimitReached)
}
