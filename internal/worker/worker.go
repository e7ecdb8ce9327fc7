package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"job-orchestrator/internal/events"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
	"job-orchestrator/internal/workflow"
)

// Retrier schedules another attempt of a failed job.
type Retrier interface {
	Resubmit(ctx context.Context, job models.Job, attempt int, delay time.Duration, errMsg string) error
}

// SlotReleaser frees the concurrency slot held by a job.
type SlotReleaser interface {
	Release(ctx context.Context, jobID string) error
}

// DeadLetter receives jobs that failed terminally.
type DeadLetter interface {
	DLQPush(ctx context.Context, jobID string) error
}

// Lease is the queue delivery an attempt was handed. Settle ends it; Restore
// takes it again after Settle when a retry could not be resubmitted.
type Lease interface {
	Settle(ctx context.Context) error
	Restore(ctx context.Context) error
}

// Config wires a Worker. Slots and DLQ may be nil.
type Config struct {
	Store      store.JobStore
	Workflows  *workflow.Registry
	Retrier    Retrier
	Slots      SlotReleaser
	DLQ        DeadLetter
	Events     events.Sink
	Logger     *slog.Logger
	Backoff    Backoff
	JobTimeout time.Duration
	Now        func() time.Time
}

// Worker executes one job attempt and settles the outcome.
type Worker struct {
	store     store.JobStore
	workflows *workflow.Registry
	retrier   Retrier
	slots     SlotReleaser
	dlq       DeadLetter
	events    events.Sink
	logger    *slog.Logger
	backoff   Backoff
	timeout   time.Duration
	now       func() time.Time
}

func NewWorker(cfg Config) *Worker {
	w := &Worker{
		store:     cfg.Store,
		workflows: cfg.Workflows,
		retrier:   cfg.Retrier,
		slots:     cfg.Slots,
		dlq:       cfg.DLQ,
		events:    cfg.Events,
		logger:    cfg.Logger,
		backoff:   cfg.Backoff,
		timeout:   cfg.JobTimeout,
		now:       cfg.Now,
	}
	if w.events == nil {
		w.events = events.Discard{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Execute runs the job once. Workflow failures are recorded on the job and do
// not surface here; the returned error is always a storage or queue failure.
//
// lease, when not nil, is settled once the delivery is finished with, and
// before a retry is resubmitted. It is left to expire when the job is running
// under another delivery or when Execute returns an error.
func (w *Worker) Execute(ctx context.Context, jobID string, lease Lease) error {
	if lease == nil {
		lease = noLease{}
	}
	job, err := w.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("job not found, dropping", slog.String("job_id", jobID))
		w.settle(ctx, jobID, lease)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != models.StatusQueued {
		return w.skip(ctx, job, lease)
	}

	if err := w.store.MarkRunning(ctx, job.ID, w.now().UTC()); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			w.logger.Info("job claimed elsewhere", slog.String("job_id", job.ID))
			return nil
		}
		return fmt.Errorf("mark running: %w", err)
	}
	attempt := job.RetryCount + 1
	log := w.logger.With(slog.String("job_id", job.ID), slog.String("type", job.Type), slog.String("tenant", job.Tenant))
	w.emit(ctx, job.ID, models.LevelInfo, events.Started, map[string]any{"attempt": attempt})

	wc := workflow.Context{
		JobID:   job.ID,
		TraceID: job.TraceID,
		Owner:   job.OwnerID(),
		Tenant:  job.Tenant,
		Attempt: attempt,
	}
	if job.ParentJobID != nil {
		wc.ParentJobID = *job.ParentJobID
	}

	started := w.now()
	result, runErr := w.run(ctx, job, wc)
	outcome := "success"
	if runErr != nil {
		outcome = "error"
	}
	telemetry.AttemptDuration.WithLabelValues(job.Type, outcome).Observe(w.now().Sub(started).Seconds())
	var raw json.RawMessage
	if runErr == nil {
		if raw, err = json.Marshal(result); err != nil {
			runErr = fmt.Errorf("encode result: %w", err)
		}
	}
	if runErr != nil {
		log.Warn("job attempt failed", slog.Int("attempt", attempt), slog.String("error", runErr.Error()))
		return w.fail(ctx, job, attempt, runErr, lease)
	}

	if err := w.store.MarkSuccess(ctx, job.ID, raw, w.now().UTC()); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			log.Info("job cancelled while running, result discarded")
			w.settle(ctx, job.ID, lease)
			return nil
		}
		return fmt.Errorf("mark success: %w", err)
	}
	w.settle(ctx, job.ID, lease)
	w.release(ctx, job)
	telemetry.WorkerSuccess.WithLabelValues(job.Type).Inc()
	w.emit(ctx, job.ID, models.LevelInfo, events.Completed, map[string]any{
		"attempt":     attempt,
		"duration_ms": w.now().Sub(started).Milliseconds(),
	})
	return nil
}

func (w *Worker) run(ctx context.Context, job models.Job, wc workflow.Context) (result any, err error) {
	wf, err := w.workflows.Lookup(job.Type)
	if err != nil {
		return nil, err
	}
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
		}
	}()
	return wf.Run(ctx, wc, job.Payload)
}

func (w *Worker) fail(ctx context.Context, job models.Job, attempt int, runErr error, lease Lease) error {
	msg := runErr.Error()
	if job.CanRetry() {
		next := job.RetryCount + 1
		delay := w.backoff.Delay(next)
		// the next attempt shares the job id, so this delivery must be gone
		// before the retry can be leased
		w.settle(ctx, job.ID, lease)
		if err := w.retrier.Resubmit(ctx, job, next, delay, msg); err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				return nil
			}
			if rerr := lease.Restore(ctx); rerr != nil {
				w.logger.Error("restore lease failed", slog.String("job_id", job.ID), slog.String("error", rerr.Error()))
			}
			return fmt.Errorf("resubmit: %w", err)
		}
		telemetry.WorkerRetries.WithLabelValues(job.Type).Inc()
		w.emit(ctx, job.ID, models.LevelWarn, events.Retrying, map[string]any{
			"attempt":     attempt,
			"retry_count": next,
			"delay_ms":    delay.Milliseconds(),
			"error":       msg,
		})
		return nil
	}

	if err := w.store.MarkFailed(ctx, job.ID, msg, w.now().UTC()); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			w.settle(ctx, job.ID, lease)
			return nil
		}
		return fmt.Errorf("mark failed: %w", err)
	}
	w.settle(ctx, job.ID, lease)
	w.release(ctx, job)
	if w.dlq != nil {
		if err := w.dlq.DLQPush(ctx, job.ID); err != nil {
			w.logger.Error("dlq push failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}
	telemetry.WorkerDeadLetter.WithLabelValues(job.Type).Inc()
	w.emit(ctx, job.ID, models.LevelError, events.Failed, map[string]any{
		"attempt": attempt,
		"error":   msg,
	})
	return nil
}

// skip handles a delivery for a job that is no longer queued. A running job
// keeps the lease so it is reclaimed again if its owner is gone.
func (w *Worker) skip(ctx context.Context, job models.Job, lease Lease) error {
	w.logger.Info("skipping job", slog.String("job_id", job.ID), slog.String("status", string(job.Status)))
	if job.Status == models.StatusRunning {
		return nil
	}
	if job.Status == models.StatusCancelled && job.SlotHeld {
		w.release(ctx, job)
		if err := w.store.ClearSlot(ctx, job.ID); err != nil {
			return fmt.Errorf("clear slot: %w", err)
		}
	}
	w.settle(ctx, job.ID, lease)
	return nil
}

func (w *Worker) settle(ctx context.Context, jobID string, lease Lease) {
	if err := lease.Settle(ctx); err != nil {
		w.logger.Warn("settle lease failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

type noLease struct{}

func (noLease) Settle(context.Context) error { return nil }
func (noLease) Restore(context.Context) error { return nil }

func (w *Worker) release(ctx context.Context, job models.Job) {
	if !job.SlotHeld || w.slots == nil {
		return
	}
	if err := w.slots.Release(ctx, job.ID); err != nil {
		w.logger.Error("release slot failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

func (w *Worker) emit(ctx context.Context, jobID, level, msg string, data map[string]any) {
	e := models.Event{JobID: jobID, Timestamp: w.now().UTC(), Level: level, Source: "worker", Message: msg, Data: data}
	if err := w.events.Emit(ctx, e); err != nil {
		w.logger.Warn("emit event failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}
