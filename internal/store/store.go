package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"job-orchestrator/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// JobStore persists Job records and their status transitions. Transition
// methods fail with models.ErrInvalidTransition when the stored status does not
// allow the move, which also fences two workers racing on one job.
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	MarkSuccess(ctx context.Context, id string, result json.RawMessage, at time.Time) error
	MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, errMsg string, scheduledFor time.Time) error
	MarkCancelled(ctx context.Context, id string, at time.Time) (models.Job, error)
	RequeueStale(ctx context.Context, id string) error
	ClearSlot(ctx context.Context, id string) error
}

// EventStore keeps the per-job lifecycle log.
type EventStore interface {
	AppendEvent(ctx context.Context, e models.Event) error
	ListEvents(ctx context.Context, jobID string) ([]models.Event, error)
}

// ScheduleStore persists recurring triggers.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s models.Schedule) error
	ListSchedules(ctx context.Context, enabledOnly bool) ([]models.Schedule, error)
	MarkScheduleRun(ctx context.Context, id string, at time.Time) error
}

// Store is everything the services need from durable storage.
type Store interface {
	JobStore
	EventStore
	ScheduleStore
}
