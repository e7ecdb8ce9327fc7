package models

import (
	"encoding/json"
	"errors"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
//
//	queued ──► running ──► success | failed
//	running ──► queued (retry)
//	queued | running ──► cancelled
//	queued ──► failed (never reached the queue)
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSuccess   JobStatus = "success"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Trigger records what caused a job to be enqueued.
type Trigger string

const (
	TriggerAPI      Trigger = "api"
	TriggerSchedule Trigger = "schedule"
	TriggerSystem   Trigger = "system"
	TriggerRetry    Trigger = "retry"
)

var ErrInvalidTransition = errors.New("invalid job status transition")

var transitions = map[JobStatus][]JobStatus{
	StatusQueued:  {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusSuccess, StatusFailed, StatusQueued, StatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job represents a unit of background work persisted in Postgres.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Status       JobStatus       `json:"status"`
	Trigger      Trigger         `json:"trigger"`
	Payload      map[string]any  `json:"payload"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *string         `json:"error,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	ParentJobID  *string         `json:"parent_job_id,omitempty"`
	Owner        *string         `json:"owner,omitempty"`
	Tenant       string          `json:"tenant,omitempty"`
	TraceID      string          `json:"trace_id"`
	// SlotHeld is true while the job owns a concurrency slot, including
	// across queued retries.
	SlotHeld   bool       `json:"slot_held"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CanRetry reports whether another attempt is allowed after a failure.
func (j Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// OwnerID returns the owner or an empty string for unowned jobs.
func (j Job) OwnerID() string {
	if j.Owner == nil {
		return ""
	}
	return *j.Owner
}

// Schedule is a recurring trigger evaluated by the scheduler tick.
type Schedule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	JobType    string         `json:"job_type"`
	Expression string         `json:"expression"`
	Payload    map[string]any `json:"payload"`
	Owner      *string        `json:"owner,omitempty"`
	MaxRetries int            `json:"max_retries"`
	Enabled    bool           `json:"enabled"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Event levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event is a structured lifecycle record keyed by job id.
type Event struct {
	JobID     string         `json:"job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}
