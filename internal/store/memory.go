package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"job-orchestrator/internal/models"
)

// Memory is an in-process Store for tests and single-binary development runs.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]models.Job
	events    map[string][]models.Event
	schedules map[string]models.Schedule
}

func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[string]models.Job),
		events:    make(map[string][]models.Event),
		schedules: make(map[string]models.Schedule),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrDuplicate)
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return cloneJob(job), nil
}

// update applies fn to the job after checking the transition to next.
func (m *Memory) update(id string, next models.JobStatus, fn func(*models.Job)) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if !models.CanTransition(job.Status, next) {
		return models.Job{}, fmt.Errorf("job %s %s -> %s: %w", id, job.Status, next, models.ErrInvalidTransition)
	}
	job.Status = next
	fn(&job)
	m.jobs[id] = job
	return cloneJob(job), nil
}

func (m *Memory) MarkRunning(_ context.Context, id string, at time.Time) error {
	_, err := m.update(id, models.StatusRunning, func(j *models.Job) {
		j.StartedAt = &at
		j.UpdatedAt = at
	})
	return err
}

func (m *Memory) MarkSuccess(_ context.Context, id string, result json.RawMessage, at time.Time) error {
	_, err := m.update(id, models.StatusSuccess, func(j *models.Job) {
		j.Result = append(json.RawMessage(nil), result...)
		j.Error = nil
		j.FinishedAt = &at
		j.SlotHeld = false
		j.UpdatedAt = at
	})
	return err
}

func (m *Memory) MarkFailed(_ context.Context, id string, errMsg string, at time.Time) error {
	_, err := m.update(id, models.StatusFailed, func(j *models.Job) {
		j.Error = &errMsg
		j.FinishedAt = &at
		j.SlotHeld = false
		j.UpdatedAt = at
	})
	return err
}

func (m *Memory) ScheduleRetry(_ context.Context, id string, retryCount int, errMsg string, scheduledFor time.Time) error {
	_, err := m.update(id, models.StatusQueued, func(j *models.Job) {
		j.RetryCount = retryCount
		j.Trigger = models.TriggerRetry
		j.Error = &errMsg
		j.ScheduledFor = &scheduledFor
		j.FinishedAt = nil
		j.UpdatedAt = time.Now().UTC()
	})
	return err
}

func (m *Memory) MarkCancelled(_ context.Context, id string, at time.Time) (models.Job, error) {
	return m.update(id, models.StatusCancelled, func(j *models.Job) {
		j.FinishedAt = &at
		j.UpdatedAt = at
	})
}

func (m *Memory) RequeueStale(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if job.Status != models.StatusRunning {
		return nil
	}
	job.Status = models.StatusQueued
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return nil
}

func (m *Memory) ClearSlot(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	job.SlotHeld = false
	m.jobs[id] = job
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, e models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.JobID] = append(m.events[e.JobID], e)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, jobID string) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Event(nil), m.events[jobID]...), nil
}

func (m *Memory) CreateSchedule(_ context.Context, s models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.schedules {
		if existing.Name == s.Name {
			return fmt.Errorf("schedule %q: %w", s.Name, ErrDuplicate)
		}
	}
	m.schedules[s.ID] = s
	return nil
}

func (m *Memory) ListSchedules(_ context.Context, enabledOnly bool) ([]models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if enabledOnly && !s.Enabled {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) MarkScheduleRun(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	s.LastRunAt = &at
	m.schedules[id] = s
	return nil
}

func cloneJob(j models.Job) models.Job {
	if j.Payload != nil {
		p := make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			p[k] = v
		}
		j.Payload = p
	}
	if j.Result != nil {
		j.Result = append(json.RawMessage(nil), j.Result...)
	}
	return j
}
