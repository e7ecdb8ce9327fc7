package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/plan"
	"job-orchestrator/internal/tenant"
)

// Postgres wraps pgxpool for durable Job, Schedule, event and tenant records.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, type, status, trigger, payload, result, error, retry_count, max_retries, scheduled_for,
	parent_job_id, owner, tenant, trace_id, slot_held, created_at, started_at, finished_at, updated_at`

// CreateJob inserts a queued job row.
func (s *Postgres) CreateJob(ctx context.Context, job models.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, NULL, NULL, $6, $7, $8, $9, $10, $11, $12, $13, $14, NULL, NULL, $15)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.Type, job.Status, job.Trigger, payloadJSON, job.RetryCount, job.MaxRetries, job.ScheduledFor,
		job.ParentJobID, job.Owner, job.Tenant, job.TraceID, job.SlotHeld, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, ErrDuplicate)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		status      string
		trigger     string
		payloadJSON []byte
		resultJSON  []byte
		lastErr     pgtype.Text
		parent      pgtype.Text
		owner       pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.Type, &status, &trigger, &payloadJSON, &resultJSON, &lastErr,
		&job.RetryCount, &job.MaxRetries, &job.ScheduledFor, &parent, &owner, &job.Tenant, &job.TraceID,
		&job.SlotHeld, &job.CreatedAt, &job.StartedAt, &job.FinishedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.JobStatus(status)
	job.Trigger = models.Trigger(trigger)
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		job.Result = json.RawMessage(resultJSON)
	}
	job.Error = textPtr(lastErr)
	job.ParentJobID = textPtr(parent)
	job.Owner = textPtr(owner)
	return job, nil
}

// transition runs an UPDATE guarded by the allowed source statuses and maps a
// zero-row result to ErrNotFound or models.ErrInvalidTransition.
func (s *Postgres) transition(ctx context.Context, id string, next models.JobStatus, set string, args ...any) error {
	from := allowedFrom(next)
	params := append([]any{id, next, from}, args...)
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, `+set+`
		WHERE id = $1 AND status = ANY($3)
	`, params...)
	if err != nil {
		return fmt.Errorf("update job %s to %s: %w", id, next, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s %s -> %s: %w", id, current.Status, next, models.ErrInvalidTransition)
}

func allowedFrom(next models.JobStatus) []string {
	var out []string
	for _, from := range []models.JobStatus{models.StatusQueued, models.StatusRunning} {
		if models.CanTransition(from, next) {
			out = append(out, string(from))
		}
	}
	return out
}

// MarkRunning claims a queued job for execution.
func (s *Postgres) MarkRunning(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, models.StatusRunning, `started_at = $4, updated_at = $4`, at)
}

// MarkSuccess stores the workflow result and closes the job.
func (s *Postgres) MarkSuccess(ctx context.Context, id string, result json.RawMessage, at time.Time) error {
	return s.transition(ctx, id, models.StatusSuccess,
		`result = $4, error = NULL, finished_at = $5, slot_held = FALSE, updated_at = $5`, []byte(result), at)
}

// MarkFailed closes the job with its last error.
func (s *Postgres) MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) error {
	return s.transition(ctx, id, models.StatusFailed,
		`error = $4, finished_at = $5, slot_held = FALSE, updated_at = $5`, errMsg, at)
}

// ScheduleRetry puts a failed attempt back in the queue for a later run.
func (s *Postgres) ScheduleRetry(ctx context.Context, id string, retryCount int, errMsg string, scheduledFor time.Time) error {
	return s.transition(ctx, id, models.StatusQueued,
		`retry_count = $4, error = $5, scheduled_for = $6, trigger = $7, finished_at = NULL, updated_at = NOW()`,
		retryCount, errMsg, scheduledFor, models.TriggerRetry)
}

// MarkCancelled closes a queued or running job and returns the updated row.
func (s *Postgres) MarkCancelled(ctx context.Context, id string, at time.Time) (models.Job, error) {
	if err := s.transition(ctx, id, models.StatusCancelled, `finished_at = $4, updated_at = $4`, at); err != nil {
		return models.Job{}, err
	}
	return s.GetJob(ctx, id)
}

// RequeueStale returns a running job whose lease expired to the queued state.
func (s *Postgres) RequeueStale(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3
	`, id, models.StatusQueued, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	return nil
}

// ClearSlot records that the job no longer owns a concurrency slot.
func (s *Postgres) ClearSlot(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET slot_held = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear slot for job %s: %w", id, err)
	}
	return nil
}

// AppendEvent adds a lifecycle event row.
func (s *Postgres) AppendEvent(ctx context.Context, e models.Event) error {
	var data []byte
	if len(e.Data) > 0 {
		var err error
		if data, err = json.Marshal(e.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, ts, level, source, message, data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.JobID, e.Timestamp, e.Level, e.Source, e.Message, data)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// ListEvents returns a job's events in the order they were recorded.
func (s *Postgres) ListEvents(ctx context.Context, jobID string) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, ts, level, source, message, data FROM job_events WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			e    models.Event
			data []byte
		)
		if err := rows.Scan(&e.JobID, &e.Timestamp, &e.Level, &e.Source, &e.Message, &data); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateSchedule inserts a schedule; names are unique.
func (s *Postgres) CreateSchedule(ctx context.Context, sc models.Schedule) error {
	payloadJSON, err := json.Marshal(sc.Payload)
	if err != nil {
		return fmt.Errorf("marshal schedule payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (id, name, job_type, expression, payload, owner, max_retries, enabled, last_run_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (name) DO NOTHING
	`, sc.ID, sc.Name, sc.JobType, sc.Expression, payloadJSON, sc.Owner, sc.MaxRetries, sc.Enabled, sc.LastRunAt, sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %q: %w", sc.Name, ErrDuplicate)
	}
	return nil
}

// ListSchedules returns schedules ordered by name.
func (s *Postgres) ListSchedules(ctx context.Context, enabledOnly bool) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, job_type, expression, payload, owner, max_retries, enabled, last_run_at, created_at
		FROM schedules WHERE enabled OR NOT $1 ORDER BY name
	`, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []models.Schedule
	for rows.Next() {
		var (
			sc          models.Schedule
			payloadJSON []byte
			owner       pgtype.Text
		)
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.JobType, &sc.Expression, &payloadJSON, &owner,
			&sc.MaxRetries, &sc.Enabled, &sc.LastRunAt, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &sc.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal schedule payload: %w", err)
		}
		sc.Owner = textPtr(owner)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// MarkScheduleRun stamps last_run_at after a tick enqueued the schedule.
func (s *Postgres) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE schedules SET last_run_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// Resolve implements tenant.Resolver from the tenants table.
func (s *Postgres) Resolve(ctx context.Context, owner string) (tenant.Tenant, bool, error) {
	if owner == "" {
		return tenant.Tenant{}, false, nil
	}
	var id, tier string
	err := s.pool.QueryRow(ctx, `SELECT tenant_id, plan FROM tenants WHERE owner = $1`, owner).Scan(&id, &tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return tenant.Tenant{}, false, nil
	}
	if err != nil {
		return tenant.Tenant{}, false, fmt.Errorf("resolve tenant for %s: %w", owner, err)
	}
	return tenant.Tenant{ID: id, Tier: plan.Tier(tier)}, true, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
