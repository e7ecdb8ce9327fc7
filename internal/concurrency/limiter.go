// Package concurrency bounds in-flight jobs per tenant and per (tenant, workflow
// type) using slot records in Redis.
//
// Each slot is a hash keyed by job id plus a member in two sorted sets (tenant
// wide and workflow specific) scored by the slot's expiry. Running counts are the
// set cardinalities after expired members are pruned, so a slot abandoned by a
// dead worker stops counting once its timeout passes.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"job-orchestrator/internal/plan"
	"job-orchestrator/internal/tenant"
)

var (
	// ErrLimitReached matches every *LimitError via errors.Is.
	ErrLimitReached = errors.New("concurrency limit reached")
	// ErrNoSlot is returned by Refresh when the job holds no slot.
	ErrNoSlot = errors.New("no concurrency slot held")
)

// Limit scopes.
const (
	ScopeTenant   = "tenant"
	ScopeWorkflow = "workflow"
)

// LimitError reports which ceiling denied an acquire.
type LimitError struct {
	Tenant       string
	WorkflowType string
	Scope        string
	Limit        int
	Active       int64
	Wait         time.Duration
}

func (e *LimitError) Error() string {
	if e.Scope == ScopeWorkflow {
		return fmt.Sprintf("concurrency limit reached for tenant %s workflow %s: %d/%d running", e.Tenant, e.WorkflowType, e.Active, e.Limit)
	}
	return fmt.Sprintf("concurrency limit reached for tenant %s: %d/%d running", e.Tenant, e.Active, e.Limit)
}

func (e *LimitError) Is(target error) bool { return target == ErrLimitReached }

// RetryAfter is a hint for when a slot may free up.
func (e *LimitError) RetryAfter() time.Duration { return e.Wait }

// SlotRequest identifies the job asking for a slot.
type SlotRequest struct {
	JobID        string
	Tenant       tenant.Tenant
	WorkflowType string
}

// Slot is the stored record of an acquired slot.
type Slot struct {
	JobID        string    `json:"job_id"`
	Tenant       string    `json:"tenant"`
	WorkflowType string    `json:"workflow_type"`
	AcquiredAt   time.Time `json:"acquired_at"`
}

// Limiter hands out and reclaims slots.
type Limiter struct {
	client    redis.UniversalClient
	catalog   *plan.Catalog
	retryHint time.Duration
	now       func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used for slot expiry.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRetryHint sets the RetryAfter reported on denial.
func WithRetryHint(d time.Duration) Option {
	return func(l *Limiter) { l.retryHint = d }
}

// NewLimiter builds a limiter over a shared Redis.
func NewLimiter(client redis.UniversalClient, catalog *plan.Catalog, opts ...Option) *Limiter {
	l := &Limiter{
		client:    client,
		catalog:   catalog,
		retryHint: 5 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func slotKey(jobID string) string { return "concurrency:slot:" + jobID }

func tenantKey(tenantID string) string { return "concurrency:tenant:" + tenantID }

func workflowKey(tenantID, workflowType string) string {
	return "concurrency:workflow:" + tenantID + ":" + workflowType
}

// Acquire registers a slot for the job if neither the tenant-wide nor the
// workflow-specific ceiling is reached. The slot expires after timeout unless
// released first. Acquiring again for a job that already holds a slot refreshes it.
func (l *Limiter) Acquire(ctx context.Context, req SlotRequest, timeout time.Duration) error {
	if req.JobID == "" {
		return errors.New("acquire slot: job id is required")
	}
	if timeout <= 0 {
		return fmt.Errorf("acquire slot: timeout must be positive, got %s", timeout)
	}
	tenantLimit := l.catalog.TenantLimit(req.Tenant.Tier)
	workflowLimit := l.catalog.WorkflowLimit(req.Tenant.Tier, req.WorkflowType)

	keys := []string{slotKey(req.JobID), tenantKey(req.Tenant.ID), workflowKey(req.Tenant.ID, req.WorkflowType)}
	res, err := acquireScript.Run(ctx, l.client, keys,
		req.JobID, req.Tenant.ID, req.WorkflowType,
		l.now().UnixMilli(), timeout.Milliseconds(),
		tenantLimit, workflowLimit,
	).Int64Slice()
	if err != nil {
		return fmt.Errorf("acquire slot for job %s: %w", req.JobID, err)
	}
	if len(res) < 3 {
		return fmt.Errorf("acquire slot for job %s: unexpected script reply %v", req.JobID, res)
	}
	switch res[0] {
	case 1:
		return nil
	case -1:
		return &LimitError{Tenant: req.Tenant.ID, WorkflowType: req.WorkflowType, Scope: ScopeTenant, Limit: tenantLimit, Active: res[1], Wait: l.retryHint}
	default:
		return &LimitError{Tenant: req.Tenant.ID, WorkflowType: req.WorkflowType, Scope: ScopeWorkflow, Limit: workflowLimit, Active: res[2], Wait: l.retryHint}
	}
}

// Release frees the job's slot. Releasing an id that holds no slot is a no-op.
func (l *Limiter) Release(ctx context.Context, jobID string) error {
	slot, ok, err := l.Slot(ctx, jobID)
	if err != nil || !ok {
		return err
	}
	keys := []string{slotKey(jobID), tenantKey(slot.Tenant), workflowKey(slot.Tenant, slot.WorkflowType)}
	if err := releaseScript.Run(ctx, l.client, keys, jobID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot for job %s: %w", jobID, err)
	}
	return nil
}

// Refresh pushes a held slot's expiry to now+timeout.
func (l *Limiter) Refresh(ctx context.Context, jobID string, timeout time.Duration) error {
	slot, ok, err := l.Slot(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSlot
	}
	keys := []string{slotKey(jobID), tenantKey(slot.Tenant), workflowKey(slot.Tenant, slot.WorkflowType)}
	expires := l.now().Add(timeout).UnixMilli()
	if err := refreshScript.Run(ctx, l.client, keys, jobID, expires, timeout.Milliseconds()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("refresh slot for job %s: %w", jobID, err)
	}
	return nil
}

// Slot looks up the slot a job holds.
func (l *Limiter) Slot(ctx context.Context, jobID string) (Slot, bool, error) {
	vals, err := l.client.HMGet(ctx, slotKey(jobID), "tenant", "workflow_type", "acquired_at").Result()
	if err != nil {
		return Slot{}, false, fmt.Errorf("read slot for job %s: %w", jobID, err)
	}
	tenantID, _ := vals[0].(string)
	if tenantID == "" {
		return Slot{}, false, nil
	}
	workflowType, _ := vals[1].(string)
	acquired, _ := vals[2].(string)
	ms, _ := strconv.ParseInt(acquired, 10, 64)
	return Slot{
		JobID:        jobID,
		Tenant:       tenantID,
		WorkflowType: workflowType,
		AcquiredAt:   time.UnixMilli(ms).UTC(),
	}, true, nil
}

// Active returns the unexpired slot counts for a tenant and one of its workflow types.
func (l *Limiter) Active(ctx context.Context, tenantID, workflowType string) (int64, int64, error) {
	from := "(" + strconv.FormatInt(l.now().UnixMilli(), 10)
	pipe := l.client.Pipeline()
	tc := pipe.ZCount(ctx, tenantKey(tenantID), from, "+inf")
	wc := pipe.ZCount(ctx, workflowKey(tenantID, workflowType), from, "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("count slots: %w", err)
	}
	return tc.Val(), wc.Val(), nil
}

// acquireScript returns {code, tenantCount, workflowCount}; code 1 = acquired,
// -1 = tenant ceiling, -2 = workflow ceiling. Limits <= 0 are unbounded.
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[4])
local timeout = tonumber(ARGV[5])
local tenantLimit = tonumber(ARGV[6])
local workflowLimit = tonumber(ARGV[7])
local expires = now + timeout

redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', now)
redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', now)

if redis.call('EXISTS', KEYS[1]) == 0 then
  local tc = redis.call('ZCARD', KEYS[2])
  local wc = redis.call('ZCARD', KEYS[3])
  if tenantLimit > 0 and tc >= tenantLimit then return {-1, tc, wc} end
  if workflowLimit > 0 and wc >= workflowLimit then return {-2, tc, wc} end
  redis.call('HSET', KEYS[1], 'tenant', ARGV[2], 'workflow_type', ARGV[3], 'acquired_at', now)
end

redis.call('PEXPIRE', KEYS[1], timeout)
redis.call('ZADD', KEYS[2], expires, ARGV[1])
redis.call('ZADD', KEYS[3], expires, ARGV[1])
return {1, redis.call('ZCARD', KEYS[2]), redis.call('ZCARD', KEYS[3])}
`)

var releaseScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return redis.call('DEL', KEYS[1])
`)

var refreshScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)
