// Package quota keeps per-tenant fixed-window usage counters in Redis and checks
// them against plan limits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"job-orchestrator/internal/plan"
	"job-orchestrator/internal/tenant"
)

// ErrExceeded matches every *ExceededError via errors.Is.
var ErrExceeded = errors.New("quota exceeded")

// ExceededError is returned when usage+amount would pass the tenant's limit.
type ExceededError struct {
	Tenant    string
	Quota     string
	Limit     int64
	Used      int64
	Requested int64
	// Wait is the time left in the current window; zero for non-expiring quotas.
	Wait time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota %q exceeded for tenant %s: %d used + %d requested > limit %d", e.Quota, e.Tenant, e.Used, e.Requested, e.Limit)
}

func (e *ExceededError) Is(target error) bool { return target == ErrExceeded }

// RetryAfter is the earliest time the request could succeed.
func (e *ExceededError) RetryAfter() time.Duration { return e.Wait }

// Usage is a snapshot of one counter.
type Usage struct {
	Tenant  string        `json:"tenant"`
	Quota   string        `json:"quota"`
	Used    int64         `json:"used"`
	Limit   int64         `json:"limit"`
	Defined bool          `json:"defined"`
	ResetIn time.Duration `json:"reset_in"`
}

// Manager checks and records quota consumption.
type Manager struct {
	client  redis.UniversalClient
	catalog *plan.Catalog
	prefix  string
}

// NewManager builds a manager over a shared Redis.
func NewManager(client redis.UniversalClient, catalog *plan.Catalog) *Manager {
	return &Manager{client: client, catalog: catalog, prefix: "quota:"}
}

func (m *Manager) key(tenantID, name string) string {
	return m.prefix + tenantID + ":" + name
}

// Check reports nil when the tenant may consume amount units of the quota.
// Quotas the tenant's plan does not define are always allowed.
func (m *Manager) Check(ctx context.Context, t tenant.Tenant, name string, amount int64) error {
	limit, ok := m.catalog.Quota(t.Tier, name)
	if !ok {
		return nil
	}
	used, ttl, err := m.read(ctx, m.key(t.ID, name))
	if err != nil {
		return err
	}
	if used+amount > limit.Limit {
		return &ExceededError{
			Tenant:    t.ID,
			Quota:     name,
			Limit:     limit.Limit,
			Used:      used,
			Requested: amount,
			Wait:      ttl,
		}
	}
	return nil
}

// Consume adds amount to the tenant's counter and returns the new usage. The
// limit is checked in the same script, so concurrent callers cannot overshoot
// it; a denied call returns *ExceededError and leaves the counter unchanged.
// The first write in a window sets the counter's TTL to the window length.
func (m *Manager) Consume(ctx context.Context, t tenant.Tenant, name string, amount int64) (int64, error) {
	limit, ok := m.catalog.Quota(t.Tier, name)
	if !ok {
		return 0, nil
	}
	keys := []string{m.key(t.ID, name)}
	res, err := consumeScript.Run(ctx, m.client, keys, amount, limit.Window().Milliseconds(), limit.Limit).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("consume quota %s: %w", name, err)
	}
	if len(res) != 3 {
		return 0, fmt.Errorf("consume quota %s: unexpected reply %v", name, res)
	}
	if res[0] == 0 {
		wait := time.Duration(res[2]) * time.Millisecond
		if wait < 0 {
			wait = 0
		}
		return res[1], &ExceededError{
			Tenant:    t.ID,
			Quota:     name,
			Limit:     limit.Limit,
			Used:      res[1],
			Requested: amount,
			Wait:      wait,
		}
	}
	return res[1], nil
}

// Refund gives back amount units, never taking the counter below zero.
func (m *Manager) Refund(ctx context.Context, t tenant.Tenant, name string, amount int64) error {
	if err := refundScript.Run(ctx, m.client, []string{m.key(t.ID, name)}, amount).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("refund quota %s: %w", name, err)
	}
	return nil
}

// Usage returns the current counter value alongside the plan limit.
func (m *Manager) Usage(ctx context.Context, t tenant.Tenant, name string) (Usage, error) {
	used, ttl, err := m.read(ctx, m.key(t.ID, name))
	if err != nil {
		return Usage{}, err
	}
	limit, ok := m.catalog.Quota(t.Tier, name)
	return Usage{
		Tenant:  t.ID,
		Quota:   name,
		Used:    used,
		Limit:   limit.Limit,
		Defined: ok,
		ResetIn: ttl,
	}, nil
}

// Reset deletes the counter so usage starts again from zero.
func (m *Manager) Reset(ctx context.Context, t tenant.Tenant, name string) error {
	if err := m.client.Del(ctx, m.key(t.ID, name)).Err(); err != nil {
		return fmt.Errorf("reset quota %s: %w", name, err)
	}
	return nil
}

func (m *Manager) read(ctx context.Context, key string) (int64, time.Duration, error) {
	pipe := m.client.Pipeline()
	get := pipe.Get(ctx, key)
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("read quota counter: %w", err)
	}
	used, err := get.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("parse quota counter: %w", err)
	}
	ttl := pttl.Val()
	if ttl < 0 {
		ttl = 0
	}
	return used, ttl, nil
}

var consumeScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if used + amount > tonumber(ARGV[3]) then
  return {0, used, redis.call('PTTL', KEYS[1])}
end
used = redis.call('INCRBY', KEYS[1], amount)
local window = tonumber(ARGV[2])
if window > 0 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], window)
end
return {1, used, 0}
`)

var refundScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local left = redis.call('DECRBY', KEYS[1], ARGV[1])
if left < 0 then
  redis.call('INCRBY', KEYS[1], -left)
  left = 0
end
return left
`)
