// Package queue is the execution substrate: a Redis ready list for immediate
// work, a sorted set of deferred jobs, a lease set for jobs being executed, and a
// dead-letter list for jobs that failed terminally.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures key names and the lease length.
type Options struct {
	Prefix        string
	VisibilityTTL time.Duration
	DLQName       string
}

// RedisQueue coordinates ready, deferred and in-flight job ids in Redis.
type RedisQueue struct {
	client       redis.UniversalClient
	readyKey     string
	scheduledKey string
	inflightKey  string
	dlqKey       string
	visibility   time.Duration
	now          func() time.Time
}

// NewRedisQueue builds a queue over client.
func NewRedisQueue(client redis.UniversalClient, opts Options) *RedisQueue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "queue:"
	}
	visibility := opts.VisibilityTTL
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	dlq := opts.DLQName
	if dlq == "" {
		dlq = prefix + "dlq"
	}
	return &RedisQueue{
		client:       client,
		readyKey:     prefix + "ready",
		scheduledKey: prefix + "scheduled",
		inflightKey:  prefix + "inflight",
		dlqKey:       dlq,
		visibility:   visibility,
		now:          time.Now,
	}
}

// Submit makes a job runnable at runAt: immediately when runAt is not in the
// future, otherwise through the deferred set.
func (q *RedisQueue) Submit(ctx context.Context, jobID string, runAt time.Time) error {
	var err error
	if runAt.After(q.now()) {
		err = q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
	} else {
		err = q.client.RPush(ctx, q.readyKey, jobID).Err()
	}
	if err != nil {
		return fmt.Errorf("submit job %s: %w", jobID, err)
	}
	return nil
}

// PromoteScheduled moves up to limit due deferred jobs onto the ready list and
// returns how many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{q.scheduledKey, q.readyKey}, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return n, nil
}

// DequeueWithLease pops the next ready job and leases it for the visibility
// timeout. It returns "" when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	deadline := q.now().Add(q.visibility).UnixMilli()
	jobID, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack ends a lease.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// RestoreLease leases a job again for the visibility timeout after it was
// acked, so an attempt that could not be resubmitted is still reclaimed.
func (q *RedisQueue) RestoreLease(ctx context.Context, jobID string) error {
	err := q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(q.visibility).UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("restore lease %s: %w", jobID, err)
	}
	return nil
}

// RequeueExpired puts jobs whose lease ran out back on the ready list and
// returns their ids.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := reclaimScript.Run(ctx, q.client, []string{q.inflightKey, q.readyKey}, now.UnixMilli(), limit).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("requeue expired leases: %w", err)
	}
	return ids, nil
}

// Cancel removes a job from the ready, deferred and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

// DLQPush appends to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest count dead-lettered job ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Depth reports ready, deferred and leased counts.
func (q *RedisQueue) Depth(ctx context.Context) (ready, scheduled, inflight int64, err error) {
	pipe := q.client.Pipeline()
	r := pipe.LLen(ctx, q.readyKey)
	s := pipe.ZCard(ctx, q.scheduledKey)
	i := pipe.ZCard(ctx, q.inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return r.Val(), s.Val(), i.Val(), nil
}

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return false
`)

var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return ids
`)
