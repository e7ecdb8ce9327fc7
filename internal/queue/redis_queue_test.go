package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, now time.Time) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := NewRedisQueue(client, Options{VisibilityTTL: time.Minute, DLQName: "queue:dlq"})
	q.now = func() time.Time { return now }
	return q
}

func TestSubmitAndDequeueFIFO(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, now)

	require.NoError(t, q.Submit(ctx, "a", now))
	require.NoError(t, q.Submit(ctx, "b", time.Time{}))

	first, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first)

	ready, _, inflight, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ready)
	assert.EqualValues(t, 1, inflight)

	second, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", second)

	empty, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDeferredJobsWaitForPromotion(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, now)

	runAt := now.Add(10 * time.Second)
	require.NoError(t, q.Submit(ctx, "later", runAt))

	score, err := q.client.ZScore(ctx, q.scheduledKey, "later").Result()
	require.NoError(t, err)
	assert.Equal(t, runAt.UnixMilli(), int64(score))

	moved, err := q.PromoteScheduled(ctx, now, 10)
	require.NoError(t, err)
	assert.Zero(t, moved)

	moved, err = q.PromoteScheduled(ctx, runAt, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", id)
}

func TestExpiredLeasesAreReclaimed(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, now)

	require.NoError(t, q.Submit(ctx, "a", now))
	require.NoError(t, q.Submit(ctx, "b", now))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	_, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, "b"))

	ids, err := q.RequeueExpired(ctx, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "lease still valid")

	ids, err = q.RequeueExpired(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	ready, _, inflight, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ready)
	assert.Zero(t, inflight)
}

func TestExtendLease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, now)

	require.NoError(t, q.Submit(ctx, "a", now))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.ExtendLease(ctx, "a", 5*time.Minute))

	ids, err := q.RequeueExpired(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// only leased jobs can be extended
	require.NoError(t, q.ExtendLease(ctx, "ghost", time.Minute))
	_, _, inflight, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, inflight)
}

func TestRestoreLeaseAfterAck(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, now)

	require.NoError(t, q.Submit(ctx, "a", now))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, "a"))
	require.NoError(t, q.RestoreLease(ctx, "a"))

	ids, err := q.RequeueExpired(ctx, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = q.RequeueExpired(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestCancelRemovesEverywhere(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := newTestQueue(t, now)

	require.NoError(t, q.Submit(ctx, "ready", now))
	require.NoError(t, q.Submit(ctx, "deferred", now.Add(time.Hour)))

	require.NoError(t, q.Cancel(ctx, "ready"))
	require.NoError(t, q.Cancel(ctx, "deferred"))

	ready, scheduled, inflight, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, ready)
	assert.Zero(t, scheduled)
	assert.Zero(t, inflight)
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Now())

	require.NoError(t, q.DLQPush(ctx, "x"))
	require.NoError(t, q.DLQPush(ctx, "y"))

	ids, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, ids)
}
