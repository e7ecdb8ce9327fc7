package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/workflow"
)

func newRedisQueue(t *testing.T, visibility time.Duration) *queue.RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisQueue(client, queue.Options{VisibilityTTL: visibility})
}

func runProcessor(t *testing.T, p *Processor) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("processor did not stop")
			return nil
		}
	}
}

func TestProcessorRunsQueuedJobs(t *testing.T) {
	h := newHarness(t, time.Second)
	var ran int32
	h.register(workflow.TypeMetricsComputation, func(context.Context, workflow.Context, map[string]any) (any, error) {
		atomic.AddInt32(&ran, 1)
		return "done", nil
	})
	q := newRedisQueue(t, time.Minute)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		h.createJob(t, id, "metrics_computation", 0)
		require.NoError(t, q.Submit(ctx, id, time.Time{}))
	}

	stop := runProcessor(t, NewProcessor(ProcessorConfig{
		Queue:        q,
		Store:        h.mem,
		Worker:       h.w,
		Logger:       quietLogger(),
		PollInterval: 10 * time.Millisecond,
		Concurrency:  2,
		Visibility:   time.Minute,
	}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 3 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, _, inflight, err := q.Depth(ctx)
		return err == nil && inflight == 0
	}, 3*time.Second, 10*time.Millisecond, "leases are acked")
	assert.True(t, errors.Is(stop(), context.Canceled))

	for _, id := range []string{"a", "b", "c"} {
		job, err := h.mem.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuccess, job.Status)
	}
}

func TestProcessorPromotesRetries(t *testing.T) {
	h := newHarness(t, time.Second)
	var ran int32
	h.register(workflow.TypeAICall, func(context.Context, workflow.Context, map[string]any) (any, error) {
		if atomic.AddInt32(&ran, 1) == 1 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	})
	q := newRedisQueue(t, time.Minute)
	ctx := context.Background()
	h.createJob(t, "j1", "ai_call", 1)
	require.NoError(t, q.Submit(ctx, "j1", time.Time{}))

	// retries flow back through the deferred set
	h.w.retrier = retryVia{mem: h.retrier, q: q}
	h.w.backoff = Backoff{Initial: 20 * time.Millisecond, Max: time.Second}

	stop := runProcessor(t, NewProcessor(ProcessorConfig{
		Queue:        q,
		Store:        h.mem,
		Worker:       h.w,
		Logger:       quietLogger(),
		PollInterval: 10 * time.Millisecond,
		Concurrency:  1,
	}))

	require.Eventually(t, func() bool {
		job, err := h.mem.GetJob(ctx, "j1")
		return err == nil && job.Status == models.StatusSuccess
	}, 3*time.Second, 10*time.Millisecond)
	_ = stop()
	assert.EqualValues(t, 2, atomic.LoadInt32(&ran))
}

type retryVia struct {
	mem *memRetrier
	q   *queue.RedisQueue
}

func (r retryVia) Resubmit(ctx context.Context, job models.Job, attempt int, delay time.Duration, errMsg string) error {
	if err := r.mem.Resubmit(ctx, job, attempt, delay, errMsg); err != nil {
		return err
	}
	return r.q.Submit(ctx, job.ID, time.Now().Add(delay))
}

func TestProcessorReclaimsExpiredLeases(t *testing.T) {
	h := newHarness(t, time.Second)
	var ran int32
	h.register(workflow.TypeMetricsComputation, func(context.Context, workflow.Context, map[string]any) (any, error) {
		atomic.AddInt32(&ran, 1)
		return "ok", nil
	})
	q := newRedisQueue(t, 50*time.Millisecond)
	ctx := context.Background()
	h.createJob(t, "j1", "metrics_computation", 0)
	require.NoError(t, q.Submit(ctx, "j1", time.Time{}))

	// a worker leases the job, marks it running and dies
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", id)
	require.NoError(t, h.mem.MarkRunning(ctx, "j1", time.Now()))

	stop := runProcessor(t, NewProcessor(ProcessorConfig{
		Queue:        q,
		Store:        h.mem,
		Worker:       h.w,
		Logger:       quietLogger(),
		PollInterval: 10 * time.Millisecond,
		Concurrency:  1,
	}))
	require.Eventually(t, func() bool {
		job, err := h.mem.GetJob(ctx, "j1")
		return err == nil && job.Status == models.StatusSuccess
	}, 3*time.Second, 10*time.Millisecond)
	_ = stop()
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))

	job, err := h.mem.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Zero(t, job.RetryCount, "a reclaimed lease is not a failed attempt")
}

type retrierFunc func(ctx context.Context, job models.Job, attempt int, delay time.Duration, errMsg string) error

func (f retrierFunc) Resubmit(ctx context.Context, job models.Job, attempt int, delay time.Duration, errMsg string) error {
	return f(ctx, job, attempt, delay, errMsg)
}

func inflight(t *testing.T, q *queue.RedisQueue) int64 {
	t.Helper()
	_, _, n, err := q.Depth(context.Background())
	require.NoError(t, err)
	return n
}

// The retry is leased by another worker the moment it is resubmitted; the first
// attempt finishing afterwards must not take that lease away.
func TestRetryLeaseOutlivesFailedAttempt(t *testing.T) {
	h := newHarness(t, time.Second)
	h.register(workflow.TypeAICall, func(context.Context, workflow.Context, map[string]any) (any, error) {
		return nil, errors.New("flaky")
	})
	q := newRedisQueue(t, time.Minute)
	ctx := context.Background()
	h.createJob(t, "j1", "ai_call", 3)
	require.NoError(t, q.Submit(ctx, "j1", time.Time{}))
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", id)

	leasedAtResubmit := int64(-1)
	h.w.retrier = retrierFunc(func(ctx context.Context, job models.Job, attempt int, _ time.Duration, errMsg string) error {
		leasedAtResubmit = inflight(t, q)
		if err := (retryVia{mem: h.retrier, q: q}).Resubmit(ctx, job, attempt, 0, errMsg); err != nil {
			return err
		}
		next, err := q.DequeueWithLease(ctx)
		require.NoError(t, err)
		require.Equal(t, "j1", next)
		return nil
	})

	p := NewProcessor(ProcessorConfig{Queue: q, Store: h.mem, Worker: h.w, Logger: quietLogger(), Visibility: time.Minute})
	p.handle(ctx, "j1")

	assert.Zero(t, leasedAtResubmit, "first lease acked before the retry is visible")
	assert.EqualValues(t, 1, inflight(t, q), "second holder keeps its lease")
	job, err := h.mem.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, 1, job.RetryCount)
}

func TestFailedResubmitRestoresLease(t *testing.T) {
	h := newHarness(t, time.Second)
	h.register(workflow.TypeAICall, func(context.Context, workflow.Context, map[string]any) (any, error) {
		return nil, errors.New("flaky")
	})
	q := newRedisQueue(t, time.Minute)
	ctx := context.Background()
	h.createJob(t, "j1", "ai_call", 3)
	require.NoError(t, q.Submit(ctx, "j1", time.Time{}))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	h.w.retrier = retrierFunc(func(context.Context, models.Job, int, time.Duration, string) error {
		return errors.New("postgres unavailable")
	})
	p := NewProcessor(ProcessorConfig{Queue: q, Store: h.mem, Worker: h.w, Logger: quietLogger()})
	p.handle(ctx, "j1")

	assert.EqualValues(t, 1, inflight(t, q), "the job stays reclaimable")
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, reclaimed)
}

// Reclaim makes the id ready before the row is flipped back to queued, so
// another worker can see it still running.
func TestRunningJobDeliveryKeepsLease(t *testing.T) {
	h := newHarness(t, time.Second)
	var ran int32
	h.register(workflow.TypeMetricsComputation, func(context.Context, workflow.Context, map[string]any) (any, error) {
		atomic.AddInt32(&ran, 1)
		return "ok", nil
	})
	q := newRedisQueue(t, 50*time.Millisecond)
	ctx := context.Background()
	h.createJob(t, "j1", "metrics_computation", 0)
	require.NoError(t, q.Submit(ctx, "j1", time.Time{}))

	// the owner leases the job, marks it running and dies
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NoError(t, h.mem.MarkRunning(ctx, "j1", time.Now()))

	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, reclaimed)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "j1", id)
	p := NewProcessor(ProcessorConfig{
		Queue:        q,
		Store:        h.mem,
		Worker:       h.w,
		Logger:       quietLogger(),
		PollInterval: 10 * time.Millisecond,
		Concurrency:  1,
	})
	p.handle(ctx, "j1")
	assert.Zero(t, atomic.LoadInt32(&ran))
	assert.EqualValues(t, 1, inflight(t, q), "lease left to expire")

	require.NoError(t, h.mem.RequeueStale(ctx, "j1"))

	stop := runProcessor(t, p)
	require.Eventually(t, func() bool {
		job, err := h.mem.GetJob(ctx, "j1")
		return err == nil && job.Status == models.StatusSuccess
	}, 3*time.Second, 10*time.Millisecond)
	_ = stop()
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
	assert.Zero(t, inflight(t, q))
}
