package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-orchestrator/internal/plan"
	"job-orchestrator/internal/tenant"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	catalog := &plan.Catalog{
		DefaultTier: plan.TierFree,
		Tiers: map[plan.Tier]plan.Limits{
			plan.TierFree: {
				Quotas: []plan.QuotaLimit{
					{Name: "reports", Limit: 2, WindowHours: 24},
					{Name: "lifetime", Limit: 3, WindowHours: 0},
				},
				MaxConcurrent: 1,
			},
		},
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(client, catalog), mr
}

var acme = tenant.Tenant{ID: "acme", Tier: plan.TierFree}

func TestManager_LimitOfTwoPerDay(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, m.Check(ctx, acme, "reports", 1))
		_, err := m.Consume(ctx, acme, "reports", 1)
		require.NoError(t, err)
	}

	err := m.Check(ctx, acme, "reports", 1)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.True(t, errors.Is(err, ErrExceeded))
	assert.Equal(t, int64(2), exceeded.Used)
	assert.Equal(t, int64(2), exceeded.Limit)
	assert.Greater(t, exceeded.RetryAfter(), 23*time.Hour)

	require.NoError(t, m.Reset(ctx, acme, "reports"))
	usage, err := m.Usage(ctx, acme, "reports")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Used)
	assert.NoError(t, m.Check(ctx, acme, "reports", 1))
}

func TestManager_AllowedIffWithinLimit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.Consume(ctx, acme, "lifetime", 1)
	require.NoError(t, err)

	assert.NoError(t, m.Check(ctx, acme, "lifetime", 2))
	assert.ErrorIs(t, m.Check(ctx, acme, "lifetime", 3), ErrExceeded)
}

func TestManager_WindowBoundaryResetsUsage(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	_, err := m.Consume(ctx, acme, "reports", 2)
	require.NoError(t, err)
	require.ErrorIs(t, m.Check(ctx, acme, "reports", 1), ErrExceeded)

	mr.FastForward(24*time.Hour + time.Second)

	usage, err := m.Usage(ctx, acme, "reports")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Used)
	assert.NoError(t, m.Check(ctx, acme, "reports", 2))
}

func TestManager_FirstWriteSetsWindowTTL(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	_, err := m.Consume(ctx, acme, "reports", 1)
	require.NoError(t, err)
	ttl := mr.TTL("quota:acme:reports")
	assert.Equal(t, 24*time.Hour, ttl)

	mr.FastForward(time.Hour)
	_, err = m.Consume(ctx, acme, "reports", 1)
	require.NoError(t, err)
	assert.Equal(t, 23*time.Hour, mr.TTL("quota:acme:reports"), "later writes must not extend the window")
}

func TestManager_ZeroWindowNeverExpires(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	_, err := m.Consume(ctx, acme, "lifetime", 3)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), mr.TTL("quota:acme:lifetime"))

	mr.FastForward(365 * 24 * time.Hour)
	assert.ErrorIs(t, m.Check(ctx, acme, "lifetime", 1), ErrExceeded)
}

func TestManager_UnknownQuotaFailsOpen(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	assert.NoError(t, m.Check(ctx, acme, "does_not_exist", 1_000_000))
	used, err := m.Consume(ctx, acme, "does_not_exist", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)
	assert.False(t, mr.Exists("quota:acme:does_not_exist"))
}

func TestManager_RefundFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.Consume(ctx, acme, "reports", 1)
	require.NoError(t, err)
	require.NoError(t, m.Refund(ctx, acme, "reports", 5))

	usage, err := m.Usage(ctx, acme, "reports")
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Used)

	// refunding a counter that does not exist is a no-op
	require.NoError(t, m.Refund(ctx, tenant.Tenant{ID: "ghost", Tier: plan.TierFree}, "reports", 1))
}

func TestManager_TenantsAreIsolated(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	other := tenant.Tenant{ID: "globex", Tier: plan.TierFree}

	_, err := m.Consume(ctx, acme, "reports", 2)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Check(ctx, acme, "reports", 1), ErrExceeded)
	assert.NoError(t, m.Check(ctx, other, "reports", 1))
}

func TestManager_ConsumeRefusesPastLimit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	used, err := m.Consume(ctx, acme, "reports", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), used)

	used, err = m.Consume(ctx, acme, "reports", 1)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, int64(2), used)
	assert.Equal(t, int64(2), exceeded.Used)
	assert.Equal(t, int64(1), exceeded.Requested)
	assert.Greater(t, exceeded.RetryAfter(), 23*time.Hour)

	usage, err := m.Usage(ctx, acme, "reports")
	require.NoError(t, err)
	assert.Equal(t, int64(2), usage.Used, "a refused consume leaves the counter alone")

	_, err = m.Consume(ctx, acme, "lifetime", 4)
	require.ErrorAs(t, err, &exceeded)
	assert.Zero(t, exceeded.Wait, "non-expiring quotas have no reset")
}

func TestManager_ConcurrentConsumeStopsAtLimit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	var granted int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Consume(ctx, acme, "lifetime", 1); err == nil {
				atomic.AddInt32(&granted, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, granted)
	usage, err := m.Usage(ctx, acme, "lifetime")
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage.Used)
}
