package billing

import (
	"context"
	"fmt"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-orchestrator/internal/idempotency"
)

type countingCharger struct {
	calls int
}

func (c *countingCharger) Charge(_ context.Context, req ChargeRequest) (Receipt, error) {
	c.calls++
	return Receipt{ChargeID: fmt.Sprintf("ch_%d", c.calls), UserID: req.UserID, Amount: req.Amount, Currency: req.Currency}, nil
}

func newCharger(t *testing.T) (*IdempotentCharger, *countingCharger, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	inner := &countingCharger{}
	return NewIdempotentCharger(inner, idempotency.NewManager(client, nil)), inner, mr
}

func TestIdempotentCharger_DuplicateRequestChargesOnce(t *testing.T) {
	ctx := context.Background()
	charger, inner, _ := newCharger(t)
	req := ChargeRequest{UserID: "u1", Amount: 1999, Currency: "usd", Description: "pro plan"}

	first, err := charger.Charge(ctx, req)
	require.NoError(t, err)
	second, err := charger.Charge(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, first.ChargeID, second.ChargeID)
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
}

func TestIdempotentCharger_DistinctRequestsChargeSeparately(t *testing.T) {
	ctx := context.Background()
	charger, inner, _ := newCharger(t)

	_, err := charger.Charge(ctx, ChargeRequest{UserID: "u1", Amount: 100, Currency: "usd", Description: "a"})
	require.NoError(t, err)
	_, err = charger.Charge(ctx, ChargeRequest{UserID: "u1", Amount: 100, Currency: "usd", Description: "b"})
	require.NoError(t, err)

	assert.Equal(t, 2, inner.calls)
}

func TestIdempotentCharger_RefusesWhenStoreDown(t *testing.T) {
	ctx := context.Background()
	charger, inner, mr := newCharger(t)
	mr.Close()

	_, err := charger.Charge(ctx, ChargeRequest{UserID: "u1", Amount: 100, Currency: "usd"})
	assert.ErrorIs(t, err, idempotency.ErrStoreUnavailable)
	assert.Zero(t, inner.calls)
}

func TestIdempotentCharger_Validates(t *testing.T) {
	charger, inner, _ := newCharger(t)

	_, err := charger.Charge(context.Background(), ChargeRequest{Amount: 1, Currency: "usd"})
	assert.ErrorContains(t, err, "user_id")
	assert.Zero(t, inner.calls)
}
