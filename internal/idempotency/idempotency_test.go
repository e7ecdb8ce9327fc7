package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(client, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func TestGenerateKey_OrderIndependent(t *testing.T) {
	a := map[string]any{"user_id": "u1", "amount": 1200, "currency": "usd", "meta": map[string]any{"x": 1, "y": 2}}
	b := map[string]any{"meta": map[string]any{"y": 2, "x": 1}, "currency": "usd", "amount": 1200, "user_id": "u1"}

	ka, err := GenerateKey(a)
	require.NoError(t, err)
	kb, err := GenerateKey(b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
	assert.Len(t, ka, 64)

	again, err := GenerateKey(a)
	require.NoError(t, err)
	assert.Equal(t, ka, again, "key derivation must be pure")

	c := map[string]any{"user_id": "u1", "amount": 1300, "currency": "usd"}
	kc, err := GenerateKey(c)
	require.NoError(t, err)
	assert.NotEqual(t, ka, kc)
}

func TestGenerateKey_RejectsUnserializable(t *testing.T) {
	_, err := GenerateKey(map[string]any{"fn": func() {}})
	assert.Error(t, err)
}

func TestManager_StoreThenCheck(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	res, err := m.Check(ctx, ClassEmail, "k1")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	require.NoError(t, m.Store(ctx, ClassEmail, "k1", map[string]string{"message_id": "m-42"}))

	res, err = m.Check(ctx, ClassEmail, "k1")
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	var got map[string]string
	require.NoError(t, res.Decode(&got))
	assert.Equal(t, "m-42", got["message_id"])

	// same key in another class is a different record
	res, err = m.Check(ctx, ClassPayment, "k1")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	mr.FastForward(ClassEmail.TTL + time.Second)
	res, err = m.Check(ctx, ClassEmail, "k1")
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "record must lapse with its TTL")
}

func TestManager_ClassTTLs(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)

	require.NoError(t, m.Store(ctx, ClassPayment, "p", 1))
	require.NoError(t, m.Store(ctx, ClassEmail, "e", 1))
	assert.Equal(t, 7*24*time.Hour, mr.TTL("idempotency:payment:p"))
	assert.Equal(t, 24*time.Hour, mr.TTL("idempotency:email:e"))
}

func TestManager_Invalidate(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	require.NoError(t, m.Store(ctx, ClassFileWrite, "k", "s3://bucket/report.json"))
	require.NoError(t, m.Invalidate(ctx, ClassFileWrite, "k"))

	res, err := m.Check(ctx, ClassFileWrite, "k")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestDo_RunsOncePerParams(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	calls := 0
	send := func(context.Context) (string, error) {
		calls++
		return "sent-1", nil
	}
	params := map[string]any{"to": "a@example.com", "template": "welcome"}

	first, replayed, err := Do(ctx, m, ClassEmail, params, send)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := Do(ctx, m, ClassEmail, map[string]any{"template": "welcome", "to": "a@example.com"}, send)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestDo_FailuresAreNotRecorded(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	calls := 0
	flaky := func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("smtp timeout")
		}
		return 7, nil
	}
	params := map[string]any{"id": 1}

	_, _, err := Do(ctx, m, ClassEmail, params, flaky)
	require.Error(t, err)

	got, replayed, err := Do(ctx, m, ClassEmail, params, flaky)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 7, got)
	assert.Equal(t, 2, calls)
}

func TestDo_StoreDownFailsOpen(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)
	mr.Close()

	calls := 0
	got, replayed, err := Do(ctx, m, ClassAICall, map[string]any{"prompt": "hi"}, func(context.Context) (string, error) {
		calls++
		return "hello", nil
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "hello", got)
	assert.Equal(t, 1, calls)
}

func TestDo_StoreDownFailsClosedForPayments(t *testing.T) {
	ctx := context.Background()
	m, mr := newTestManager(t)
	mr.Close()

	calls := 0
	_, _, err := Do(ctx, m, ClassPayment, map[string]any{"amount": 10}, func(context.Context) (string, error) {
		calls++
		return "charged", nil
	})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Zero(t, calls)
}
