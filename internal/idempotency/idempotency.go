// Package idempotency records the results of side-effecting operations under a
// deterministic fingerprint of their parameters so retries and duplicate
// triggers replay the first result instead of repeating the effect.
//
// Two callers racing on the same new key both execute; the last Store wins.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable is returned by Do for fail-closed classes when the record
// store cannot be read.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")

// Class groups operations that share a retention window and failure policy.
type Class struct {
	Name string
	TTL  time.Duration
	// FailClosed refuses to run the operation when the store cannot be checked.
	FailClosed bool
}

var (
	ClassPayment   = Class{Name: "payment", TTL: 7 * 24 * time.Hour, FailClosed: true}
	ClassEmail     = Class{Name: "email", TTL: 24 * time.Hour}
	ClassAICall    = Class{Name: "ai_call", TTL: 6 * time.Hour}
	ClassFileWrite = Class{Name: "file_write", TTL: 24 * time.Hour}
)

// Result is what Check found for a key.
type Result struct {
	Duplicate bool
	Value     json.RawMessage
	StoredAt  time.Time
}

// Decode unmarshals the cached value into v.
func (r Result) Decode(v any) error {
	if len(r.Value) == 0 {
		return errors.New("no cached value")
	}
	return json.Unmarshal(r.Value, v)
}

type envelope struct {
	Result   json.RawMessage `json:"result"`
	StoredAt time.Time       `json:"stored_at"`
}

// GenerateKey fingerprints a parameter set. Map keys are serialized in sorted
// order at every depth, so the key does not depend on argument order.
func GenerateKey(params map[string]any) (string, error) {
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Manager reads and writes idempotency records in Redis.
type Manager struct {
	client redis.UniversalClient
	logger *slog.Logger
	now    func() time.Time
}

// NewManager builds a manager. A nil logger uses slog.Default.
func NewManager(client redis.UniversalClient, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{client: client, logger: logger, now: time.Now}
}

func recordKey(class Class, key string) string {
	return "idempotency:" + class.Name + ":" + key
}

// Check reports whether a result is already recorded for key.
func (m *Manager) Check(ctx context.Context, class Class, key string) (Result, error) {
	raw, err := m.client.Get(ctx, recordKey(class, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("check idempotency key: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Result{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return Result{Duplicate: true, Value: env.Result, StoredAt: env.StoredAt}, nil
}

// Store records result under key for the class TTL.
func (m *Manager) Store(ctx context.Context, class Class, key string, result any) error {
	return m.StoreTTL(ctx, class, key, result, class.TTL)
}

// StoreTTL records result under key for ttl. A zero ttl keeps the record until invalidated.
func (m *Manager) StoreTTL(ctx context.Context, class Class, key string, result any, ttl time.Duration) error {
	value, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotent result: %w", err)
	}
	raw, err := json.Marshal(envelope{Result: value, StoredAt: m.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := m.client.Set(ctx, recordKey(class, key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("store idempotency key: %w", err)
	}
	return nil
}

// Invalidate drops the record so the next call executes again.
func (m *Manager) Invalidate(ctx context.Context, class Class, key string) error {
	if err := m.client.Del(ctx, recordKey(class, key)).Err(); err != nil {
		return fmt.Errorf("invalidate idempotency key: %w", err)
	}
	return nil
}

// Do runs fn at most once per distinct params within the class TTL and returns
// its result. replayed is true when the result came from an earlier call.
// Failed calls are not recorded.
func Do[T any](ctx context.Context, m *Manager, class Class, params map[string]any, fn func(context.Context) (T, error)) (result T, replayed bool, err error) {
	key, err := GenerateKey(params)
	if err != nil {
		return result, false, err
	}

	prior, err := m.Check(ctx, class, key)
	switch {
	case err != nil && class.FailClosed:
		return result, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	case err != nil:
		m.logger.Warn("idempotency check failed, executing anyway",
			slog.String("class", class.Name), slog.String("key", key), slog.String("error", err.Error()))
	case prior.Duplicate:
		if err := prior.Decode(&result); err != nil {
			return result, false, fmt.Errorf("decode cached %s result: %w", class.Name, err)
		}
		return result, true, nil
	}

	result, err = fn(ctx)
	if err != nil {
		return result, false, err
	}
	if err := m.Store(ctx, class, key, result); err != nil {
		m.logger.Error("idempotency store failed after execution",
			slog.String("class", class.Name), slog.String("key", key), slog.String("error", err.Error()))
	}
	return result, false, nil
}
