// Package billing wraps the external charge collaborator so a given charge
// request reaches it at most once per idempotency window.
package billing

import (
	"context"
	"errors"
	"fmt"

	"job-orchestrator/internal/idempotency"
)

// ChargeRequest identifies a charge. Identical requests are the same charge.
type ChargeRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"` // minor units; negative values are credits
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

func (r ChargeRequest) validate() error {
	switch {
	case r.UserID == "":
		return errors.New("charge: user_id is required")
	case r.Currency == "":
		return errors.New("charge: currency is required")
	case r.Amount == 0:
		return errors.New("charge: amount must be non-zero")
	}
	return nil
}

func (r ChargeRequest) params() map[string]any {
	return map[string]any{
		"user_id":     r.UserID,
		"amount":      r.Amount,
		"currency":    r.Currency,
		"description": r.Description,
	}
}

// Receipt is returned by the payment provider.
type Receipt struct {
	ChargeID string `json:"charge_id"`
	UserID   string `json:"user_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Replayed bool   `json:"replayed"`
}

// Charger performs the real charge.
type Charger interface {
	Charge(ctx context.Context, req ChargeRequest) (Receipt, error)
}

// IdempotentCharger deduplicates charges through the payment idempotency class.
type IdempotentCharger struct {
	next Charger
	keys *idempotency.Manager
}

func NewIdempotentCharger(next Charger, keys *idempotency.Manager) *IdempotentCharger {
	return &IdempotentCharger{next: next, keys: keys}
}

// Charge runs the underlying charge unless an identical request already succeeded.
func (c *IdempotentCharger) Charge(ctx context.Context, req ChargeRequest) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, err
	}
	receipt, replayed, err := idempotency.Do(ctx, c.keys, idempotency.ClassPayment, req.params(), func(ctx context.Context) (Receipt, error) {
		return c.next.Charge(ctx, req)
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("charge user %s: %w", req.UserID, err)
	}
	receipt.Replayed = replayed
	return receipt, nil
}
