package workflows

import (
	"context"
	"errors"
	"fmt"

	"job-orchestrator/internal/billing"
	"job-orchestrator/internal/workflow"
)

type rewardPayload struct {
	UserID   string  `json:"user_id"`
	Score    float64 `json:"score"`
	Baseline float64 `json:"baseline"`
	// RatePerPoint is the credit in minor units per point above baseline.
	RatePerPoint int64  `json:"rate_per_point"`
	Currency     string `json:"currency"`
	Cap          int64  `json:"cap"`
}

// RewardResult summarizes an evaluation.
type RewardResult struct {
	UserID   string `json:"user_id"`
	Reward   int64  `json:"reward"`
	ChargeID string `json:"charge_id,omitempty"`
	Replayed bool   `json:"replayed"`
}

// Reward scores a user against a baseline and credits the difference through
// the idempotent charger.
type Reward struct {
	charger *billing.IdempotentCharger
}

func NewReward(charger *billing.IdempotentCharger) *Reward {
	return &Reward{charger: charger}
}

func (r *Reward) Type() workflow.Type { return workflow.TypeRewardEvaluation }

func (r *Reward) Run(ctx context.Context, wc workflow.Context, payload map[string]any) (any, error) {
	p := rewardPayload{Currency: "usd", RatePerPoint: 1}
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		p.UserID = wc.Owner
	}
	if p.UserID == "" {
		return nil, errors.New("user_id is required")
	}

	reward := EvaluateReward(p.Score, p.Baseline, p.RatePerPoint, p.Cap)
	res := RewardResult{UserID: p.UserID, Reward: reward}
	if reward == 0 {
		return res, nil
	}

	// the description is part of the charge identity: one credit per source job
	source := wc.ParentJobID
	if source == "" {
		source = wc.JobID
	}
	receipt, err := r.charger.Charge(ctx, billing.ChargeRequest{
		UserID:      p.UserID,
		Amount:      -reward,
		Currency:    p.Currency,
		Description: "reward for job " + source,
	})
	if err != nil {
		return nil, fmt.Errorf("credit reward: %w", err)
	}
	res.ChargeID = receipt.ChargeID
	res.Replayed = receipt.Replayed
	return res, nil
}

// EvaluateReward is the credit for score above baseline, bounded by limit when positive.
func EvaluateReward(score, baseline float64, ratePerPoint, limit int64) int64 {
	if score <= baseline || ratePerPoint <= 0 {
		return 0
	}
	reward := int64((score - baseline) * float64(ratePerPoint))
	if limit > 0 && reward > limit {
		reward = limit
	}
	return reward
}
