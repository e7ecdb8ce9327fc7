package workflows

import (
	"context"
	"errors"
	"math"
	"sort"

	"job-orchestrator/internal/workflow"
)

type metricsPayload struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// Summary is the aggregate over a series.
type Summary struct {
	Name  string  `json:"name,omitempty"`
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P95   float64 `json:"p95"`
}

// Metrics aggregates a numeric series carried in the payload.
type Metrics struct{}

func (Metrics) Type() workflow.Type { return workflow.TypeMetricsComputation }

func (Metrics) Run(ctx context.Context, _ workflow.Context, payload map[string]any) (any, error) {
	var p metricsPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if len(p.Values) == 0 {
		return nil, errors.New("values must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := Summarize(p.Values)
	s.Name = p.Name
	return s, nil
}

// Summarize computes count, sum, mean, min, max and the nearest-rank p95.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	rank := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return Summary{
		Count: len(sorted),
		Sum:   sum,
		Mean:  sum / float64(len(sorted)),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		P95:   sorted[rank],
	}
}
