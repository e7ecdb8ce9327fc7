// Package workflows holds the built-in job implementations.
package workflows

import (
	"encoding/json"
	"fmt"

	"job-orchestrator/internal/workflow"
)

// decodePayload maps a job payload onto a typed struct.
func decodePayload(payload map[string]any, v any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Register adds every workflow in ws to r.
func Register(r *workflow.Registry, ws ...workflow.Workflow) error {
	for _, w := range ws {
		if err := r.Register(w); err != nil {
			return err
		}
	}
	return nil
}
