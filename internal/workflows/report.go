package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"job-orchestrator/internal/artifact"
	"job-orchestrator/internal/idempotency"
	"job-orchestrator/internal/workflow"
)

type reportPayload struct {
	Name        string         `json:"name"`
	Title       string         `json:"title"`
	Data        map[string]any `json:"data"`
	Destination string         `json:"destination"`
}

// ReportLocation is where a generated report was written.
type ReportLocation struct {
	Location string `json:"location"`
	Bytes    int    `json:"bytes"`
}

// Report renders payload data into a JSON document and uploads it. The same
// report content for the same owner is written once per file-write window.
type Report struct {
	store *artifact.Router
	keys  *idempotency.Manager
	now   func() time.Time
}

func NewReport(store *artifact.Router, keys *idempotency.Manager) *Report {
	return &Report{store: store, keys: keys, now: time.Now}
}

func (r *Report) Type() workflow.Type { return workflow.TypeReportGeneration }

func (r *Report) Run(ctx context.Context, wc workflow.Context, payload map[string]any) (any, error) {
	var p reportPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, errors.New("name is required")
	}

	params := map[string]any{
		"owner":       wc.Owner,
		"name":        p.Name,
		"title":       p.Title,
		"data":        p.Data,
		"destination": p.Destination,
	}
	loc, _, err := idempotency.Do(ctx, r.keys, idempotency.ClassFileWrite, params, func(ctx context.Context) (ReportLocation, error) {
		doc, err := json.MarshalIndent(map[string]any{
			"title":        p.Title,
			"name":         p.Name,
			"owner":        wc.Owner,
			"job_id":       wc.JobID,
			"generated_at": r.now().UTC(),
			"data":         p.Data,
		}, "", "  ")
		if err != nil {
			return ReportLocation{}, fmt.Errorf("render report: %w", err)
		}
		key := fmt.Sprintf("reports/%s/%s.json", ownerDir(wc.Owner), p.Name)
		where, err := r.store.Upload(ctx, p.Destination, key, doc, "application/json")
		if err != nil {
			return ReportLocation{}, fmt.Errorf("upload report: %w", err)
		}
		return ReportLocation{Location: where, Bytes: len(doc)}, nil
	})
	if err != nil {
		return nil, err
	}
	return loc, nil
}

func ownerDir(owner string) string {
	if owner == "" {
		return "_system"
	}
	return owner
}
