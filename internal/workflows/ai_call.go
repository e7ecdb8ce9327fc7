package workflows

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"job-orchestrator/internal/idempotency"
	"job-orchestrator/internal/workflow"
)

type aiCallPayload struct {
	Prompt    string  `json:"prompt"`
	Model     string  `json:"model"`
	MaxTokens int     `json:"max_tokens"`
	Temp      float64 `json:"temperature"`
}

// AICompletion is the provider response kept as the job result.
type AICompletion struct {
	Model  string `json:"model"`
	Output string `json:"output"`
	Tokens int    `json:"tokens"`
}

// AICall posts a prompt to a completion endpoint. Identical prompts from the
// same owner replay the cached completion.
type AICall struct {
	endpoint string
	client   *http.Client
	keys     *idempotency.Manager
}

func NewAICall(endpoint string, timeout time.Duration, keys *idempotency.Manager) *AICall {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AICall{endpoint: endpoint, client: &http.Client{Timeout: timeout}, keys: keys}
}

func (a *AICall) Type() workflow.Type { return workflow.TypeAICall }

func (a *AICall) Run(ctx context.Context, wc workflow.Context, payload map[string]any) (any, error) {
	var p aiCallPayload
	if err := decodePayload(payload, &p); err != nil {
		return nil, err
	}
	if p.Prompt == "" {
		return nil, errors.New("prompt is required")
	}
	if a.endpoint == "" {
		return nil, errors.New("ai endpoint is not configured")
	}

	params := map[string]any{
		"owner":       wc.Owner,
		"prompt":      p.Prompt,
		"model":       p.Model,
		"max_tokens":  p.MaxTokens,
		"temperature": p.Temp,
	}
	out, _, err := idempotency.Do(ctx, a.keys, idempotency.ClassAICall, params, func(ctx context.Context) (AICompletion, error) {
		return a.complete(ctx, wc, p)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *AICall) complete(ctx context.Context, wc workflow.Context, p aiCallPayload) (AICompletion, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return AICompletion{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return AICompletion{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-ID", wc.TraceID)

	resp, err := a.client.Do(req)
	if err != nil {
		return AICompletion{}, fmt.Errorf("call ai endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return AICompletion{}, fmt.Errorf("read ai response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return AICompletion{}, fmt.Errorf("ai endpoint: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	var out AICompletion
	if err := json.Unmarshal(raw, &out); err != nil {
		return AICompletion{}, fmt.Errorf("decode ai response: %w", err)
	}
	if out.Model == "" {
		out.Model = p.Model
	}
	return out, nil
}
