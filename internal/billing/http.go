package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPCharger posts charges to a payment provider endpoint.
type HTTPCharger struct {
	endpoint string
	client   *http.Client
}

func NewHTTPCharger(endpoint string, timeout time.Duration) *HTTPCharger {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPCharger{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

func (c *HTTPCharger) Charge(ctx context.Context, req ChargeRequest) (Receipt, error) {
	if c.endpoint == "" {
		return Receipt{}, errors.New("billing endpoint is not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode charge: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("build charge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Receipt{}, fmt.Errorf("call billing endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("read charge response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Receipt{}, fmt.Errorf("billing endpoint: status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	var out Receipt
	if err := json.Unmarshal(raw, &out); err != nil {
		return Receipt{}, fmt.Errorf("decode charge response: %w", err)
	}
	if out.ChargeID == "" {
		return Receipt{}, errors.New("billing endpoint returned no charge id")
	}
	return out, nil
}
