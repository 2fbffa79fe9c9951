package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PaymentInstruction is the wire request handed to the external processor.
type PaymentInstruction struct {
	IdempotencyKey     string `json:"idempotency_key"`
	AmountCents        int64  `json:"amount_cents"`
	DestinationAccount string `json:"destination_account"`
	Kind               string `json:"kind"`
}

// ProcessorReceipt is the processor's acknowledgement of a settled instruction.
type ProcessorReceipt struct {
	Ref string
}

// Processor abstracts the external payment processor. Implementations must
// treat the idempotency key as the deduplication token: replays of the same
// key are the same operation, never a second charge.
type Processor interface {
	Send(ctx context.Context, inst PaymentInstruction) (ProcessorReceipt, error)
}

type processorResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HTTPProcessor talks JSON to the processor's payout endpoint.
type HTTPProcessor struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPProcessor(endpoint, apiKey string, timeout time.Duration) *HTTPProcessor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProcessor{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProcessor) Send(ctx context.Context, inst PaymentInstruction) (ProcessorReceipt, error) {
	body, err := json.Marshal(inst)
	if err != nil {
		return ProcessorReceipt{}, fmt.Errorf("settlement: marshal instruction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return ProcessorReceipt{}, fmt.Errorf("settlement: build processor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", inst.IdempotencyKey)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ProcessorReceipt{}, fmt.Errorf("settlement: processor call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ProcessorReceipt{}, fmt.Errorf("settlement: read processor response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ProcessorReceipt{}, fmt.Errorf("settlement: processor status %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	var parsed processorResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return ProcessorReceipt{}, fmt.Errorf("settlement: decode processor response: %w", err)
	}
	if parsed.Status != "" && parsed.Status != "succeeded" && parsed.Status != "pending" {
		return ProcessorReceipt{}, fmt.Errorf("settlement: processor reported status %q", parsed.Status)
	}

	return ProcessorReceipt{Ref: parsed.ID}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
