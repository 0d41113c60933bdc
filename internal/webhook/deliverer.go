package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/skuflow/skuflow/internal/model"
)

const (
	userAgent = "Skuflow-Webhook/1.0"

	headerEvent     = "X-Webhook-Event"
	headerID        = "X-Webhook-ID"
	headerSignature = "X-Webhook-Signature"

	// responsePeek bounds how much of an error body ends up in logs.
	responsePeek = 512
)

// Envelope is the outbound webhook payload shape.
type Envelope struct {
	Event     model.EventKind `json:"event"`
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Result describes the outcome of one delivery attempt. StatusCode is zero
// when no response was obtained (transport error or timeout).
type Result struct {
	StatusCode int
	Latency    time.Duration
}

// Deliverer executes single webhook delivery attempts. Retries are scheduled
// by the task executor, not here; each attempt signs the exact bytes it sends.
type Deliverer struct {
	log *slog.Logger
}

func NewDeliverer(log *slog.Logger) *Deliverer {
	return &Deliverer{log: log}
}

// Deliver sends one event to one subscription, honoring its timeout. A 2xx
// response is success; any other response, a transport error, or a timeout
// returns a non-nil error so the caller can reschedule.
func (d *Deliverer) Deliver(ctx context.Context, sub *model.Subscription, kind model.EventKind, record json.RawMessage) (*Result, error) {
	body, err := json.Marshal(Envelope{
		Event:     kind,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Data:      record,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(headerEvent, string(kind))
	req.Header.Set(headerID, sub.ID)
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	if sub.Secret != "" {
		req.Header.Set(headerSignature, NewSigner([]byte(sub.Secret)).Sign(body))
	}

	timeout := time.Duration(sub.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &Result{Latency: latency}, fmt.Errorf("deliver to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()
	peek, _ := io.ReadAll(io.LimitReader(resp.Body, responsePeek))
	_, _ = io.Copy(io.Discard, resp.Body)

	result := &Result{StatusCode: resp.StatusCode, Latency: latency}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return result, nil
	}

	d.log.Warn("webhook delivery rejected",
		slog.String("subscription_id", sub.ID),
		slog.String("event", string(kind)),
		slog.Int("status", resp.StatusCode),
		slog.String("body", string(peek)),
	)
	return result, fmt.Errorf("deliver to %s: unexpected status %d", sub.URL, resp.StatusCode)
}

// TestDelivery sends a synthetic event to the subscription and returns the
// outcome synchronously. It bypasses matching and the retry policy; it exists
// for interactive verification.
func (d *Deliverer) TestDelivery(ctx context.Context, sub *model.Subscription) (*Result, error) {
	record, err := json.Marshal(map[string]string{
		"message": "This is a test webhook delivery",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal test record: %w", err)
	}
	return d.Deliver(ctx, sub, model.EventWebhookTest, record)
}
