package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Webhook posts each delivery as JSON to a fixed endpoint. The receiving end
// owns permission and existence checks; any non-2xx response or transport
// error is a delivery failure. A token bucket caps the outbound rate so a
// backlog drain cannot hammer the endpoint.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhook(url string, timeout time.Duration, perSecond float64, burst int) *Webhook {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (w *Webhook) Deliver(ctx context.Context, d Delivery) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("delivery rejected: HTTP %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
