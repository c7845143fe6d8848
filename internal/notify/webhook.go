package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/handoff/internal/domain"
	"github.com/antoniostano/handoff/internal/reliability"
)

// URLSource maps an agent to the URL its notifications are POSTed to; "" means the
// agent has no webhook.
type URLSource interface {
	NotifyURL(agent string) string
}

// WebhookNotifier POSTs the event as JSON. Retryable statuses are retried with
// exponential backoff inside one Notify call.
type WebhookNotifier struct {
	urls     URLSource
	client   *http.Client
	attempts int
	base     time.Duration
	cap      time.Duration
}

func NewWebhookNotifier(urls URLSource) *WebhookNotifier {
	return &WebhookNotifier{
		urls:     urls,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		base:     200 * time.Millisecond,
		cap:      2 * time.Second,
	}
}

// WithAttempts sets how many POSTs one Notify call may make.
func (n *WebhookNotifier) WithAttempts(attempts int) *WebhookNotifier {
	if attempts > 0 {
		n.attempts = attempts
	}
	return n
}

func (n *WebhookNotifier) Notify(ctx context.Context, evt Event) error {
	url := ""
	if n.urls != nil {
		url = strings.TrimSpace(n.urls.NotifyURL(evt.Agent))
	}
	if url == "" {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < n.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, n.base, n.cap)):
			}
		}
		retry, err := n.post(ctx, url, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return fmt.Errorf("%w: webhook for %s: %v", domain.ErrDelivery, evt.Agent, lastErr)
}

func (n *WebhookNotifier) post(ctx context.Context, url string, payload []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := n.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return false, nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	return reliability.IsRetryableHTTPStatus(res.StatusCode), fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
}
