package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/local/printcost/internal/pricing"
	"github.com/local/printcost/internal/printjob"
)

// Notification is the body posted to the fulfillment webhook.
type Notification struct {
	SubmissionID    string                    `json:"submissionId"`
	Name            string                    `json:"name"`
	Email           string                    `json:"email"`
	Documents       []printjob.TicketDocument `json:"documents"`
	TotalPrice      float64                   `json:"totalPrice"`
	RecomputedTotal float64                   `json:"recomputedTotal"`
	PriceMismatch   bool                      `json:"priceMismatch"`
	Mismatches      []pricing.Mismatch        `json:"mismatches,omitempty"`
	SubmittedAt     time.Time                 `json:"submittedAt"`
	DeliveryAttempt int                       `json:"deliveryAttempt"`
}

// Notifier delivers a notification.
type Notifier interface {
	// Target names the destination for breaker bookkeeping.
	Target() string
	Notify(ctx context.Context, n Notification) error
}

// WebhookNotifier posts notifications as JSON.
type WebhookNotifier struct {
	url    string
	host   string
	client *http.Client
}

func NewWebhookNotifier(rawURL string, timeout time.Duration) (*WebhookNotifier, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid webhook url %q", rawURL)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookNotifier{url: rawURL, host: u.Host, client: &http.Client{Timeout: timeout}}, nil
}

func (w *WebhookNotifier) Target() string { return w.host }

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.SubmissionID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", w.host, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &RateLimitError{Target: w.host, RetryAfter: time.Duration(secs) * time.Second}
	default:
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body), Target: w.host}
	}
}
