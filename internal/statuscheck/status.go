package statuscheck

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Pinger models anything with a reachability probe (Redis, S3).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
	redis      Pinger
	s3         Pinger
	webhookURL string
	httpClient *http.Client
}

// Options configures the Checker.
type Options struct {
	Redis      Pinger
	S3         Pinger
	WebhookURL string
	HTTPClient *http.Client
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Redis   Status `json:"redis"`
	S3      Status `json:"s3"`
	Webhook Status `json:"webhook"`
}

// OK reports whether every subsystem is ready.
func (s Summary) OK() bool { return s.Redis.OK && s.S3.OK && s.Webhook.OK }

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Checker{
		redis:      opts.Redis,
		s3:         opts.S3,
		webhookURL: opts.WebhookURL,
		httpClient: client,
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Redis:   c.ping(ctx, c.redis, 2*time.Second),
		S3:      c.ping(ctx, c.s3, 5*time.Second),
		Webhook: c.checkWebhook(ctx),
	}
}

func (c *Checker) ping(ctx context.Context, p Pinger, timeout time.Duration) Status {
	if p == nil {
		return Status{OK: false, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

// checkWebhook treats any HTTP answer below 500 as reachable; the relay may
// reject a bare HEAD.
func (c *Checker) checkWebhook(ctx context.Context) Status {
	if c.webhookURL == "" {
		return Status{OK: false, Message: "not configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.webhookURL, nil)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Status{OK: false, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return Status{OK: true, Message: "Reachable"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
