package dispatcher

import (
	"fmt"
	"time"
)

// RateLimitError is a 429 from the notification target.
type RateLimitError struct {
	Target     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit: %s (retry after %s)", e.Target, e.RetryAfter)
}

// HTTPError represents a non-2xx response from the notification target
type HTTPError struct {
	StatusCode int
	Body       string
	Target     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s: %s", e.StatusCode, e.Target, e.Body)
}

// ValidationError represents a ticket that can never be delivered
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}
