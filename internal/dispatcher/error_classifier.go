package dispatcher

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// failureClass decides what happens to a ticket whose notification failed.
type failureClass int

const (
	// failPermanent goes straight to the DLQ.
	failPermanent failureClass = iota
	// failTransient is retried with backoff until attempts run out.
	failTransient
)

func (c failureClass) String() string {
	if c == failTransient {
		return "transient"
	}
	return "permanent"
}

// networkHints covers transport errors that arrive already flattened to text.
var networkHints = []string{"connection refused", "connection reset", "timeout", "no such host", "eof"}

// classify maps a delivery error to a failure class. Anything it does not
// recognise is permanent: a ticket is never retried on a guess.
func classify(err error) failureClass {
	if err == nil {
		return failPermanent
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return failPermanent
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return failTransient
	}
	// 5xx is the relay's problem; 4xx (408 included) means the request itself is wrong
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 && httpErr.StatusCode < 600 {
			return failTransient
		}
		return failPermanent
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return failTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return failTransient
	}

	msg := strings.ToLower(err.Error())
	for _, h := range networkHints {
		if strings.Contains(msg, h) {
			return failTransient
		}
	}
	return failPermanent
}
