// Package resilience wraps every exchange call with the failure-handling
// stack: error classification, retry with backoff, a circuit breaker and a
// token-bucket rate limiter. One Guard is built per exchange client; nothing
// in here is shared process-wide.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"futures-session-bot-go/internal/models"
)

// Kind classifies an upstream failure for retry and breaker decisions.
type Kind int

const (
	// KindTransient covers timeouts, connection resets and 5xx responses.
	// Safe to retry with exponential backoff.
	KindTransient Kind = iota
	// KindRateLimit means the venue is throttling us. Retried after a
	// longer fixed backoff.
	KindRateLimit
	// KindAuth means credentials or signature were rejected. Never
	// retried; surfaced loudly.
	KindAuth
	// KindUnknown is anything unrecognized. Counted but not retried, on
	// the assumption that repeating an unknown failure is worse than
	// surfacing it.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned without any network I/O while the breaker is
// open (or a half-open probe is already in flight).
var ErrBreakerOpen = errors.New("circuit breaker open")

// HTTPError carries a non-2xx status whose body did not decode into a
// venue error payload.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// Venue error codes, grouped by treatment. Mirrors the upstream API
// documentation; anything not listed falls through to the HTTP status.
var (
	authCodes      = map[int]bool{10001: true, 10002: true, 10003: true}
	rateLimitCodes = map[int]bool{10006: true, 10018: true}
	transientCodes = map[int]bool{10500: true, 10501: true}
)

// ClassifiedError wraps a cause with its Kind so callers can switch on the
// classification without re-deriving it.
type ClassifiedError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: [%s] %v", e.Op, e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify maps an error onto the retry taxonomy. Order matters: venue
// error codes are more specific than HTTP statuses, which are more
// specific than transport errors.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		switch {
		case authCodes[apiErr.Code]:
			return KindAuth
		case rateLimitCodes[apiErr.Code]:
			return KindRateLimit
		case transientCodes[apiErr.Code]:
			return KindTransient
		default:
			return KindUnknown
		}
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusTooManyRequests:
			return KindRateLimit
		case httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden:
			return KindAuth
		case httpErr.Status == http.StatusRequestTimeout || httpErr.Status >= 500:
			return KindTransient
		default:
			return KindUnknown
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}

	return KindUnknown
}
