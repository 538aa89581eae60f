package errors

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// HTTPError represents an HTTP error with status code.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// RateLimitError is a 429-class refusal. Limit, Remaining and Reset are
// carried exactly as the provider reported them so callers can show them.
type RateLimitError struct {
	Limit     int
	Remaining int
	// Reset is the Unix time (seconds) at which the window resets.
	Reset   int64
	Message string
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "rate limit exceeded"
	}
	return fmt.Sprintf("%s (limit %d, remaining %d, resets %s)",
		msg, e.Limit, e.Remaining, time.Unix(e.Reset, 0).UTC().Format(time.RFC3339))
}

// Headers returns the rate-limit fields as response headers.
func (e *RateLimitError) Headers() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(e.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(e.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(e.Reset, 10),
	}
}

// RateLimitFromHeaders builds a RateLimitError from X-RateLimit-* style
// headers. Missing or malformed values are left at zero.
func RateLimitFromHeaders(get func(string) string, message string) *RateLimitError {
	atoi := func(key string) int {
		n, _ := strconv.Atoi(get(key))
		return n
	}
	reset, _ := strconv.ParseInt(get("X-RateLimit-Reset"), 10, 64)
	return &RateLimitError{
		Limit:     atoi("X-RateLimit-Limit"),
		Remaining: atoi("X-RateLimit-Remaining"),
		Reset:     reset,
		Message:   message,
	}
}

// AsRateLimit extracts a *RateLimitError from err's chain.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	ok := errors.As(err, &rl)
	return rl, ok
}

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}
