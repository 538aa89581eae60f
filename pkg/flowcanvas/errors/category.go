// Package errors classifies failures from generation providers, the
// browser driver, and record stores, and retries the transient ones.
//
// Callers classify with Categorize and branch on the Category rather than
// on concrete error types:
//   - transient: retry with backoff
//   - rate_limited: surface limit, remaining and reset to the caller
//   - cancelled: reset quietly, never reported as a failure
//   - permanent: fail now
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryPermanent indicates retry won't help.
	// Examples: authentication failures, malformed requests.
	CategoryPermanent Category = iota

	// CategoryTransient indicates retry will likely help.
	// Examples: timeouts, 5xx responses, dropped connections.
	CategoryTransient

	// CategoryRateLimited indicates the provider refused the call for quota.
	CategoryRateLimited

	// CategoryCancelled indicates the caller or a deadline stopped the work.
	CategoryCancelled
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryPermanent:
		return "permanent"
	case CategoryTransient:
		return "transient"
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Attempts is the number of attempts that have been made.
	Attempts int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Attempts)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Attempts)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	// Cancellation wins over any wrapping category.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryCancelled
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return CategoryRateLimited
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429:
			return CategoryRateLimited
		case httpErr.StatusCode == 408:
			return CategoryTransient
		case httpErr.StatusCode >= 500:
			return CategoryTransient
		default:
			return CategoryPermanent
		}
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTransient
	}

	// Unknown errors are permanent (fail safe)
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried automatically.
// Rate-limited errors are not: their reset window is the caller's call.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsCancelled reports whether err came from cancellation or a deadline.
func IsCancelled(err error) bool {
	return Categorize(err) == CategoryCancelled
}

// IsRateLimited reports whether err is a provider quota refusal.
func IsRateLimited(err error) bool {
	return Categorize(err) == CategoryRateLimited
}
