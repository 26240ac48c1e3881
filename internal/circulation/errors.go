// internal/circulation/errors.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation   = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrTransient    = errors.New("temporarily unavailable, try again")
	ErrStoreFailure = errors.New("store failure")
	// ErrTooManyRequests marks a caller that is being throttled.
	ErrTooManyRequests = errors.New("too many requests")
)

// RateLimitError tells a throttled caller how long to wait.
type RateLimitError struct {
	Delay time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("retry in %s", e.Delay.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrTooManyRequests }

// RetryAfterSeconds is Delay rounded up to whole seconds, at least one.
func (e *RateLimitError) RetryAfterSeconds() int64 {
	secs := int64((e.Delay + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Reason names a business rule that refused an operation. The text is
// returned to callers verbatim.
type Reason string

const (
	ReasonBorrowLimit     Reason = "borrow limit reached"
	ReasonUnavailable     Reason = "not available"
	ReasonHasOverdue      Reason = "has overdue books"
	ReasonPendingFine     Reason = "must pay pending fine"
	ReasonDuplicateBorrow Reason = "already borrowed this book"
	ReasonAlreadyReturned Reason = "already returned"
	ReasonUnauthorized    Reason = "unauthorized"
)

// DenialError is a business rule refusal. It is an expected outcome, never
// retried and never counted against store health.
type DenialError struct {
	Reason Reason
	Detail string
}

func (e *DenialError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Deny builds a DenialError with a formatted detail.
func Deny(reason Reason, format string, args ...any) *DenialError {
	return &DenialError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the denial reason from err, if any.
func ReasonOf(err error) (Reason, bool) {
	var d *DenialError
	if errors.As(err, &d) {
		return d.Reason, true
	}
	return "", false
}

// IsDenied reports whether err is a denial for the given reason.
func IsDenied(err error, reason Reason) bool {
	r, ok := ReasonOf(err)
	return ok && r == reason
}

// isStoreFault reports whether err is an unexpected persistence failure, as
// opposed to a domain outcome or caller cancellation.
func isStoreFault(err error) bool {
	if err == nil {
		return false
	}
	if _, denied := ReasonOf(err); denied {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrTransient),
		errors.Is(err, ErrTooManyRequests),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// outcome is the metric label for the result of an operation.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if r, ok := ReasonOf(err); ok {
		return string(r)
	}
	switch {
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrTooManyRequests):
		return "rate_limited"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "store_failure"
}
