// Package faults defines the pipeline's error taxonomy. Every error crossing a
// component boundary is classified into one of these families so callers can
// decide between discard, retry, compensate, and dead-letter without string
// matching.
package faults

import (
	"context"
	"errors"
	"fmt"

	"medicore/pkg/platform/sentinel"
)

// MalformedError marks an event that cannot be interpreted. It is
// unrecoverable for that event: log and discard, never retry.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
	}
	return "malformed event: " + e.Reason
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Malformedf builds a MalformedError from a format string.
func Malformedf(format string, args ...any) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}

// IsMalformed reports whether err is (or wraps) a MalformedError.
func IsMalformed(err error) bool {
	var m *MalformedError
	return errors.As(err, &m)
}

// RetryableError marks a transient dependency failure: store or transport
// unreachable, timeout, or a lost optimistic-update race. The caller retries
// with backoff; it is never a verdict about the event itself.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retry wraps err as retryable, tagged with the failing operation.
func Retry(op string, err error) error {
	return &RetryableError{Op: op, Err: err}
}

// Retryable reports whether err should be handed to a retry mechanism.
// Timeouts, cancellation by deadline, and the unavailable/conflict sentinels
// count as retryable even when not explicitly wrapped.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var r *RetryableError
	if errors.As(err, &r) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, sentinel.ErrUnavailable) || errors.Is(err, sentinel.ErrConflict)
}

// FatalAuditWriteError means an audit append exhausted its retries. The event
// must be parked on the audit dead-letter list and alerted on; the pipeline
// must never proceed as if the event had been audited.
type FatalAuditWriteError struct {
	EventID string
	Err     error
}

func (e *FatalAuditWriteError) Error() string {
	return fmt.Sprintf("audit write exhausted for event %s: %v", e.EventID, e.Err)
}

func (e *FatalAuditWriteError) Unwrap() error { return e.Err }

// DeliveryExhaustedError means a notification exhausted its delivery attempts
// and was dead-lettered. It does not affect audit or validation state.
type DeliveryExhaustedError struct {
	IdempotencyKey string
	Attempts       int
	Err            error
}

func (e *DeliveryExhaustedError) Error() string {
	return fmt.Sprintf("delivery exhausted after %d attempts for key %s: %v",
		e.Attempts, e.IdempotencyKey, e.Err)
}

func (e *DeliveryExhaustedError) Unwrap() error { return e.Err }
