package worker

import (
	"context"
	"errors"

	"github.com/c360studio/devflow/envelope"
	"github.com/c360studio/devflow/generator"
)

// RetryableError marks a transform failure as worth a redelivery.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

// Unwrap returns the underlying error.
func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError marks a transform failure that redelivery cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

// Unwrap returns the underlying error.
func (e *PermanentError) Unwrap() error { return e.Err }

// Retryable wraps err so the runtime requeues the delivery.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Permanent wraps err so the runtime fails the delivery terminally.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryable classifies a transform failure. Explicit wrappers win, then
// generator classification, then the structural kinds. Unclassified errors
// default to retryable: external adapters surface plain wrapped errors for
// transient conditions, and the attempt ceiling bounds the damage when the
// default is wrong.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	if generator.IsFatal(err) {
		return false
	}
	if generator.IsTransient(err) {
		return true
	}

	// Schema and invariant violations never heal on redelivery.
	var validation *envelope.ValidationError
	if errors.As(err, &validation) {
		return false
	}

	// Deadline and cancellation come from the delivery context; the cause
	// is external (slow generator, shutdown), so another attempt may pass.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	return true
}

// IsDeadline reports whether the failure was the per-delivery deadline.
func IsDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
