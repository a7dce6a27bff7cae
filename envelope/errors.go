package envelope

import "fmt"

// ValidationError reports a structural violation in an envelope, payload, or
// task set. Validation failures are values, not panics: the worker runtime
// routes them to the dead-letter queue without requeueing.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
