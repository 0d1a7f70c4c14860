package engine

import "fmt"

// ValidationError rejects a scan submission before any record is created or
// any GMP resource is touched. The REST layer maps it to 422.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func newValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}
