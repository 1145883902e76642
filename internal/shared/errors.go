package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input; the operation was not attempted.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation. Batch callers treat it as a skip.
	ErrConflict = errors.New("conflict")
	// ErrDependency wraps storage or catalog I/O failures.
	ErrDependency = errors.New("dependency failure")
)

// ValidationError describes a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type dependencyError struct {
	err error
}

func (e *dependencyError) Error() string {
	return "dependency failure: " + e.err.Error()
}

func (e *dependencyError) Unwrap() []error {
	return []error{ErrDependency, e.err}
}

// Dependency tags err as an I/O failure while keeping the cause inspectable.
// Nil and already-tagged errors pass through.
func Dependency(err error) error {
	if err == nil || errors.Is(err, ErrDependency) {
		return err
	}
	return &dependencyError{err: err}
}
