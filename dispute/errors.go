package dispute

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("dispute: not found")
	ErrForbidden         = errors.New("dispute: forbidden")
	ErrInvalidTransition = errors.New("dispute: invalid transition")
	ErrValidation        = errors.New("dispute: validation failed")
)

// TransitionError reports which operation was refused in which status.
type TransitionError struct {
	Op     Op
	Status Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("dispute: cannot %s while %s", e.Op, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "dispute: " + e.Reason
	}
	return fmt.Sprintf("dispute: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(op Op, status Status, reason string) error {
	return &TransitionError{Op: op, Status: status, Reason: reason}
}

func forbidden(reason string) error {
	return fmt.Errorf("%w: %s", ErrForbidden, reason)
}
