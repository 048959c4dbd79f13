package task

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrResourceBusy is returned when a lock flavor is already held on the resource
	ErrResourceBusy = errors.New("resource busy")
	// ErrVersionMismatch is returned when the resource changed since the caller read it
	ErrVersionMismatch = errors.New("resource version mismatch")
	// ErrValidation marks malformed task parameters
	ErrValidation = errors.New("validation failed")
	// ErrActionFailure marks a failed external command
	ErrActionFailure = errors.New("action failed")
	// ErrAbortRequested is recorded when an abort was observed at a group boundary
	ErrAbortRequested = errors.New("abort requested")
	// ErrDuplicateTask is returned when an identical task is already outstanding
	ErrDuplicateTask = errors.New("duplicate task")

	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrExecutorSaturated = errors.New("executor queue is full")
	ErrWaitExceeded      = errors.New("wait retries exceeded")
)

// TransitionError describes a rejected state change
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ActionError carries the raw diagnostic output of a failed command
type ActionError struct {
	Action   string
	ExitCode int
	Output   string
}

func (e *ActionError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s failed with exit code %d", e.Action, e.ExitCode)
	}
	return fmt.Sprintf("%s failed with exit code %d: %s", e.Action, e.ExitCode, e.Output)
}

func (e *ActionError) Unwrap() error { return ErrActionFailure }

// Validationf builds an ErrValidation with a formatted reason
func Validationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}
