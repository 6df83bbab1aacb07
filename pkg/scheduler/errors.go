package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies invalid provider ids and configuration.
	ErrValidation = errors.New("scheduler validation error")
	// ErrConflict classifies state conflicts (for example a cycle already running).
	ErrConflict = errors.New("scheduler conflict")
	// ErrRetryable classifies transient failures safe to retry on the next cycle.
	ErrRetryable = errors.New("scheduler retryable error")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("scheduler invalid argument")
	// ErrNotInitialized classifies missing runtime initialization.
	ErrNotInitialized = errors.New("scheduler not initialized")
	// ErrClosed classifies operations performed on closed components.
	ErrClosed = errors.New("scheduler closed")
)

func schedulerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// StateError reports the cycle state in which a fatal error happened.
type StateError struct {
	State State
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cycle failed in %s: %v", e.State, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

func stateError(state State, err error) error {
	if err == nil {
		return nil
	}
	return &StateError{State: state, Err: err}
}
