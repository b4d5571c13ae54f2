package bluelet

import (
	"errors"
	"fmt"
)

var (
	// ErrSchedulerClosed means Run's loop has already torn down.
	ErrSchedulerClosed = errors.New("bluelet: scheduler closed")
	// ErrConnClosed means the connection was closed by the user.
	ErrConnClosed = errors.New("bluelet: connection closed")
	// ErrCancelled is injected into a fiber that has been killed.
	ErrCancelled = errors.New("bluelet: fiber cancelled")
	// ErrInterrupted is injected into the root fiber when the context
	// given through WithContext is cancelled. A readiness wait cut short
	// by a signal (EINTR) is simply retried on the next turn.
	ErrInterrupted = errors.New("bluelet: interrupted")
)

// IoError wraps a failure reported by the underlying socket operation.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("bluelet: io error during %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// FiberFailure wraps the terminal error of a non-root fiber as it is
// re-raised into the root fiber. The original error remains available
// through Unwrap so callers can still match on its underlying kind.
type FiberFailure struct {
	FiberID string
	Err     error
}

func (e *FiberFailure) Error() string {
	return fmt.Sprintf("bluelet: fiber %s failed: %v", e.FiberID, e.Err)
}

func (e *FiberFailure) Unwrap() error { return e.Err }
