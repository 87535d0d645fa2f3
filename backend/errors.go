package backend

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by SendMessage.
var (
	// ErrNotRunning indicates the process is stopped or never started.
	ErrNotRunning = errors.New("backend: process not running")

	// ErrBusy indicates a turn is already in flight.
	ErrBusy = errors.New("backend: turn already in flight")

	// ErrAborted indicates the turn was cancelled by AbortTurn.
	ErrAborted = errors.New("backend: turn aborted")
)

// TurnError is a turn-level failure reported by the backend itself, such
// as a turn.failed event or a stdin write failure.
type TurnError struct {
	Msg string
	Err error
}

func (e *TurnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend: turn failed: %s: %v", e.Msg, e.Err)
	}
	return "backend: turn failed: " + e.Msg
}

func (e *TurnError) Unwrap() error { return e.Err }

// ExitError indicates the child exited while a turn was in flight, or an
// ephemeral child exited non-zero without producing output. Stderr holds
// a bounded tail of recent stderr lines.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("backend: child exited (code %d)", e.Code)
	}
	return fmt.Sprintf("backend: child exited (code %d): %s", e.Code, e.Stderr)
}
