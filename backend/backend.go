// Package backend encapsulates the external coding-agent CLIs that
// agentbridge delegates conversation turns to.
//
// Two process shapes share one contract. PersistentProcess keeps a single
// long-running child and exchanges newline-delimited JSON frames over its
// stdin/stdout. EphemeralProcess spawns a fresh child per turn and reads
// its JSONL event stream to EOF. Both deliver incremental text through a
// DeltaSink and finish each turn with a TurnResult.
package backend

import (
	"context"
)

// Kind identifies the process lifecycle strategy of a backend.
type Kind string

const (
	// KindPersistent is a long-running bidirectional stream-JSON child.
	KindPersistent Kind = "persistent"

	// KindEphemeral spawns one child per turn.
	KindEphemeral Kind = "ephemeral"
)

// Valid reports whether k is a recognized backend kind.
func (k Kind) Valid() bool {
	return k == KindPersistent || k == KindEphemeral
}

// DeltaSink receives incremental assistant text as it arrives. It is
// invoked only with non-empty text, in event-arrival order, and must not
// block: the reader goroutine calls it inline.
type DeltaSink func(text string)

// TurnResult is the terminal outcome of a successful turn.
type TurnResult struct {
	// Text is the complete assistant prose for the turn.
	Text string

	// SessionID is the backend-assigned identifier that resumes this
	// conversation. May be empty if the backend never reported one.
	SessionID string
}

// Process is the capability set shared by both backend variants. A Process
// owns exactly one child CLI lifecycle and admits at most one in-flight
// turn at a time.
type Process interface {
	// Start makes the process ready to accept turns. For the persistent
	// variant this spawns the child; for the ephemeral variant it only
	// marks the process usable.
	Start() error

	// Stop terminates the process. Idempotent. Sends SIGTERM and
	// escalates to SIGKILL after a bounded grace period.
	Stop()

	// Restart stops the process and starts it again.
	Restart() error

	// SendMessage delivers one user turn and blocks until the turn
	// resolves. Deltas stream through sink as they arrive. Fails fast
	// with ErrNotRunning or ErrBusy; see the package error taxonomy for
	// the remaining failure shapes.
	SendMessage(ctx context.Context, text string, sink DeltaSink) (*TurnResult, error)

	// AbortTurn cancels the in-flight turn, if any, without stopping the
	// process when possible. Safe to call when no turn is active.
	AbortTurn()

	// Alive reports whether the process accepts new turns.
	Alive() bool

	// Busy reports whether a turn is currently in flight.
	Busy() bool

	// Kind identifies the lifecycle strategy.
	Kind() Kind

	// SessionID returns the most recent backend-assigned session id.
	SessionID() string

	// Cwd returns the working directory the child runs in.
	Cwd() string

	// Model returns the configured model name, or empty.
	Model() string

	// TotalCost returns the accumulated turn cost in USD, or zero when
	// the backend reports no cost accounting.
	TotalCost() float64
}
