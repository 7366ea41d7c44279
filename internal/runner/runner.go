// Package runner defines the contract shared by every background
// computation hosted inside a session, and provides Buffered, a generic
// engine that delivers a producer's items to one caller at a time.
//
// A runner is driven through an incremental, position-tracked fetch
// protocol:
//
//	NotStarted → Stalled ⇄ Progressed → Complete | Failed | Aborted
//
// Complete, Failed and Aborted are terminal.  Once a runner reaches a
// terminal status it never leaves it, and its completion signal (Done)
// is closed exactly once.
package runner

import (
	"context"
	"errors"
)

// Status is the lifecycle state of a runner.
type Status int

const (
	// StatusNotStarted means the producer has not been launched yet.
	StatusNotStarted Status = iota
	// StatusStalled means the producer runs but nothing was delivered
	// by the last fetch.
	StatusStalled
	// StatusProgressed means the last fetch delivered at least one item.
	StatusProgressed
	// StatusComplete means every produced item has been delivered.
	StatusComplete
	// StatusFailed means the producer failed and the queue is drained.
	StatusFailed
	// StatusAborted means the runner was aborted before completing.
	StatusAborted
)

// String returns the lower-case name of the status.
func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusStalled:
		return "stalled"
	case StatusProgressed:
		return "progressed"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Complete, Failed or Aborted.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusAborted
}

// CurrentPosition may be passed as the start position of a fetch to
// mean "wherever the runner currently is".
const CurrentPosition = -1

// Usage-contract violations.  These are returned synchronously to the
// caller and never change runner state.
var (
	ErrInvalidParallelAccess = errors.New("runner: another fetch is already in flight")
	ErrPositionMismatch      = errors.New("runner: start position does not match current position")
	ErrInvalidAdvance        = errors.New("runner: advance must be at least 1")
	ErrDisposed              = errors.New("runner: disposed")
)

// Result is the envelope returned by every fetch call.  Items holds the
// newly delivered items in production order (possibly none).  Err is
// the failure cause and is only set when Status is StatusFailed.
type Result[T any] struct {
	Items    []T
	Status   Status
	Position int
	Err      error
}

// Runner is the type-erased view of a runner used by the registry and
// the store.
type Runner interface {
	// Status returns the current lifecycle state.
	Status() Status

	// Position returns the number of items delivered so far.
	Position() int

	// Done is closed when the runner reaches a terminal status.
	Done() <-chan struct{}

	// Err returns the failure cause once Status is StatusFailed.
	Err() error

	// Abort moves the runner to StatusAborted unless it is already
	// terminal.  It is idempotent and never blocks.
	Abort()

	// Dispose aborts the runner, waits for its producer to stop and
	// releases everything it holds.  Fetch calls made after Dispose
	// fail with ErrDisposed.
	Dispose(ctx context.Context) error
}

// Fetcher is a Runner that delivers items of type T.
type Fetcher[T any] interface {
	Runner

	// GetAvailable returns up to advance items that are already
	// buffered without waiting.
	GetAvailable(advance, start int, traceID string) (Result[T], error)

	// GetRequired starts the producer if needed and waits until advance
	// items are available, the producer finishes, the runner is
	// aborted, or ctx is done.  When ctx ends the wait, the items
	// collected so far are kept for the next fetch and ctx.Err() is
	// returned.
	GetRequired(ctx context.Context, advance, start int, traceID string) (Result[T], error)
}
