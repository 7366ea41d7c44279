package registry

import (
	"context"
	"sync"
)

// Latch is a countdown latch that can also count up while it is above
// zero.  It is seeded with one unit that stands for the owner; the
// latch reaches zero only after the owner has released its unit and
// every added unit has been released too.
type Latch struct {
	mu    sync.Mutex
	count int
	zero  chan struct{}
}

// NewLatch returns a latch holding the owner's unit.
func NewLatch() *Latch {
	return &Latch{count: 1, zero: make(chan struct{})}
}

// Add takes one more unit.  It reports false if the latch already
// reached zero, in which case nothing is counted.
func (l *Latch) Add() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return false
	}
	l.count++
	return true
}

// Done releases one unit.  Releasing more units than were taken is
// ignored.
func (l *Latch) Done() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return
	}
	l.count--
	if l.count == 0 {
		close(l.zero)
	}
}

// Count returns the number of units still held.
func (l *Latch) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Zero is closed when the count reaches zero.
func (l *Latch) Zero() <-chan struct{} { return l.zero }

// Wait blocks until the count reaches zero or ctx is done.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
