// Package registry keeps track of the runners that belong to one
// session.  It hands out runner numbers, serializes registration and
// removal under a single lock, disposes removed runners in the
// background, and coordinates the session's shutdown so that cleanup
// completes only after every runner has been disposed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/terrpan/runnerhost/internal/runner"
)

var (
	ErrNumberExhausted      = errors.New("registry: runner numbers exhausted")
	ErrRegisterAfterCleanup = errors.New("registry: register after cleanup started")
	ErrSessionMismatch      = errors.New("registry: owned by a different session")
	ErrDuplicateNumber      = errors.New("registry: number already registered")
)

// Config holds registry limits.
type Config struct {
	// MinNumber is the first number handed out.  Runner numbers are
	// positive, so any value below 1 selects the default, 1.
	MinNumber int
	// MaxNumber is the last number handed out.  Default: math.MaxInt32.
	MaxNumber int
	// DisposeTimeout bounds each runner's disposal.  Default: 30s.
	DisposeTimeout time.Duration
	Logger         *slog.Logger
}

// Registry owns the runners of one session.  All methods are safe for
// concurrent use.
type Registry struct {
	owner          string
	minNumber      int
	maxNumber      int
	disposeTimeout time.Duration
	logger         *slog.Logger

	mu          sync.Mutex
	next        int
	entries     map[int]*entry
	disposing   map[int]*entry
	closing     bool
	disposeErrs []error

	latch     *Latch
	disposals errgroup.Group

	cleanupOnce sync.Once
	cleanupDone chan struct{}
	cleanupErr  error
}

type entry struct {
	runner runner.Runner
	tag    string
	number int

	// observer is created on first request and closed once the runner
	// has been disposed.
	observer chan struct{}
}

// New creates a registry owned by the session with the given id.
func New(owner string, cfg Config) *Registry {
	if cfg.MinNumber < 1 {
		cfg.MinNumber = 1
	}
	if cfg.MaxNumber == 0 {
		cfg.MaxNumber = math.MaxInt32
	}
	if cfg.DisposeTimeout <= 0 {
		cfg.DisposeTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Registry{
		owner:          owner,
		minNumber:      cfg.MinNumber,
		maxNumber:      cfg.MaxNumber,
		disposeTimeout: cfg.DisposeTimeout,
		logger:         cfg.Logger.With(slog.String("session", owner)),
		next:           cfg.MinNumber,
		entries:        make(map[int]*entry),
		disposing:      make(map[int]*entry),
		latch:          NewLatch(),
		cleanupDone:    make(chan struct{}),
	}
}

// Owner returns the id of the owning session.
func (r *Registry) Owner() string { return r.owner }

// CheckOwner returns ErrSessionMismatch unless sessionID owns r.
func (r *Registry) CheckOwner(sessionID string) error {
	if sessionID != r.owner {
		return fmt.Errorf("%w: registry of %q used by %q", ErrSessionMismatch, r.owner, sessionID)
	}
	return nil
}

// AllocateNumber returns the next unused runner number.  Numbers are
// never reused, so a long-lived session eventually exhausts the range.
func (r *Registry) AllocateNumber() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next > r.maxNumber || r.next < r.minNumber {
		return 0, fmt.Errorf("%w: range %d..%d", ErrNumberExhausted, r.minNumber, r.maxNumber)
	}
	n := r.next
	r.next++
	return n, nil
}

// Register adds a runner under a number obtained from AllocateNumber.
func (r *Registry) Register(number int, rn runner.Runner, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return fmt.Errorf("%w: runner %d", ErrRegisterAfterCleanup, number)
	}
	if _, ok := r.entries[number]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateNumber, number)
	}
	if !r.latch.Add() {
		// Unreachable while closing is false: the owner unit is held.
		return fmt.Errorf("%w: runner %d", ErrRegisterAfterCleanup, number)
	}
	r.entries[number] = &entry{runner: rn, tag: tag, number: number}

	r.logger.Debug("runner registered",
		slog.Int("number", number),
		slog.String("resultType", tag),
	)
	return nil
}

// Get returns the runner registered under number and its result tag.
func (r *Registry) Get(number int) (runner.Runner, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[number]
	if !ok {
		return nil, "", false
	}
	return e.runner, e.tag, true
}

// Len returns the number of registered runners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Unregister removes the runner and starts its disposal in the
// background.  It reports whether the number was registered.
func (r *Registry) Unregister(number int) bool {
	r.mu.Lock()
	e, ok := r.entries[number]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, number)
	r.disposing[number] = e
	// The disposal must be counted before the latch is released so that
	// cleanup, once the latch hits zero, waits for it.
	r.disposals.Go(func() error { return r.dispose(e) })
	r.mu.Unlock()

	r.latch.Done()

	r.logger.Debug("runner unregistered", slog.Int("number", number))
	return true
}

// CleanupObserver returns a channel closed once the runner registered
// under number has been disposed.  For unknown numbers the returned
// channel is already closed.
func (r *Registry) CleanupObserver(number int) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[number]
	if !ok {
		e, ok = r.disposing[number]
	}
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if e.observer == nil {
		e.observer = make(chan struct{})
	}
	return e.observer
}

// AbortAll aborts every registered runner and returns how many there
// were.  Abort never blocks, so the lock is held throughout.
func (r *Registry) AbortAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abortAllLocked()
}

func (r *Registry) abortAllLocked() int {
	for _, e := range r.entries {
		e.runner.Abort()
	}
	return len(r.entries)
}

// StartCleanup begins the coordinated shutdown without waiting for it
// and returns a channel closed when it completes.  Every runner is
// aborted; cleanup completes once each of them has been unregistered
// and disposed.  Subsequent calls return the same channel.
func (r *Registry) StartCleanup() <-chan struct{} {
	r.cleanupOnce.Do(func() {
		r.mu.Lock()
		r.closing = true
		n := r.abortAllLocked()
		r.mu.Unlock()

		r.logger.Info("registry cleanup started", slog.Int("runners", n))

		// Release the owner unit: from now on the latch reaches zero
		// exactly when the last runner unregisters.
		r.latch.Done()
		go r.cleanup()
	})
	return r.cleanupDone
}

// Cleanup starts the shutdown if needed and waits for it.  It returns
// the joined disposal errors, or ctx's error if ctx ends first.
func (r *Registry) Cleanup(ctx context.Context) error {
	select {
	case <-r.StartCleanup():
		return r.cleanupErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CleanupStarted reports whether shutdown has begun.
func (r *Registry) CleanupStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

// CleanupDone is closed when shutdown has completed.  It does not start
// the shutdown.
func (r *Registry) CleanupDone() <-chan struct{} { return r.cleanupDone }

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (r *Registry) cleanup() {
	defer close(r.cleanupDone)

	start := time.Now()
	_ = r.latch.Wait(context.Background())
	_ = r.disposals.Wait()

	r.mu.Lock()
	err := errors.Join(r.disposeErrs...)
	r.disposeErrs = nil
	clear(r.entries)
	clear(r.disposing)
	r.mu.Unlock()

	// Written before cleanupDone is closed; readers wait on it first.
	r.cleanupErr = err

	attrs := []any{slog.Duration("elapsed", time.Since(start))}
	if err != nil {
		r.logger.Warn("registry cleanup finished with errors", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	r.logger.Info("registry cleanup finished", attrs...)
}

func (r *Registry) dispose(e *entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.disposeTimeout)
	defer cancel()

	e.runner.Abort()
	err := e.runner.Dispose(ctx)

	r.mu.Lock()
	delete(r.disposing, e.number)
	if e.observer != nil {
		close(e.observer)
	}
	if err != nil {
		err = fmt.Errorf("dispose runner %d: %w", e.number, err)
		r.disposeErrs = append(r.disposeErrs, err)
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("runner disposal failed",
			slog.Int("number", e.number),
			slog.String("error", err.Error()),
		)
		return err
	}
	r.logger.Debug("runner disposed", slog.Int("number", e.number))
	return nil
}
