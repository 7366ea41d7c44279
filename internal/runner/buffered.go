package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultQueueSize is the queue capacity used when none is configured.
const DefaultQueueSize = 16

// Producer generates the item sequence of a Buffered runner.  It must
// hand every item to emit in order and return when the sequence ends.
// emit blocks while the queue is full and returns ctx's error once the
// runner is aborted; the producer should return promptly after that.
// A non-nil return value that is not caused by an abort becomes the
// runner's failure cause.
type Producer[T any] func(ctx context.Context, emit func(T) error) error

// Option configures a Buffered runner.
type Option func(*options)

type options struct {
	name      string
	queueSize int
	parent    context.Context
	logger    *slog.Logger
	onDispose func(ctx context.Context) error
}

// WithName sets the name used in logs and spans.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithQueueSize sets the capacity of the bounded queue between the
// producer and the consumer.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithParent links the runner to a parent context.  When the parent is
// done the runner is aborted.  Sessions use this as a secondary
// cancellation source for their runners.
func WithParent(ctx context.Context) Option {
	return func(o *options) { o.parent = ctx }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDisposeHook registers fn to run at the end of Dispose, after the
// producer has stopped.
func WithDisposeHook(fn func(ctx context.Context) error) Option {
	return func(o *options) { o.onDispose = fn }
}

// Buffered runs a Producer in the background and delivers its items
// through the fetch protocol.  Items flow through a bounded queue;
// items that a cancelled GetRequired already pulled off the queue are
// kept in a stash and returned first by the next fetch.
//
// At most one fetch may be in flight.  A second concurrent fetch fails
// immediately with ErrInvalidParallelAccess.
type Buffered[T any] struct {
	name      string
	produce   Producer[T]
	queue     chan T
	logger    *slog.Logger
	tracer    trace.Tracer
	onDispose func(ctx context.Context) error

	// busy is the single-flight guard.  queue reads and stash are owned
	// by whoever holds it.
	busy  atomic.Bool
	stash []T

	ctx        context.Context
	cancel     context.CancelFunc
	stopParent func() bool

	mu       sync.Mutex
	status   Status
	position int
	failure  error
	started  bool
	drained  bool

	producerExited chan struct{}
	disposed       chan struct{}
	disposeOnce    sync.Once
	disposeErr     error
}

// Compile-time check.
var _ Fetcher[int] = (*Buffered[int])(nil)

// NewBuffered creates a runner around produce.  The producer is not
// started until the first GetRequired call.
func NewBuffered[T any](produce Producer[T], opts ...Option) *Buffered[T] {
	o := options{queueSize: DefaultQueueSize}
	for _, fn := range opts {
		fn(&o)
	}
	if o.queueSize < 1 {
		o.queueSize = DefaultQueueSize
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.name == "" {
		o.name = "buffered"
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Buffered[T]{
		name:           o.name,
		produce:        produce,
		queue:          make(chan T, o.queueSize),
		logger:         o.logger,
		tracer:         otel.Tracer("runnerhost/runner"),
		onDispose:      o.onDispose,
		ctx:            ctx,
		cancel:         cancel,
		producerExited: make(chan struct{}),
		disposed:       make(chan struct{}),
	}
	if o.parent != nil {
		b.stopParent = context.AfterFunc(o.parent, b.Abort)
	}
	return b
}

// Name returns the runner name.
func (b *Buffered[T]) Name() string { return b.name }

// Status implements Runner.
func (b *Buffered[T]) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Position implements Runner.
func (b *Buffered[T]) Position() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

// Done implements Runner.
func (b *Buffered[T]) Done() <-chan struct{} { return b.ctx.Done() }

// Err implements Runner.
func (b *Buffered[T]) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusFailed {
		return nil
	}
	return b.failure
}

// Abort implements Runner.
func (b *Buffered[T]) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Terminal() {
		return
	}
	b.terminateLocked(StatusAborted)
	b.logger.Debug("runner aborted",
		slog.String("runner", b.name),
		slog.Int("position", b.position),
	)
}

// Dispose implements Runner.  Concurrent and repeated calls share the
// outcome of the first one.
func (b *Buffered[T]) Dispose(ctx context.Context) error {
	b.disposeOnce.Do(func() {
		close(b.disposed)
		b.Abort()
		if b.stopParent != nil {
			b.stopParent()
		}

		b.mu.Lock()
		started := b.started
		b.mu.Unlock()

		if started {
			select {
			case <-b.producerExited:
			case <-ctx.Done():
				b.disposeErr = fmt.Errorf("runner %s: waiting for producer: %w", b.name, ctx.Err())
			}
		}
		if b.onDispose != nil {
			if err := b.onDispose(ctx); err != nil {
				b.disposeErr = errors.Join(b.disposeErr, fmt.Errorf("runner %s: dispose hook: %w", b.name, err))
			}
		}
		b.logger.Debug("runner disposed", slog.String("runner", b.name))
	})
	return b.disposeErr
}

// GetAvailable implements Fetcher.  It never starts the producer and
// never waits.
func (b *Buffered[T]) GetAvailable(advance, start int, traceID string) (Result[T], error) {
	if !b.busy.CompareAndSwap(false, true) {
		return Result[T]{}, ErrInvalidParallelAccess
	}
	defer b.busy.Store(false)

	if err := b.check(advance, start); err != nil {
		return Result[T]{}, err
	}
	if b.Status().Terminal() {
		return b.deliver(nil, false, traceID), nil
	}

	items, done := b.take(advance)
	return b.deliver(items, done, traceID), nil
}

// GetRequired implements Fetcher.
func (b *Buffered[T]) GetRequired(ctx context.Context, advance, start int, traceID string) (Result[T], error) {
	if !b.busy.CompareAndSwap(false, true) {
		return Result[T]{}, ErrInvalidParallelAccess
	}
	defer b.busy.Store(false)

	if err := b.check(advance, start); err != nil {
		return Result[T]{}, err
	}

	ctx, span := b.tracer.Start(ctx, "runner.GetRequired")
	defer span.End()
	span.SetAttributes(
		attribute.String("runner.name", b.name),
		attribute.String("runner.trace_id", traceID),
		attribute.Int("runner.advance", advance),
	)

	if b.Status().Terminal() {
		return b.deliver(nil, false, traceID), nil
	}
	b.ensureStarted()

	items, done := b.take(advance)
	for !done && len(items) < advance {
		select {
		case v, ok := <-b.queue:
			if !ok {
				done = true
				continue
			}
			items = append(items, v)

		case <-b.ctx.Done():
			if b.isDisposed() {
				span.SetStatus(codes.Error, ErrDisposed.Error())
				return Result[T]{}, ErrDisposed
			}
			// Aborted while waiting: hand over what was collected.
			res := b.deliver(items, false, traceID)
			span.SetAttributes(attribute.String("runner.status", res.Status.String()))
			return res, nil

		case <-b.disposed:
			span.SetStatus(codes.Error, ErrDisposed.Error())
			return Result[T]{}, ErrDisposed

		case <-ctx.Done():
			b.keep(items)
			span.SetStatus(codes.Error, ctx.Err().Error())
			b.logger.Debug("fetch cancelled, items stashed",
				slog.String("runner", b.name),
				slog.String("traceID", traceID),
				slog.Int("stashed", len(items)),
			)
			return Result[T]{}, ctx.Err()
		}
	}

	if !done {
		done = b.exhausted()
	}
	res := b.deliver(items, done, traceID)
	span.SetAttributes(
		attribute.String("runner.status", res.Status.String()),
		attribute.Int("runner.delivered", len(res.Items)),
	)
	return res, nil
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (b *Buffered[T]) check(advance, start int) error {
	if b.isDisposed() {
		return ErrDisposed
	}
	if advance < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidAdvance, advance)
	}
	if start == CurrentPosition {
		return nil
	}
	if pos := b.Position(); start != pos {
		return fmt.Errorf("%w: requested %d, runner at %d", ErrPositionMismatch, start, pos)
	}
	return nil
}

func (b *Buffered[T]) isDisposed() bool {
	select {
	case <-b.disposed:
		return true
	default:
		return false
	}
}

func (b *Buffered[T]) ensureStarted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.status.Terminal() {
		return
	}
	b.started = true
	b.status = StatusStalled
	go b.run()
}

func (b *Buffered[T]) run() {
	defer close(b.producerExited)
	defer close(b.queue)

	err := b.produceSafely()
	if err == nil || b.ctx.Err() != nil {
		return
	}
	b.mu.Lock()
	b.failure = err
	b.mu.Unlock()
	b.logger.Warn("producer failed",
		slog.String("runner", b.name),
		slog.String("error", err.Error()),
	)
}

func (b *Buffered[T]) produceSafely() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner %s: producer panic: %v", b.name, r)
		}
	}()
	return b.produce(b.ctx, b.emit)
}

func (b *Buffered[T]) emit(item T) error {
	select {
	case b.queue <- item:
		return nil
	case <-b.ctx.Done():
		return b.ctx.Err()
	}
}

// take moves up to n items out of the stash and then the queue without
// blocking.  done reports that the queue is closed and empty, either
// observed directly or because the producer has already exited.
func (b *Buffered[T]) take(n int) (items []T, done bool) {
	if len(b.stash) > 0 {
		k := min(n, len(b.stash))
		items = append(items, b.stash[:k]...)
		b.stash = b.stash[k:]
		if len(b.stash) == 0 {
			b.stash = nil
		}
	}

	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		return items, false
	}

	for len(items) < n {
		select {
		case v, ok := <-b.queue:
			if !ok {
				return items, true
			}
			items = append(items, v)
		default:
			return items, b.exhausted()
		}
	}
	return items, b.exhausted()
}

// exhausted reports, without blocking, that the producer has exited and
// every queued item has been taken.
func (b *Buffered[T]) exhausted() bool {
	select {
	case <-b.producerExited:
		return len(b.queue) == 0
	default:
		return false
	}
}

// keep stores items collected by a cancelled fetch so the next fetch
// returns them first.  take empties the stash before a fetch waits on
// the queue, so at most one cancelled fetch is ever held here.
func (b *Buffered[T]) keep(items []T) {
	if len(items) == 0 || b.isDisposed() {
		return
	}
	b.stash = append(items, b.stash...)
}

// deliver advances the position past items, settles the status and
// builds the envelope.
func (b *Buffered[T]) deliver(items []T, done bool, traceID string) Result[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.position += len(items)
	if done {
		b.drained = true
	}

	if !b.status.Terminal() {
		switch {
		case b.drained && len(b.stash) == 0:
			if b.failure != nil {
				b.terminateLocked(StatusFailed)
			} else {
				b.terminateLocked(StatusComplete)
			}
		case len(items) > 0:
			b.status = StatusProgressed
		case b.started:
			b.status = StatusStalled
		}
	}

	res := Result[T]{Items: items, Status: b.status, Position: b.position}
	if b.status == StatusFailed {
		res.Err = b.failure
	}

	b.logger.Debug("fetch delivered",
		slog.String("runner", b.name),
		slog.String("traceID", traceID),
		slog.Int("items", len(items)),
		slog.Int("position", b.position),
		slog.String("status", b.status.String()),
	)
	return res
}

// terminateLocked enters a terminal status and closes the completion
// signal.  Callers hold mu and have checked the status is not terminal.
func (b *Buffered[T]) terminateLocked(s Status) {
	b.status = s
	b.cancel()
}
