// Package sequence provides in-memory runners: integer ranges and
// fixed slices.  They need no external service and are used by the CLI
// demo and by tests.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/terrpan/runnerhost/internal/runner"
	"github.com/terrpan/runnerhost/internal/store"
)

// ResultType is the store result type served by Factory.
const ResultType = "sequence"

// ErrInjected is the failure cause of a range configured with a
// fail_after parameter.
var ErrInjected = errors.New("sequence: injected failure")

// Range describes an integer sequence.
type Range struct {
	Start int
	Step  int
	// Count is the number of items.  A negative count never ends.
	Count int
	// Delay is slept before each item.
	Delay time.Duration
	// FailAfter makes the producer fail with ErrInjected after that
	// many items.  Zero disables it.
	FailAfter int
}

// Producer returns a producer emitting r.
func (r Range) Producer() runner.Producer[int] {
	return func(ctx context.Context, emit func(int) error) error {
		v := r.Start
		for i := 0; r.Count < 0 || i < r.Count; i++ {
			if r.FailAfter > 0 && i == r.FailAfter {
				return fmt.Errorf("%w after %d items", ErrInjected, i)
			}
			if r.Delay > 0 {
				select {
				case <-time.After(r.Delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := emit(v); err != nil {
				return err
			}
			v += r.Step
		}
		return nil
	}
}

// FromSlice returns a runner delivering items in order.
func FromSlice[T any](items []T, opts ...runner.Option) *runner.Buffered[T] {
	return runner.NewBuffered(func(_ context.Context, emit func(T) error) error {
		for _, it := range items {
			if err := emit(it); err != nil {
				return err
			}
		}
		return nil
	}, opts...)
}

// ParseRange reads a Range from request parameters: start (default 1),
// step (1), count (10, "inf" for unbounded), delay (Go duration) and
// fail_after.
func ParseRange(req store.Request) (Range, error) {
	var r Range
	var err error

	if r.Start, err = intParam(req, "start", 1); err != nil {
		return Range{}, err
	}
	if r.Step, err = intParam(req, "step", 1); err != nil {
		return Range{}, err
	}
	if req.Param("count", "") == "inf" {
		r.Count = -1
	} else if r.Count, err = intParam(req, "count", 10); err != nil {
		return Range{}, err
	} else if r.Count < 0 {
		return Range{}, fmt.Errorf("sequence: count must not be negative, got %d", r.Count)
	}
	if r.FailAfter, err = intParam(req, "fail_after", 0); err != nil {
		return Range{}, err
	}
	if d := req.Param("delay", ""); d != "" {
		if r.Delay, err = time.ParseDuration(d); err != nil {
			return Range{}, fmt.Errorf("sequence: delay: %w", err)
		}
	}
	return r, nil
}

// Factory builds integer range runners.
func Factory(_ context.Context, req store.Request, env store.Env) (runner.Runner, error) {
	r, err := ParseRange(req)
	if err != nil {
		return nil, err
	}
	return runner.NewBuffered(r.Producer(), env.Options(req)...), nil
}

func intParam(req store.Request, key string, def int) (int, error) {
	v := req.Param(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("sequence: %s: %w", key, err)
	}
	return n, nil
}
