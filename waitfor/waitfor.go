// Package waitfor polls a predicate until it holds, a timeout elapses, or
// the context is cancelled. It is the readiness primitive behind view
// probes and anchor resolution: DOM state the pipeline depends on often
// materializes a few mutation batches after the element that announces it.
//
// The clock is injectable so probe behavior is testable without sleeping.
package waitfor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/juju/clock"
)

// Defaults match the historical polling contract: a generous ceiling with a
// coarse step, tuned for pages that hydrate lazily.
const (
	DefaultTimeout = 120 * time.Second
	DefaultStep    = 250 * time.Millisecond
)

// ErrTimeout reports that the condition never held. Timeout failures are
// *TimeoutError values; errors.Is(err, ErrTimeout) matches them.
var ErrTimeout = errors.New("waitfor: condition not met")

// Options tunes a wait. The zero value uses the package defaults and the
// wall clock.
type Options struct {
	Timeout time.Duration
	Step    time.Duration
	Clock   clock.Clock
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Step <= 0 {
		o.Step = DefaultStep
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
}

// TimeoutError is returned when the predicate never held within the
// timeout. Stack is captured at the call site of WaitFor/WaitForValue, not
// where the timer fired, so the failing wait is attributable even when the
// error surfaces on another goroutine.
type TimeoutError struct {
	Timeout time.Duration
	Elapsed time.Duration
	Stack   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("waitfor: condition not met after %v (timeout %v)",
		e.Elapsed.Round(time.Millisecond), e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// PredicateError wraps an error returned by the predicate itself. The wait
// stops immediately; predicate failures are never retried.
type PredicateError struct {
	Err error
}

func (e *PredicateError) Error() string { return "waitfor: predicate failed: " + e.Err.Error() }

func (e *PredicateError) Unwrap() error { return e.Err }

// WaitFor polls pred until it returns true. The first poll happens
// immediately; subsequent polls wait one step. It returns nil on success,
// a *TimeoutError after Options.Timeout, a *PredicateError if pred errors,
// or ctx.Err() on cancellation.
func WaitFor(ctx context.Context, pred func() (bool, error), opts Options) error {
	_, err := wait(ctx, func() (struct{}, bool, error) {
		ok, err := pred()
		return struct{}{}, ok, err
	}, opts, callSite(3))
	return err
}

// WaitForValue is WaitFor for predicates that produce a value once ready.
func WaitForValue[T any](ctx context.Context, pred func() (T, bool, error), opts Options) (T, error) {
	return wait(ctx, pred, opts, callSite(3))
}

func wait[T any](ctx context.Context, pred func() (T, bool, error), opts Options, stack string) (T, error) {
	opts.defaults()

	var zero T
	start := opts.Clock.Now()
	deadline := opts.Clock.After(opts.Timeout)
	for {
		v, ok, err := pred()
		if err != nil {
			return zero, &PredicateError{Err: err}
		}
		if ok {
			return v, nil
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline:
			return zero, &TimeoutError{
				Timeout: opts.Timeout,
				Elapsed: opts.Clock.Now().Sub(start),
				Stack:   stack,
			}
		case <-opts.Clock.After(opts.Step):
		}
	}
}

func callSite(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}
