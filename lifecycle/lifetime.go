// Package lifecycle provides the pipeline's liveness primitives: the
// one-shot Lifetime signal paired with every emitted item, the broadcast
// Stopper that cascades teardown through every subscription, and the Latch
// used for idempotent one-shot readiness resolution.
//
// All three are safe for concurrent use. The DOM model is logically
// single-threaded, but sinks, the inspect surface, and tests observe these
// signals from other goroutines.
package lifecycle

import "sync"

// Lifetime is a one-shot end-of-life signal. It fires exactly once; End is
// idempotent and late hook registration runs the hook immediately.
type Lifetime struct {
	mu    sync.Mutex
	ended bool
	ch    chan struct{}
	hooks []*endHook
}

type endHook struct {
	fn      func()
	removed bool
}

// NewLifetime returns a live Lifetime.
func NewLifetime() *Lifetime {
	return &Lifetime{ch: make(chan struct{})}
}

// Ended returns a channel closed when the lifetime ends.
func (l *Lifetime) Ended() <-chan struct{} {
	return l.ch
}

// IsEnded reports whether End has been called.
func (l *Lifetime) IsEnded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ended
}

// End fires the signal. The first call closes the channel and runs the
// registered hooks in registration order; every later call is a no-op.
func (l *Lifetime) End() {
	l.mu.Lock()
	if l.ended {
		l.mu.Unlock()
		return
	}
	l.ended = true
	close(l.ch)
	var fns []func()
	for _, h := range l.hooks {
		if !h.removed {
			fns = append(fns, h.fn)
		}
	}
	l.hooks = nil
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// OnEnd registers fn to run when the lifetime ends. If the lifetime has
// already ended, fn runs synchronously before OnEnd returns. The returned
// cancel de-registers fn; cancelling after the hook ran is a no-op. The
// cancel func is what lets a tracker swap its subscription to a newer item
// without the old item's delayed disposal firing into it.
func (l *Lifetime) OnEnd(fn func()) (cancel func()) {
	l.mu.Lock()
	if l.ended {
		l.mu.Unlock()
		fn()
		return func() {}
	}
	h := &endHook{fn: fn}
	l.hooks = append(l.hooks, h)
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		h.removed = true
		l.mu.Unlock()
	}
}

// Item pairs a value with its disappearance signal. For every item ever
// emitted by a stream or pool, the lifetime fires at most once; after it
// fires the item must be treated as dead.
type Item[T any] struct {
	Value    T
	Lifetime *Lifetime
}
