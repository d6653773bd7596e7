package lifecycle

import "sync"

// Latch is a one-shot resolution flag with an error payload: the explicit
// replacement for cached readiness promises. The first Resolve wins; every
// later call is ignored. Waiters select on Done and then read Err.
type Latch struct {
	mu   sync.Mutex
	done bool
	err  error
	ch   chan struct{}
}

// NewLatch returns an unresolved Latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Resolve settles the latch with err (nil for success). It reports whether
// this call was the one that resolved it.
func (l *Latch) Resolve(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return false
	}
	l.done = true
	l.err = err
	close(l.ch)
	return true
}

// Done returns a channel closed once the latch is resolved.
func (l *Latch) Done() <-chan struct{} {
	return l.ch
}

// IsDone reports whether the latch has been resolved.
func (l *Latch) IsDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Err returns the resolution error. It is meaningful only after Done.
func (l *Latch) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
