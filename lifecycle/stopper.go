package lifecycle

import (
	"sync"

	"gopkg.in/tomb.v2"
)

// Stopper is the driver's single teardown primitive: a broadcast, one-shot,
// idempotent signal. Every long-lived subscription in the pipeline is wired
// to it, so destroying the driver cascades without per-component destroy
// calls. Goroutines registered with Go are tracked; Wait blocks until the
// stopper has fired and all of them have returned.
type Stopper struct {
	t tomb.Tomb

	mu       sync.Mutex
	stopping bool
	hooks    []*endHook
}

// NewStopper returns a live Stopper.
func NewStopper() *Stopper {
	s := &Stopper{}
	// The sentinel keeps the tomb alive until the stopper fires, so Wait
	// works even when no other goroutine was ever registered, and it turns
	// a failed tracked goroutine into a full Stop so hooks still run.
	s.t.Go(func() error {
		<-s.t.Dying()
		s.Stop()
		return nil
	})
	return s
}

// Stopping returns a channel closed once Stop has been called.
func (s *Stopper) Stopping() <-chan struct{} {
	return s.t.Dying()
}

// IsStopped reports whether Stop has been called.
func (s *Stopper) IsStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Go runs fn in a tracked goroutine. fn should return when the stopper's
// Stopping channel closes. Calling Go on a stopped Stopper runs nothing.
func (s *Stopper) Go(fn func() error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.t.Go(fn)
	s.mu.Unlock()
}

// Stop fires the signal. The first call closes Stopping and synchronously
// runs the registered hooks in registration order; later calls, including
// reentrant calls from inside a hook, are no-ops.
func (s *Stopper) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.t.Kill(nil)
	var fns []func()
	for _, h := range s.hooks {
		if !h.removed {
			fns = append(fns, h.fn)
		}
	}
	s.hooks = nil
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Wait blocks until Stop has been called and all tracked goroutines have
// returned.
func (s *Stopper) Wait() error {
	return s.t.Wait()
}

// OnStop registers fn to run synchronously inside the first Stop call. If
// the stopper has already fired, fn runs immediately. The returned cancel
// de-registers fn.
func (s *Stopper) OnStop(fn func()) (cancel func()) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		fn()
		return func() {}
	}
	h := &endHook{fn: fn}
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		h.removed = true
		s.mu.Unlock()
	}
}
