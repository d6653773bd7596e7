// Package elempool collects live items behind two read models: a hot
// multicast feed of arrivals and a point-in-time snapshot of what is
// currently alive. The pool is how the driver hands feature code "every
// compose window, present and future" without exposing the mutation
// plumbing underneath.
//
// Every subscriber gets its own unbounded FIFO, so one slow consumer never
// stalls arrivals for the others and never blocks the dispatching mapper.
package elempool

import (
	"log/slog"
	"sync"

	"github.com/mailrig/mailrig/lifecycle"
)

// Pool tracks items while their lifetimes last. Arrivals enter with Add;
// an item leaves the live set when its lifetime ends. Teardown comes from
// the stopper the pool was built with (or Stop): all subscriber channels
// and the error feed close before the stop hook returns, the snapshot
// empties, and later Adds are dropped.
type Pool[T any] struct {
	keyOf  func(T) any
	logger *slog.Logger
	unhook func()

	mu      sync.Mutex
	stopped bool
	live    map[any]*poolEntry[T]
	order   []any
	subs    []*subscriber[T]
	errs    chan error
}

type poolEntry[T any] struct {
	item   lifecycle.Item[T]
	cancel func()
}

// New builds a pool deduplicating on item value identity.
func New[T comparable](stop *lifecycle.Stopper, logger *slog.Logger) *Pool[T] {
	return newPool[T](func(v T) any { return v }, stop, logger)
}

// NewKeyed builds a pool deduplicating on key(value), for item types that
// are not comparable or whose identity is narrower than the whole value.
func NewKeyed[T any](key func(T) string, stop *lifecycle.Stopper, logger *slog.Logger) *Pool[T] {
	return newPool[T](func(v T) any { return key(v) }, stop, logger)
}

func newPool[T any](keyOf func(T) any, stop *lifecycle.Stopper, logger *slog.Logger) *Pool[T] {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool[T]{
		keyOf:  keyOf,
		logger: logger,
		live:   make(map[any]*poolEntry[T]),
		errs:   make(chan error, 16),
	}
	if stop != nil {
		p.unhook = stop.OnStop(p.teardown)
	}
	return p
}

// Add admits an item. A value already live is dropped with a warn log; an
// item whose lifetime has already ended is still delivered to subscribers,
// then leaves the live set immediately.
func (p *Pool[T]) Add(item lifecycle.Item[T]) {
	key := p.keyOf(item.Value)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if _, dup := p.live[key]; dup {
		p.mu.Unlock()
		p.logger.Warn("elempool: duplicate live item dropped", "key", key)
		return
	}
	entry := &poolEntry[T]{item: item}
	p.live[key] = entry
	p.order = append(p.order, key)
	for _, s := range p.subs {
		s.push(item)
	}
	p.mu.Unlock()

	// Registered outside the lock: OnEnd runs its hook synchronously when
	// the lifetime is already over, and remove needs the lock.
	cancel := item.Lifetime.OnEnd(func() { p.remove(key) })

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		cancel()
		return
	}
	entry.cancel = cancel
	p.mu.Unlock()
}

// AddError pushes err onto the error feed. The feed is advisory; when
// nothing drains it the error is dropped with a warn log.
func (p *Pool[T]) AddError(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	select {
	case p.errs <- err:
	default:
		p.logger.Warn("elempool: error dropped, feed full", "err", err)
	}
}

// Items subscribes to arrivals from this moment on; current members are not
// replayed (pair with CurrentSnapshot for state plus feed). The channel
// closes on teardown. On a stopped pool it is born closed.
func (p *Pool[T]) Items() <-chan lifecycle.Item[T] {
	s := newSubscriber[T]()
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		close(s.out)
		return s.out
	}
	p.subs = append(p.subs, s)
	p.mu.Unlock()
	go s.loop()
	return s.out
}

// Errs is the error feed. It closes on teardown.
func (p *Pool[T]) Errs() <-chan error {
	return p.errs
}

// CurrentSnapshot returns the live values in arrival order.
func (p *Pool[T]) CurrentSnapshot() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]T, 0, len(p.order))
	for _, k := range p.order {
		out = append(out, p.live[k].item.Value)
	}
	return out
}

// Size returns the live item count.
func (p *Pool[T]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Stop tears the pool down without the stopper. Idempotent.
func (p *Pool[T]) Stop() {
	if p.unhook != nil {
		p.unhook()
	}
	p.teardown()
}

func (p *Pool[T]) remove(key any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[key]; !ok {
		return
	}
	delete(p.live, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *Pool[T]) teardown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	subs := p.subs
	p.subs = nil
	var cancels []func()
	for _, e := range p.live {
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	p.live = make(map[any]*poolEntry[T])
	p.order = nil
	close(p.errs)
	p.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, s := range subs {
		close(s.done)
	}
	// Subscriber channels must be closed by the time the stop hook returns.
	for _, s := range subs {
		<-s.gone
	}
}

// subscriber is one Items consumer: an unbounded FIFO drained by its own
// goroutine so push never blocks.
type subscriber[T any] struct {
	mu      sync.Mutex
	pending []lifecycle.Item[T]

	wake chan struct{}
	out  chan lifecycle.Item[T]
	done chan struct{}
	gone chan struct{}
}

func newSubscriber[T any]() *subscriber[T] {
	return &subscriber[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan lifecycle.Item[T]),
		done: make(chan struct{}),
		gone: make(chan struct{}),
	}
}

func (s *subscriber[T]) push(it lifecycle.Item[T]) {
	s.mu.Lock()
	s.pending = append(s.pending, it)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) loop() {
	defer close(s.gone)
	defer close(s.out)
	for {
		s.mu.Lock()
		var it lifecycle.Item[T]
		have := len(s.pending) > 0
		if have {
			it = s.pending[0]
			s.pending = s.pending[1:]
		}
		s.mu.Unlock()

		if have {
			select {
			case s.out <- it:
			case <-s.done:
				return
			}
			continue
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
