// Package elemstream turns DOM mutation batches into element streams.
//
// Children is the pipeline's arrival primitive: it watches one container's
// child list and emits every qualifying child as an item whose lifetime
// ends when the child leaves the container. Attributes is the narrower
// sibling for per-element attribute changes. Streams are one-shot; a
// stopped stream never restarts.
package elemstream

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mailrig/mailrig/dom"
	"github.com/mailrig/mailrig/lifecycle"
)

// Options configures a child stream.
type Options struct {
	// Selector filters candidate children; empty admits every element.
	Selector string
	// MatchExisting emits the container's current qualifying children
	// before any mutation-driven arrivals.
	MatchExisting bool
	// Stopper, when set, stops the stream on teardown.
	Stopper *lifecycle.Stopper
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stream emits one item per qualifying child added to the container. An
// item's lifetime ends when the child is removed; it does not end when the
// stream stops (mass teardown is the pool's stopper business).
type Stream struct {
	container dom.Node
	opts      Options
	obs       dom.Observer

	events chan lifecycle.Item[dom.Node]
	errs   chan error
	done   chan struct{}
	once   sync.Once
	unhook func()
}

// Children watches container's direct child list per opts.
func Children(doc dom.Document, container dom.Node, opts Options) (*Stream, error) {
	opts.defaults()
	obs, err := doc.Observe(container, dom.ObserveOptions{ChildList: true})
	if err != nil {
		return nil, fmt.Errorf("elemstream: observe container: %w", err)
	}
	s := &Stream{
		container: container,
		opts:      opts,
		obs:       obs,
		events:    make(chan lifecycle.Item[dom.Node]),
		errs:      make(chan error, 4),
		done:      make(chan struct{}),
	}
	if opts.Stopper != nil {
		s.unhook = opts.Stopper.OnStop(s.Stop)
	}
	go s.loop()
	return s, nil
}

// Events is the item feed. It closes when the stream stops.
func (s *Stream) Events() <-chan lifecycle.Item[dom.Node] {
	return s.events
}

// Errs surfaces stream failures. It closes when the stream stops.
func (s *Stream) Errs() <-chan error {
	return s.errs
}

// Stop ends the stream: the observer is released and both channels close.
// Idempotent. Lifetimes of already-emitted items are left alone.
func (s *Stream) Stop() {
	s.once.Do(func() {
		if s.unhook != nil {
			s.unhook()
		}
		close(s.done)
		s.obs.Stop()
	})
}

func (s *Stream) loop() {
	defer close(s.errs)
	defer close(s.events)

	live := make(map[string]*lifecycle.Lifetime)

	if s.opts.MatchExisting {
		for _, c := range s.container.Children() {
			if !s.match(c) {
				continue
			}
			if !s.emit(live, c) {
				return
			}
		}
	}

	for {
		select {
		case <-s.done:
			return
		case batch, ok := <-s.obs.Records():
			if !ok {
				select {
				case <-s.done:
				default:
					s.sendErr(fmt.Errorf("elemstream: observer closed under container %s", s.container.ID()))
				}
				return
			}
			for _, m := range batch {
				switch m.Kind {
				case dom.ChildAdded:
					if m.Node == nil || !s.match(m.Node) {
						continue
					}
					if !s.emit(live, m.Node) {
						return
					}
				case dom.ChildRemoved:
					if m.Node == nil {
						continue
					}
					if lt, tracked := live[m.Node.ID()]; tracked {
						delete(live, m.Node.ID())
						lt.End()
					}
				}
			}
		}
	}
}

func (s *Stream) match(n dom.Node) bool {
	if s.opts.Selector == "" {
		return true
	}
	return n.Matches(s.opts.Selector)
}

// emit sends one item, deduplicating nodes already live in this stream.
// Returns false when the stream stopped mid-send.
func (s *Stream) emit(live map[string]*lifecycle.Lifetime, n dom.Node) bool {
	id := n.ID()
	if _, dup := live[id]; dup {
		s.opts.Logger.Debug("elemstream: duplicate arrival skipped", "node", id)
		return true
	}
	lt := lifecycle.NewLifetime()
	live[id] = lt
	select {
	case s.events <- lifecycle.Item[dom.Node]{Value: n, Lifetime: lt}:
		return true
	case <-s.done:
		return false
	}
}

func (s *Stream) sendErr(err error) {
	select {
	case s.errs <- err:
	default:
		s.opts.Logger.Warn("elemstream: error dropped, no reader", "err", err)
	}
}
