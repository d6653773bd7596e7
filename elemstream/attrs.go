package elemstream

import (
	"fmt"
	"sync"

	"github.com/mailrig/mailrig/dom"
	"github.com/mailrig/mailrig/lifecycle"
)

// AttrChange is one observed attribute transition on a watched element.
type AttrChange struct {
	Node     dom.Node
	Name     string
	Value    string
	OldValue string
}

// AttrStream emits attribute changes for a single element.
type AttrStream struct {
	obs    dom.Observer
	events chan AttrChange
	done   chan struct{}
	once   sync.Once
	unhook func()
}

// Attributes watches the named attributes on node. An empty names list
// watches every attribute.
func Attributes(doc dom.Document, node dom.Node, names []string, stop *lifecycle.Stopper) (*AttrStream, error) {
	obs, err := doc.Observe(node, dom.ObserveOptions{Attributes: true, AttributeFilter: names})
	if err != nil {
		return nil, fmt.Errorf("elemstream: observe attributes: %w", err)
	}
	s := &AttrStream{
		obs:    obs,
		events: make(chan AttrChange),
		done:   make(chan struct{}),
	}
	if stop != nil {
		s.unhook = stop.OnStop(s.Stop)
	}
	go s.loop()
	return s, nil
}

// Events is the change feed. It closes when the stream stops.
func (s *AttrStream) Events() <-chan AttrChange {
	return s.events
}

// Stop ends the stream. Idempotent.
func (s *AttrStream) Stop() {
	s.once.Do(func() {
		if s.unhook != nil {
			s.unhook()
		}
		close(s.done)
		s.obs.Stop()
	})
}

func (s *AttrStream) loop() {
	defer close(s.events)
	for {
		select {
		case <-s.done:
			return
		case batch, ok := <-s.obs.Records():
			if !ok {
				return
			}
			for _, m := range batch {
				if m.Kind != dom.AttrChanged {
					continue
				}
				change := AttrChange{Node: m.Target, Name: m.Name, Value: m.Value, OldValue: m.OldValue}
				select {
				case s.events <- change:
				case <-s.done:
					return
				}
			}
		}
	}
}
