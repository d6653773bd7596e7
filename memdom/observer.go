package memdom

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mailrig/mailrig/dom"
)

var _ dom.Observer = (*observer)(nil)

const observerBuffer = 16

type observer struct {
	doc    *Document
	target *Node
	opts   dom.ObserveOptions
	ch     chan []dom.Mutation
	done   chan struct{}
	stop   sync.Once
}

// Observe implements dom.Document. The observer sees mutations buffered
// after this call; anything already pending is not replayed.
func (d *Document) Observe(target dom.Node, opts dom.ObserveOptions) (dom.Observer, error) {
	t, err := d.asNode(target)
	if err != nil {
		return nil, err
	}
	if !opts.ChildList && !opts.Attributes && !opts.CharacterData && len(opts.AttributeFilter) == 0 {
		return nil, fmt.Errorf("memdom: observe with no mutation kinds selected")
	}
	o := &observer{
		doc:    d,
		target: t,
		opts:   opts,
		ch:     make(chan []dom.Mutation, observerBuffer),
		done:   make(chan struct{}),
	}
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
	return o, nil
}

func (o *observer) Records() <-chan []dom.Mutation {
	return o.ch
}

func (o *observer) Stop() {
	o.stop.Do(func() {
		close(o.done)
		d := o.doc
		d.mu.Lock()
		for i, reg := range d.observers {
			if reg == o {
				d.observers = append(d.observers[:i], d.observers[i+1:]...)
				break
			}
		}
		d.mu.Unlock()
		// Waits out any in-flight Flush; after that every deliver drops on
		// the done guard, so closing the records channel is safe.
		d.flushMu.Lock()
		close(o.ch)
		d.flushMu.Unlock()
	})
}

// deliver hands a batch to the subscriber, dropping it once the observer is
// stopped. Called only under the document's flush lock.
func (o *observer) deliver(batch []dom.Mutation) {
	select {
	case <-o.done:
		return
	default:
	}
	select {
	case o.ch <- batch:
	case <-o.done:
	}
}

// wants reports whether this observer's registration covers m, evaluated
// against the tree as it stands when the mutation is queued.
func (o *observer) wants(m dom.Mutation) bool {
	t, ok := m.Target.(*Node)
	if !ok {
		return false
	}
	if t != o.target {
		if !o.opts.Subtree || !ancestorOrSelf(o.target.n, t.n) {
			return false
		}
	}
	switch m.Kind {
	case dom.ChildAdded, dom.ChildRemoved:
		return o.opts.ChildList
	case dom.AttrChanged:
		if len(o.opts.AttributeFilter) > 0 {
			return slices.Contains(o.opts.AttributeFilter, m.Name)
		}
		return o.opts.Attributes
	case dom.TextChanged:
		return o.opts.CharacterData
	}
	return false
}
