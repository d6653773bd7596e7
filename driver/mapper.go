package driver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mailrig/mailrig/dom"
	"github.com/mailrig/mailrig/elempool"
	"github.com/mailrig/mailrig/elemstream"
	"github.com/mailrig/mailrig/lifecycle"
	"github.com/mailrig/mailrig/views"
	"github.com/mailrig/mailrig/waitfor"
)

// kindMapper turns one kind's element stream into pool entries: construct
// the view on arrival so disposal tracking starts immediately, probe its
// readiness under a bounded poll, then surface it.
type kindMapper[V views.View] struct {
	d     *Driver
	kind  views.Kind
	sel   views.Selectors
	pool  *elempool.Pool[V]
	build func(id string, el dom.Node, lt *lifecycle.Lifetime, sel views.Selectors) V

	// parent, when set, destroys every view of this mapper when it ends.
	// Message views end with their thread, attachment views with their
	// message.
	parent *lifecycle.Lifetime

	// after runs once per view that reached the pool.
	after func(V)
}

// watch attaches the mapper to a container's child stream.
func (m *kindMapper[V]) watch(container dom.Node) error {
	stream, err := elemstream.Children(m.d.cfg.Doc, container, elemstream.Options{
		Selector:      m.sel.Item,
		MatchExisting: true,
		Stopper:       m.d.stopper,
		Logger:        m.d.cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("driver: watch %s container: %w", m.kind, err)
	}
	if m.parent != nil {
		m.parent.OnEnd(stream.Stop)
	}
	m.consume(stream)
	return nil
}

func (m *kindMapper[V]) consume(stream *elemstream.Stream) {
	m.d.stopper.Go(func() error {
		for item := range stream.Events() {
			m.arrived(item)
		}
		return nil
	})
	m.d.stopper.Go(func() error {
		for err := range stream.Errs() {
			m.d.pushErr(PipelineError{Stage: StageStream, Kind: m.kind, Err: err})
		}
		return nil
	})
}

func (m *kindMapper[V]) arrived(item lifecycle.Item[dom.Node]) {
	d := m.d
	v := m.build(d.cfg.IDs(), item.Value, item.Lifetime, m.sel)
	d.cfg.Logger.Debug("driver: view arrived", "kind", m.kind.String(), "view", v.ID())
	d.emitView(ActionArrived, m.kind, v.ID())
	v.Lifetime().OnEnd(func() { d.emitView(ActionGone, m.kind, v.ID()) })
	if m.parent != nil {
		cancel := m.parent.OnEnd(v.Destroy)
		v.Lifetime().OnEnd(cancel)
	}
	d.stopper.Go(func() error {
		m.probe(v)
		return nil
	})
}

func (m *kindMapper[V]) probe(v V) {
	d := m.d
	err := waitfor.WaitFor(d.ctx, v.Probe, waitfor.Options{
		Timeout: d.cfg.ProbeTimeout,
		Clock:   d.cfg.Clock,
	})
	switch {
	case err == nil:
		v.ResolveReady(nil)
		d.emitView(ActionReady, m.kind, v.ID())
		m.pool.Add(lifecycle.Item[V]{Value: v, Lifetime: v.Lifetime()})
		if m.after != nil {
			m.after(v)
		}

	case errors.Is(err, context.Canceled):
		// Driver destroyed mid-probe.
		v.Destroy()

	case errors.Is(err, views.ErrViewDestroyed):
		// The element left the page before the markup settled.
		d.cfg.Logger.Debug("driver: view vanished during readiness probe",
			"kind", m.kind.String(), "view", v.ID())

	case errors.Is(err, waitfor.ErrTimeout):
		snap := d.structSnapshot(m.sel.Ready)
		perr := &ProbeError{Kind: m.kind, Err: err, Snapshot: snap}
		d.pushErr(PipelineError{Stage: StageProbe, Kind: m.kind, Err: perr})
		d.scheduleRecapture(m.kind, m.sel.Ready, snap)
		v.ResolveReady(perr)
		v.Destroy()

	default:
		d.pushErr(PipelineError{Stage: StageProbe, Kind: m.kind, Err: err})
		v.ResolveReady(err)
		v.Destroy()
	}
}

// structSnapshot captures the structural counts diagnostics lean on when a
// probe fails: a markup change shows up as the ready selector matching
// nowhere while the element total stays plausible.
func (d *Driver) structSnapshot(selector string) StructSnapshot {
	s := StructSnapshot{At: d.cfg.Clock.Now(), Selector: selector}
	root := d.cfg.Doc.Root()
	if root == nil {
		return s
	}
	s.Total = len(root.QueryAll("*")) + 1
	if selector != "" {
		s.Matches = len(root.QueryAll(selector))
	}
	sum := sha256.Sum256([]byte(root.HTML()))
	s.Hash = hex.EncodeToString(sum[:])
	return s
}

// scheduleRecapture takes a second snapshot after the recapture delay to
// tell a transient render glitch from a real markup change.
func (d *Driver) scheduleRecapture(kind views.Kind, selector string, first StructSnapshot) {
	d.stopper.Go(func() error {
		select {
		case <-d.cfg.Clock.After(d.cfg.RecaptureDelay):
		case <-d.stopper.Stopping():
			return nil
		}
		second := d.structSnapshot(selector)
		if second.Matches > 0 {
			d.cfg.Logger.Info("driver: markup self-corrected after failed probe",
				"kind", kind.String(), "selector", selector, "matches", second.Matches)
			return nil
		}
		if second.Hash == first.Hash {
			d.cfg.Logger.Warn("driver: markup unchanged since failed probe",
				"kind", kind.String(), "selector", selector)
		}
		d.pushErr(PipelineError{Stage: StageRecapture, Kind: kind, Err: &ProbeError{
			Kind:     kind,
			Err:      fmt.Errorf("selector %q still unmatched after %s", selector, d.cfg.RecaptureDelay),
			Snapshot: second,
		}})
		return nil
	})
}
