package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"

	"github.com/mailrig/mailrig/dom"
	"github.com/mailrig/mailrig/views"
	"github.com/mailrig/mailrig/waitfor"
)

// ErrAnchorDisabled reports a container anchor with no configured selector.
// The driver skips that kind's stream and leaves its pool empty.
var ErrAnchorDisabled = errors.New("driver: anchor not configured")

// Anchors is the markup-knowledge collaborator: it resolves the container
// elements the pipeline watches and hands out per-kind view selectors. The
// SDK ships StaticAnchors; hosts with more dynamic markup implement their
// own.
type Anchors interface {
	ThreadRowContainer() (dom.Node, error)
	ThreadContainer() (dom.Node, error)
	ComposeContainer() (dom.Node, error)

	// MessageContainer resolves where a thread's messages arrive, scoped
	// to that thread's element.
	MessageContainer(thread dom.Node) (dom.Node, error)

	// AttachmentContainer resolves where a message's attachment cards
	// arrive, scoped to that message's element.
	AttachmentContainer(message dom.Node) (dom.Node, error)

	ViewSelectors(kind views.Kind) views.Selectors
}

// StaticConfig maps the container anchors to fixed CSS selectors. An empty
// root-container selector disables that kind; empty message/attachment
// selectors anchor at the parent element itself.
type StaticConfig struct {
	ThreadRows  string `yaml:"thread_rows"`
	Threads     string `yaml:"threads"`
	Compose     string `yaml:"compose"`
	Messages    string `yaml:"messages"`
	Attachments string `yaml:"attachments"`

	// Views carries per-kind selectors, keyed by the kind name
	// ("thread_row", "thread", "message", "compose", "attachment_card").
	Views map[string]views.Selectors `yaml:"views"`

	// ResolveTimeout bounds each container lookup. Defaults to 30s.
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
}

// StaticAnchors resolves containers by polling fixed selectors against the
// document, tolerating markup that renders after the pipeline starts.
type StaticAnchors struct {
	doc dom.Document
	cfg StaticConfig
	clk clock.Clock
}

func NewStaticAnchors(doc dom.Document, cfg StaticConfig, clk clock.Clock) *StaticAnchors {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &StaticAnchors{doc: doc, cfg: cfg, clk: clk}
}

func (a *StaticAnchors) ThreadRowContainer() (dom.Node, error) {
	return a.resolve(a.cfg.ThreadRows, a.doc.Root())
}

func (a *StaticAnchors) ThreadContainer() (dom.Node, error) {
	return a.resolve(a.cfg.Threads, a.doc.Root())
}

func (a *StaticAnchors) ComposeContainer() (dom.Node, error) {
	return a.resolve(a.cfg.Compose, a.doc.Root())
}

func (a *StaticAnchors) MessageContainer(thread dom.Node) (dom.Node, error) {
	if a.cfg.Messages == "" {
		return thread, nil
	}
	return a.resolve(a.cfg.Messages, thread)
}

func (a *StaticAnchors) AttachmentContainer(message dom.Node) (dom.Node, error) {
	if a.cfg.Attachments == "" {
		return message, nil
	}
	return a.resolve(a.cfg.Attachments, message)
}

func (a *StaticAnchors) ViewSelectors(kind views.Kind) views.Selectors {
	return a.cfg.Views[kind.String()]
}

func (a *StaticAnchors) resolve(selector string, scope dom.Node) (dom.Node, error) {
	if selector == "" {
		return nil, ErrAnchorDisabled
	}
	if scope == nil {
		return nil, fmt.Errorf("driver: no scope to resolve %q under", selector)
	}
	n, err := waitfor.WaitForValue(context.Background(), func() (dom.Node, bool, error) {
		n, ok := scope.Query(selector)
		return n, ok, nil
	}, waitfor.Options{Timeout: a.cfg.ResolveTimeout, Clock: a.clk})
	if err != nil {
		return nil, fmt.Errorf("driver: container %q: %w", selector, err)
	}
	return n, nil
}

var _ Anchors = (*StaticAnchors)(nil)
