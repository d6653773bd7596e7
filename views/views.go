// Package views wraps raw DOM elements in typed accessors for the webmail
// surfaces the pipeline tracks: compose windows, thread-list rows, open
// threads, messages, attachment cards.
//
// A view is constructed the moment its element arrives, before it is usable:
// disposal tracking must begin immediately, readiness comes later. The
// driver probes the view until its markup settles, then resolves Ready;
// feature code holds the view, waits on Ready, and reads through the
// accessors. Every accessor answers from the element's current state and
// keeps answering harmlessly after the element is gone.
//
// Markup details live in a Selectors value supplied by the anchors
// collaborator, so host-page changes stay out of this package.
package views

import (
	"errors"
	"strings"
	"sync"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"

	"github.com/mailrig/mailrig/dom"
	"github.com/mailrig/mailrig/lifecycle"
)

// ErrViewDestroyed resolves the ready latch of a view destroyed before its
// probe succeeded.
var ErrViewDestroyed = errors.New("views: view destroyed")

// Kind identifies a view type.
type Kind int

const (
	KindCompose Kind = iota + 1
	KindThreadRow
	KindThread
	KindMessage
	KindAttachmentCard
)

func (k Kind) String() string {
	switch k {
	case KindCompose:
		return "compose"
	case KindThreadRow:
		return "thread_row"
	case KindThread:
		return "thread"
	case KindMessage:
		return "message"
	case KindAttachmentCard:
		return "attachment_card"
	}
	return "unknown"
}

// Contact is a scraped name/address pair.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Selectors carries the markup knowledge for one view kind. Selectors are
// evaluated inside the view's element; attr fields name attributes read off
// the matched node. Empty fields disable the accessor they serve.
type Selectors struct {
	// Item qualifies container children: an arriving child becomes a view
	// of this kind only if it matches. Empty accepts every element child.
	Item string `yaml:"item"`

	// Ready gates the readiness probe: the view is ready once a descendant
	// matches. Empty means ready on arrival.
	Ready string `yaml:"ready"`

	Subject    string `yaml:"subject"`
	Body       string `yaml:"body"`
	Recipients string `yaml:"recipients"`
	Sender     string `yaml:"sender"`
	Title      string `yaml:"title"`
	Download   string `yaml:"download"`
	Loaded     string `yaml:"loaded"`
	Inline     string `yaml:"inline"`
	Unread     string `yaml:"unread"`

	ThreadIDAttr string `yaml:"thread_id_attr"`
	EmailAttr    string `yaml:"email_attr"`
	MimeAttr     string `yaml:"mime_attr"`
}

func (s *Selectors) defaults() {
	if s.ThreadIDAttr == "" {
		s.ThreadIDAttr = "data-thread-id"
	}
	if s.EmailAttr == "" {
		s.EmailAttr = "email"
	}
	if s.MimeAttr == "" {
		s.MimeAttr = "data-mime"
	}
}

// View is the driver-facing surface every concrete view implements.
type View interface {
	Kind() Kind
	ID() string
	Element() dom.Node

	// Lifetime is the view's disposal signal: it ends when the element
	// leaves the DOM or when Destroy is called, whichever comes first.
	Lifetime() *lifecycle.Lifetime

	// Ready closes once the readiness probe settled, successfully or not;
	// ReadyErr then reports which. Resolution happens at most once.
	Ready() <-chan struct{}
	ReadyErr() error

	// Probe reports whether the view's markup has settled. The driver polls
	// it; feature code never needs to.
	Probe() (bool, error)

	// ResolveReady settles the ready latch. It reports whether this call
	// was the resolving one.
	ResolveReady(err error) bool

	// Destroy abandons the view: the lifetime ends and unresolved ready
	// waiters fail with ErrViewDestroyed. Idempotent.
	Destroy()
}

var (
	bodyPolicy = bluemonday.UGCPolicy()
	markdown   = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
)

type viewBase struct {
	kind Kind
	id   string
	el   dom.Node
	sel  Selectors

	lt      *lifecycle.Lifetime
	ready   *lifecycle.Latch
	destroy sync.Once
	unhook  func()
}

func (b *viewBase) init(kind Kind, id string, el dom.Node, elementLt *lifecycle.Lifetime, sel Selectors) {
	sel.defaults()
	b.kind = kind
	b.id = id
	b.el = el
	b.sel = sel
	b.lt = lifecycle.NewLifetime()
	b.ready = lifecycle.NewLatch()
	if elementLt != nil {
		b.unhook = elementLt.OnEnd(b.Destroy)
	}
}

func (b *viewBase) Kind() Kind                    { return b.kind }
func (b *viewBase) ID() string                    { return b.id }
func (b *viewBase) Element() dom.Node             { return b.el }
func (b *viewBase) Lifetime() *lifecycle.Lifetime { return b.lt }
func (b *viewBase) Ready() <-chan struct{}        { return b.ready.Done() }
func (b *viewBase) ReadyErr() error               { return b.ready.Err() }
func (b *viewBase) ResolveReady(err error) bool   { return b.ready.Resolve(err) }

func (b *viewBase) Probe() (bool, error) {
	if b.lt.IsEnded() {
		return false, ErrViewDestroyed
	}
	if b.sel.Ready == "" {
		return true, nil
	}
	_, ok := b.el.Query(b.sel.Ready)
	return ok, nil
}

func (b *viewBase) Destroy() {
	b.destroy.Do(func() {
		if b.unhook != nil {
			b.unhook()
		}
		b.ready.Resolve(ErrViewDestroyed)
		b.lt.End()
	})
}

// queryText resolves selector under el and returns the match's trimmed
// text, reading an input's value attribute instead of its content.
func queryText(el dom.Node, selector string) string {
	if selector == "" {
		return ""
	}
	n, ok := el.Query(selector)
	if !ok {
		return ""
	}
	if n.Tag() == "input" || n.Tag() == "textarea" {
		if v, ok := n.Attr("value"); ok {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSpace(n.Text())
}

func contactFrom(n dom.Node, emailAttr string) Contact {
	email, _ := n.Attr(emailAttr)
	return Contact{
		Name:  strings.TrimSpace(n.Text()),
		Email: strings.TrimSpace(email),
	}
}

// sanitizedBody returns the body node's inner HTML through the UGC policy.
func sanitizedBody(el dom.Node, selector string) string {
	if selector == "" {
		return ""
	}
	n, ok := el.Query(selector)
	if !ok {
		return ""
	}
	return strings.TrimSpace(bodyPolicy.Sanitize(n.InnerHTML()))
}

func bodyText(el dom.Node, selector string) string {
	if selector == "" {
		return ""
	}
	n, ok := el.Query(selector)
	if !ok {
		return ""
	}
	return strings.TrimSpace(n.Text())
}

func bodyMarkdown(el dom.Node, selector string) (string, error) {
	if selector == "" {
		return "", nil
	}
	n, ok := el.Query(selector)
	if !ok {
		return "", nil
	}
	out, err := markdown.ConvertString(bodyPolicy.Sanitize(n.InnerHTML()))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
