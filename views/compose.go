package views

import (
	"github.com/mailrig/mailrig/dom"
	"github.com/mailrig/mailrig/lifecycle"
)

// ComposeView wraps one compose window. The same type serves full-screen
// compose, popped-out windows and inline reply editors; IsInline
// distinguishes the latter.
type ComposeView struct {
	viewBase
}

// NewComposeView wraps el. elementLt is the arrival item's lifetime; it may
// be nil for views built outside a stream (tests, replay).
func NewComposeView(id string, el dom.Node, elementLt *lifecycle.Lifetime, sel Selectors) *ComposeView {
	v := &ComposeView{}
	v.init(KindCompose, id, el, elementLt, sel)
	return v
}

// Recipients scrapes the current recipient chips.
func (v *ComposeView) Recipients() []Contact {
	if v.sel.Recipients == "" {
		return nil
	}
	chips := v.el.QueryAll(v.sel.Recipients)
	out := make([]Contact, 0, len(chips))
	for _, chip := range chips {
		out = append(out, contactFrom(chip, v.sel.EmailAttr))
	}
	return out
}

func (v *ComposeView) Subject() string {
	return queryText(v.el, v.sel.Subject)
}

// BodyHTML returns the draft body as sanitized HTML. The host page's markup
// is untrusted; everything crossing this boundary goes through the UGC
// policy.
func (v *ComposeView) BodyHTML() string {
	return sanitizedBody(v.el, v.sel.Body)
}

func (v *ComposeView) BodyText() string {
	return bodyText(v.el, v.sel.Body)
}

func (v *ComposeView) BodyMarkdown() (string, error) {
	return bodyMarkdown(v.el, v.sel.Body)
}

// IsInline reports whether this composer is an inline reply editor rather
// than a standalone window.
func (v *ComposeView) IsInline() bool {
	if v.sel.Inline == "" {
		return false
	}
	return v.el.Matches(v.sel.Inline)
}
