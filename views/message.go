package views

import (
	"github.com/mailrig/mailrig/dom"
	"github.com/mailrig/mailrig/lifecycle"
)

// MessageView wraps one message card inside an open thread.
type MessageView struct {
	viewBase
}

func NewMessageView(id string, el dom.Node, elementLt *lifecycle.Lifetime, sel Selectors) *MessageView {
	v := &MessageView{}
	v.init(KindMessage, id, el, elementLt, sel)
	return v
}

// Sender returns the scraped sender contact, when the message exposes one.
func (v *MessageView) Sender() (Contact, bool) {
	if v.sel.Sender == "" {
		return Contact{}, false
	}
	n, ok := v.el.Query(v.sel.Sender)
	if !ok {
		return Contact{}, false
	}
	return contactFrom(n, v.sel.EmailAttr), true
}

// BodyHTML returns the message body as sanitized HTML; see
// ComposeView.BodyHTML for the trust boundary.
func (v *MessageView) BodyHTML() string {
	return sanitizedBody(v.el, v.sel.Body)
}

func (v *MessageView) BodyText() string {
	return bodyText(v.el, v.sel.Body)
}

func (v *MessageView) BodyMarkdown() (string, error) {
	return bodyMarkdown(v.el, v.sel.Body)
}

// IsLoaded reports whether the message content finished hydrating.
// Collapsed or still-loading messages keep a view, but their bodies read
// empty until the host fills them in.
func (v *MessageView) IsLoaded() bool {
	if v.sel.Loaded == "" {
		return true
	}
	_, ok := v.el.Query(v.sel.Loaded)
	return ok
}
