package views

import (
	"github.com/mailrig/mailrig/dom"
	"github.com/mailrig/mailrig/lifecycle"
)

// ThreadRowView wraps one row in the thread list.
type ThreadRowView struct {
	viewBase
}

func NewThreadRowView(id string, el dom.Node, elementLt *lifecycle.Lifetime, sel Selectors) *ThreadRowView {
	v := &ThreadRowView{}
	v.init(KindThreadRow, id, el, elementLt, sel)
	return v
}

func (v *ThreadRowView) Subject() string {
	return queryText(v.el, v.sel.Subject)
}

func (v *ThreadRowView) IsUnread() bool {
	if v.sel.Unread == "" {
		return false
	}
	return v.el.Matches(v.sel.Unread)
}

// ThreadID returns the host page's thread identifier, when the row exposes
// one.
func (v *ThreadRowView) ThreadID() (string, bool) {
	return v.el.Attr(v.sel.ThreadIDAttr)
}

// ThreadView wraps an opened conversation.
type ThreadView struct {
	viewBase
}

func NewThreadView(id string, el dom.Node, elementLt *lifecycle.Lifetime, sel Selectors) *ThreadView {
	v := &ThreadView{}
	v.init(KindThread, id, el, elementLt, sel)
	return v
}

func (v *ThreadView) Subject() string {
	return queryText(v.el, v.sel.Subject)
}

func (v *ThreadView) ThreadID() (string, bool) {
	return v.el.Attr(v.sel.ThreadIDAttr)
}
