package views

import (
	"github.com/mailrig/mailrig/dom"
	"github.com/mailrig/mailrig/lifecycle"
)

// AttachmentCardView wraps one attachment tile under a message.
type AttachmentCardView struct {
	viewBase
}

func NewAttachmentCardView(id string, el dom.Node, elementLt *lifecycle.Lifetime, sel Selectors) *AttachmentCardView {
	v := &AttachmentCardView{}
	v.init(KindAttachmentCard, id, el, elementLt, sel)
	return v
}

func (v *AttachmentCardView) Title() string {
	return queryText(v.el, v.sel.Title)
}

// MimeHint is the host page's declared type for the attachment, empty when
// the card carries none. It is a hint, not a verified content type.
func (v *AttachmentCardView) MimeHint() string {
	hint, _ := v.el.Attr(v.sel.MimeAttr)
	return hint
}

func (v *AttachmentCardView) DownloadURL() (string, bool) {
	if v.sel.Download == "" {
		return "", false
	}
	n, ok := v.el.Query(v.sel.Download)
	if !ok {
		return "", false
	}
	href, ok := n.Attr("href")
	if !ok || href == "" {
		return "", false
	}
	return href, true
}
