package views

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mailrig/mailrig/dom"
	"github.com/mailrig/mailrig/lifecycle"
	"github.com/mailrig/mailrig/memdom"
)

const composePage = `<html><head></head><body>
<div class="compose" data-inline="false">
<div class="recipients">
<span class="chip" email="ada@example.com">Ada Lovelace</span>
<span class="chip" email="alan@example.com">Alan Turing</span>
</div>
<input class="subject-input" value="Lunch thursday">
<div class="editor"><p>Hi <strong>there</strong></p><script>alert(1)</script></div>
</div>
</body></html>`

var composeSelectors = Selectors{
	Ready:      ".editor",
	Subject:    ".subject-input",
	Body:       ".editor",
	Recipients: ".chip",
	Inline:     `[data-inline="true"]`,
}

func element(t *testing.T, page, selector string) (dom.Document, dom.Node) {
	t.Helper()
	d, err := memdom.ParseString(page)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	el, ok := d.Root().Query(selector)
	if !ok {
		t.Fatalf("no element for %q", selector)
	}
	return d, el
}

func TestComposeAccessors(t *testing.T) {
	_, el := element(t, composePage, ".compose")
	v := NewComposeView("view_1", el, nil, composeSelectors)

	if got, want := v.Kind(), KindCompose; got != want {
		t.Errorf("Kind() = %v, want %v", got, want)
	}
	if got, want := v.ID(), "view_1"; got != want {
		t.Errorf("ID() = %q, want %q", got, want)
	}

	recips := v.Recipients()
	if len(recips) != 2 {
		t.Fatalf("Recipients() = %d contacts, want 2", len(recips))
	}
	if recips[0] != (Contact{Name: "Ada Lovelace", Email: "ada@example.com"}) {
		t.Errorf("recipient[0] = %+v", recips[0])
	}
	if recips[1].Email != "alan@example.com" {
		t.Errorf("recipient[1] = %+v", recips[1])
	}

	if got, want := v.Subject(), "Lunch thursday"; got != want {
		t.Errorf("Subject() = %q, want %q", got, want)
	}
	if v.IsInline() {
		t.Error("IsInline() = true for a standalone composer")
	}
}

func TestComposeBodySanitized(t *testing.T) {
	_, el := element(t, composePage, ".compose")
	v := NewComposeView("view_1", el, nil, composeSelectors)

	html := v.BodyHTML()
	if strings.Contains(html, "script") || strings.Contains(html, "alert") {
		t.Errorf("BodyHTML() leaked script content: %q", html)
	}
	if !strings.Contains(html, "<strong>there</strong>") {
		t.Errorf("BodyHTML() lost allowed markup: %q", html)
	}

	if got, want := v.BodyText(), "Hi there"; !strings.Contains(got, "Hi") || !strings.Contains(got, "there") {
		t.Errorf("BodyText() = %q, want it to contain %q", got, want)
	}

	md, err := v.BodyMarkdown()
	if err != nil {
		t.Fatalf("BodyMarkdown: %v", err)
	}
	if got, want := md, "Hi **there**"; got != want {
		t.Errorf("BodyMarkdown() = %q, want %q", got, want)
	}
}

func TestComposeInline(t *testing.T) {
	page := strings.Replace(composePage, `data-inline="false"`, `data-inline="true"`, 1)
	_, el := element(t, page, ".compose")
	v := NewComposeView("view_1", el, nil, composeSelectors)
	if !v.IsInline() {
		t.Error("IsInline() = false for an inline reply editor")
	}
}

func TestThreadRowAccessors(t *testing.T) {
	page := `<html><body><div class="row unread" data-thread-id="t42"><span class="subject">Quarterly numbers</span></div></body></html>`
	_, el := element(t, page, ".row")
	v := NewThreadRowView("view_2", el, nil, Selectors{Subject: ".subject", Unread: ".unread"})

	if got, want := v.Subject(), "Quarterly numbers"; got != want {
		t.Errorf("Subject() = %q, want %q", got, want)
	}
	if !v.IsUnread() {
		t.Error("IsUnread() = false for an unread row")
	}
	id, ok := v.ThreadID()
	if !ok || id != "t42" {
		t.Errorf("ThreadID() = %q, %v, want t42", id, ok)
	}
}

func TestMessageAccessors(t *testing.T) {
	page := `<html><body><div class="message">
<span class="sender" email="grace@example.com">Grace Hopper</span>
<div class="message-body loaded"><p>Report attached.</p></div>
</div></body></html>`
	_, el := element(t, page, ".message")
	v := NewMessageView("view_3", el, nil, Selectors{
		Sender: ".sender",
		Body:   ".message-body",
		Loaded: ".message-body.loaded",
	})

	sender, ok := v.Sender()
	if !ok {
		t.Fatal("Sender() not found")
	}
	if sender.Name != "Grace Hopper" || sender.Email != "grace@example.com" {
		t.Errorf("Sender() = %+v", sender)
	}
	if !v.IsLoaded() {
		t.Error("IsLoaded() = false for a hydrated message")
	}
	if got := v.BodyText(); got != "Report attached." {
		t.Errorf("BodyText() = %q", got)
	}
}

func TestMessageNotLoaded(t *testing.T) {
	page := `<html><body><div class="message"><div class="message-body"></div></div></body></html>`
	_, el := element(t, page, ".message")
	v := NewMessageView("view_3", el, nil, Selectors{Loaded: ".message-body.loaded"})
	if v.IsLoaded() {
		t.Error("IsLoaded() = true for a pending message")
	}
}

func TestAttachmentCardAccessors(t *testing.T) {
	page := `<html><body><div class="card" data-mime="application/pdf">
<span class="title">report.pdf</span>
<a class="dl" href="https://mail.example.test/dl/77">Download</a>
</div></body></html>`
	_, el := element(t, page, ".card")
	v := NewAttachmentCardView("view_4", el, nil, Selectors{Title: ".title", Download: ".dl"})

	if got, want := v.Title(), "report.pdf"; got != want {
		t.Errorf("Title() = %q, want %q", got, want)
	}
	if got, want := v.MimeHint(), "application/pdf"; got != want {
		t.Errorf("MimeHint() = %q, want %q", got, want)
	}
	url, ok := v.DownloadURL()
	if !ok || url != "https://mail.example.test/dl/77" {
		t.Errorf("DownloadURL() = %q, %v", url, ok)
	}
}

func TestProbeTracksMarkup(t *testing.T) {
	page := `<html><body><div class="compose"></div></body></html>`
	d, el := element(t, page, ".compose")
	v := NewComposeView("view_5", el, nil, composeSelectors)

	if ok, err := v.Probe(); ok || err != nil {
		t.Fatalf("Probe() = %v, %v before the editor exists", ok, err)
	}

	md := d.(*memdom.Document)
	if _, err := md.AppendChildHTML(el, `<div class="editor"></div>`); err != nil {
		t.Fatal(err)
	}
	if ok, err := v.Probe(); !ok || err != nil {
		t.Errorf("Probe() = %v, %v after the editor appeared", ok, err)
	}
}

func TestReadyResolvesOnce(t *testing.T) {
	_, el := element(t, composePage, ".compose")
	v := NewComposeView("view_6", el, nil, composeSelectors)

	if !v.ResolveReady(nil) {
		t.Fatal("first ResolveReady returned false")
	}
	if v.ResolveReady(errors.New("late")) {
		t.Error("second ResolveReady returned true")
	}

	select {
	case <-v.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("Ready() did not close")
	}
	if err := v.ReadyErr(); err != nil {
		t.Errorf("ReadyErr() = %v, want nil", err)
	}
}

func TestDestroyFailsReadyWaiters(t *testing.T) {
	_, el := element(t, composePage, ".compose")
	v := NewComposeView("view_7", el, nil, composeSelectors)

	v.Destroy()
	v.Destroy()

	select {
	case <-v.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("Ready() did not close on Destroy")
	}
	if err := v.ReadyErr(); !errors.Is(err, ErrViewDestroyed) {
		t.Errorf("ReadyErr() = %v, want ErrViewDestroyed", err)
	}
	if !v.Lifetime().IsEnded() {
		t.Error("lifetime still live after Destroy")
	}
	if ok, err := v.Probe(); ok || !errors.Is(err, ErrViewDestroyed) {
		t.Errorf("Probe() after Destroy = %v, %v", ok, err)
	}
}

func TestElementRemovalDestroysView(t *testing.T) {
	_, el := element(t, composePage, ".compose")
	elementLt := lifecycle.NewLifetime()
	v := NewComposeView("view_8", el, elementLt, composeSelectors)

	elementLt.End()

	if !v.Lifetime().IsEnded() {
		t.Error("view lifetime still live after element lifetime ended")
	}
	if err := v.ReadyErr(); !errors.Is(err, ErrViewDestroyed) {
		t.Errorf("ReadyErr() = %v, want ErrViewDestroyed", err)
	}
}

func TestDestroyAfterReadyKeepsResolution(t *testing.T) {
	_, el := element(t, composePage, ".compose")
	v := NewComposeView("view_9", el, nil, composeSelectors)

	v.ResolveReady(nil)
	v.Destroy()

	if err := v.ReadyErr(); err != nil {
		t.Errorf("ReadyErr() = %v, want nil (resolution is one-shot)", err)
	}
	if !v.Lifetime().IsEnded() {
		t.Error("lifetime still live after Destroy")
	}
}
