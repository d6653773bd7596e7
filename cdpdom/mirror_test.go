package cdpdom

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mailrig/mailrig/dom"
	"github.com/mailrig/mailrig/memdom"
)

const testWait = 2 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const mirrorPage = `<!DOCTYPE html>
<html lang="en">
<head><title>Inbox</title></head>
<body class="app">
<div id="main">
<div id="rows">
<div class="row" data-thread-id="t1"><span class="subject">Alpha</span></div>
<div class="row" data-thread-id="t2"><span class="subject">Beta</span></div>
</div>
</div>
</body>
</html>`

// Element-child paths from the document element into mirrorPage.
var (
	rowsPath  = []int{1, 0, 0}
	row1Path  = []int{1, 0, 0, 0}
	row2Path  = []int{1, 0, 0, 1}
	subj1Path = []int{1, 0, 0, 0, 0}
)

func newTestMirror(t *testing.T, snapshot func(context.Context) (string, error)) *mirror {
	t.Helper()
	doc, err := memdom.ParseString(mirrorPage)
	if err != nil {
		t.Fatalf("parse page: %v", err)
	}
	if snapshot == nil {
		snapshot = func(context.Context) (string, error) {
			return "", errors.New("snapshot not expected in this test")
		}
	}
	return &mirror{doc: doc, snapshot: snapshot, logger: quietLogger()}
}

func wantRows(t *testing.T, doc *memdom.Document, want ...string) {
	t.Helper()
	rows, ok := doc.Root().Query("#rows")
	if !ok {
		t.Fatal("document has no #rows")
	}
	var got []string
	for _, c := range rows.Children() {
		id, _ := c.Attr("data-thread-id")
		got = append(got, id)
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("rows = %v, want %v", got, want)
	}
}

func TestMirrorInsertAtIndex(t *testing.T) {
	m := newTestMirror(t, nil)

	m.apply(context.Background(), []pageRecord{{
		Op:    "insert",
		Path:  rowsPath,
		Tag:   "div",
		Index: 1,
		HTML:  `<div class="row" data-thread-id="t1b"><span class="subject">Middle</span></div>`,
	}})

	wantRows(t, m.doc, "t1", "t1b", "t2")
}

func TestMirrorRemoveChecksChildTag(t *testing.T) {
	m := newTestMirror(t, nil)

	m.apply(context.Background(), []pageRecord{{
		Op:    "remove",
		Path:  rowsPath,
		Tag:   "div",
		Index: 0,
		CTag:  "div",
	}})

	wantRows(t, m.doc, "t2")
}

func TestMirrorTextAndAttrRecords(t *testing.T) {
	m := newTestMirror(t, nil)

	m.apply(context.Background(), []pageRecord{
		{Op: "attr", Path: row1Path, Tag: "div", Name: "data-unread", Value: "true"},
		{Op: "attr_del", Path: row2Path, Tag: "div", Name: "class"},
		{Op: "text", Path: subj1Path, Tag: "span", Value: "Gamma"},
	})

	rows, ok := m.doc.Root().Query("#rows")
	if !ok {
		t.Fatal("document has no #rows")
	}
	kids := rows.Children()
	if v, ok := kids[0].Attr("data-unread"); !ok || v != "true" {
		t.Errorf("data-unread = %q (present %v), want \"true\"", v, ok)
	}
	if _, ok := kids[1].Attr("class"); ok {
		t.Error("class attribute survived attr_del")
	}
	subj, ok := kids[0].Query(".subject")
	if !ok {
		t.Fatal("first row lost its subject")
	}
	if subj.Text() != "Gamma" {
		t.Errorf("subject text = %q, want %q", subj.Text(), "Gamma")
	}
}

func TestMirrorTagMismatchAbandonsBatch(t *testing.T) {
	snapCalls := 0
	m := newTestMirror(t, func(context.Context) (string, error) {
		snapCalls++
		return mirrorPage, nil
	})

	// First record diverges (page removed an <li>, mirror has a <div>);
	// the insert after it must not apply.
	m.apply(context.Background(), []pageRecord{
		{Op: "remove", Path: rowsPath, Tag: "div", Index: 0, CTag: "li"},
		{Op: "insert", Path: rowsPath, Tag: "div", Index: 0, HTML: `<div class="row" data-thread-id="t0"></div>`},
	})

	if snapCalls != 1 {
		t.Fatalf("snapshot calls = %d, want 1", snapCalls)
	}
	wantRows(t, m.doc, "t1", "t2")
}

func TestMirrorBadPathResyncs(t *testing.T) {
	snapCalls := 0
	m := newTestMirror(t, func(context.Context) (string, error) {
		snapCalls++
		return mirrorPage, nil
	})

	m.apply(context.Background(), []pageRecord{
		{Op: "text", Path: []int{1, 7}, Tag: "div", Value: "x"},
	})

	if snapCalls != 1 {
		t.Fatalf("snapshot calls = %d, want 1", snapCalls)
	}
	wantRows(t, m.doc, "t1", "t2")
}

func TestMirrorResyncGraftsBodyOnly(t *testing.T) {
	const fresh = `<!DOCTYPE html>
<html lang="en">
<head><title>Boot</title></head>
<body data-ready="1">
<div id="main">
<div id="rows">
<div class="row" data-thread-id="t9"><span class="subject">Fresh</span></div>
</div>
</div>
</body>
</html>`
	m := newTestMirror(t, func(context.Context) (string, error) {
		return fresh, nil
	})

	m.apply(context.Background(), []pageRecord{{Op: "resync"}})

	wantRows(t, m.doc, "t9")

	body, ok := m.doc.Root().Query("body")
	if !ok {
		t.Fatal("document has no body")
	}
	if _, ok := body.Attr("class"); ok {
		t.Error("body class survived resync, snapshot has none")
	}
	if v, _ := body.Attr("data-ready"); v != "1" {
		t.Errorf("body data-ready = %q, want \"1\"", v)
	}

	// Only the body is grafted; the head keeps its pre-resync state.
	title, ok := m.doc.Root().Query("title")
	if !ok {
		t.Fatal("document has no title")
	}
	if title.Text() != "Inbox" {
		t.Errorf("title = %q, want %q", title.Text(), "Inbox")
	}
}

func TestMirrorUnknownOpSkipped(t *testing.T) {
	called := false
	m := newTestMirror(t, func(context.Context) (string, error) {
		called = true
		return mirrorPage, nil
	})

	m.apply(context.Background(), []pageRecord{
		{Op: "highlight", Path: rowsPath, Tag: "div"},
		{Op: "attr", Path: row1Path, Tag: "div", Name: "data-seen", Value: "1"},
	})

	if called {
		t.Fatal("unknown op triggered a resync")
	}
	rows, _ := m.doc.Root().Query("#rows")
	if v, _ := rows.Children()[0].Attr("data-seen"); v != "1" {
		t.Fatalf("record after unknown op not applied, data-seen = %q", v)
	}
}

func TestMirrorBatchIsOneTick(t *testing.T) {
	m := newTestMirror(t, nil)
	rows, ok := m.doc.Root().Query("#rows")
	if !ok {
		t.Fatal("document has no #rows")
	}
	obs, err := m.doc.Observe(rows, dom.ObserveOptions{ChildList: true})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	defer obs.Stop()

	m.apply(context.Background(), []pageRecord{
		{Op: "insert", Path: rowsPath, Tag: "div", Index: 0, HTML: `<div class="row" data-thread-id="t0"></div>`},
		{Op: "insert", Path: rowsPath, Tag: "div", Index: 3, HTML: `<div class="row" data-thread-id="t3"></div>`},
	})

	select {
	case recs := <-obs.Records():
		if len(recs) != 2 {
			t.Fatalf("tick carried %d mutations, want 2", len(recs))
		}
	case <-time.After(testWait):
		t.Fatal("no mutation tick after batch")
	}
}

func TestPageMessageDecode(t *testing.T) {
	payload := `{"type":"batch","records":[` +
		`{"op":"insert","path":[1,0,0],"tag":"div","index":2,"html":"<div class=\"row\"></div>"},` +
		`{"op":"attr_del","path":[1,0],"tag":"div","name":"hidden"}]}`
	var msg pageMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if msg.Type != "batch" || len(msg.Records) != 2 {
		t.Fatalf("decoded type %q with %d records, want batch with 2", msg.Type, len(msg.Records))
	}
	first := msg.Records[0]
	if first.Op != "insert" || first.Index != 2 || first.Tag != "div" || len(first.Path) != 3 {
		t.Errorf("first record = %+v", first)
	}

	var ready pageMessage
	if err := json.Unmarshal([]byte(`{"type":"ready","email":"a@b.test","locale":"en-GB"}`), &ready); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if ready.Email != "a@b.test" || ready.Locale != "en-GB" {
		t.Errorf("ready = %+v", ready)
	}
}
