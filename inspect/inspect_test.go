package inspect

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mailrig/mailrig/driver"
	"github.com/mailrig/mailrig/memdom"
	"github.com/mailrig/mailrig/views"
)

const inspectPage = `<html><body>
<div id="rows">
  <div class="row" data-thread-id="t1"><span class="subject">Hello</span></div>
</div>
</body></html>`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDriver(t *testing.T, readySelector string) *driver.Driver {
	t.Helper()
	doc, err := memdom.ParseString(inspectPage)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	anchors := driver.NewStaticAnchors(doc, driver.StaticConfig{
		ThreadRows: "#rows",
		Views: map[string]views.Selectors{
			views.KindThreadRow.String(): {Item: ".row", Subject: ".subject", Ready: readySelector},
		},
		ResolveTimeout: time.Second,
	}, nil)
	d, err := driver.New(driver.Config{
		Doc:            doc,
		Anchors:        anchors,
		PageWorld:      driver.StaticWorld(driver.Identity{Email: "a@b.test", Locale: "en"}),
		Logger:         quietLogger(),
		ProbeTimeout:   60 * time.Millisecond,
		RecaptureDelay: time.Minute,
	})
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	t.Cleanup(d.Destroy)
	return d
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthz(t *testing.T) {
	d := newTestDriver(t, "")
	rec := get(t, Handler(d), "/healthz")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStateReportsPoolsAndIdentity(t *testing.T) {
	d := newTestDriver(t, "")
	h := Handler(d)

	eventually(t, func() bool { return d.ThreadRows().Size() == 1 }, "row never pooled")
	eventually(t, func() bool { return d.State() == driver.StateReady }, "driver never ready")

	var report driver.Report
	rec := get(t, h, "/v1/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.State != "ready" {
		t.Errorf("state = %q, want ready", report.State)
	}
	if report.Identity == nil || report.Identity.Email != "a@b.test" {
		t.Errorf("identity = %+v", report.Identity)
	}
	if report.Pools["thread_row"] != 1 {
		t.Errorf("pools = %v, want thread_row 1", report.Pools)
	}
}

func TestPoolsEndpoint(t *testing.T) {
	d := newTestDriver(t, "")
	eventually(t, func() bool { return d.ThreadRows().Size() == 1 }, "row never pooled")

	var pools map[string]int
	rec := get(t, Handler(d), "/v1/pools")
	if err := json.Unmarshal(rec.Body.Bytes(), &pools); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pools["thread_row"] != 1 {
		t.Errorf("pools = %v, want thread_row 1", pools)
	}
	if _, ok := pools["thread"]; !ok {
		t.Errorf("pools = %v, want a thread entry", pools)
	}
}

func TestErrorsEndpoint(t *testing.T) {
	d := newTestDriver(t, ".never-renders")
	eventually(t, func() bool { return d.Snapshot().Errors > 0 }, "probe error never surfaced")

	var entries []map[string]string
	rec := get(t, Handler(d), "/v1/errors")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no error entries")
	}
	first := entries[0]
	if first["stage"] != "probe" {
		t.Errorf("stage = %q, want probe", first["stage"])
	}
	if first["kind"] != "thread_row" {
		t.Errorf("kind = %q, want thread_row", first["kind"])
	}
	if first["error"] == "" {
		t.Error("error text empty")
	}
}

func TestExtraSection(t *testing.T) {
	d := newTestDriver(t, "")
	h := Handler(d, Section{Name: "proxy", Data: func() any {
		return map[string]int{"connections": 3}
	}})

	var body map[string]int
	rec := get(t, h, "/v1/proxy")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["connections"] != 3 {
		t.Errorf("body = %v", body)
	}
}

func TestUnknownPathIs404(t *testing.T) {
	d := newTestDriver(t, "")
	rec := get(t, Handler(d), "/v1/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
