package elemstream

import (
	"testing"
	"time"

	"github.com/mailrig/mailrig/dom"
	"github.com/mailrig/mailrig/lifecycle"
	"github.com/mailrig/mailrig/memdom"
)

const listPage = `<html><head></head><body>
<div id="list">
<div class="row" data-thread-id="t1"></div>
<div class="row" data-thread-id="t2"></div>
</div>
</body></html>`

func setup(t *testing.T) (*memdom.Document, dom.Node) {
	t.Helper()
	d, err := memdom.ParseString(listPage)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	list, ok := d.Root().Query("#list")
	if !ok {
		t.Fatal("no #list")
	}
	return d, list
}

func recvItem(t *testing.T, s *Stream) lifecycle.Item[dom.Node] {
	t.Helper()
	select {
	case it, ok := <-s.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return it
	case <-time.After(2 * time.Second):
		t.Fatal("no item arrived")
	}
	return lifecycle.Item[dom.Node]{}
}

func assertNoItem(t *testing.T, s *Stream) {
	t.Helper()
	select {
	case it, ok := <-s.Events():
		if ok {
			t.Fatalf("unexpected item %s", it.Value.ID())
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func waitEventsClosed(t *testing.T, s *Stream) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed")
		}
	}
}

func waitEnded(t *testing.T, lt *lifecycle.Lifetime, what string) {
	t.Helper()
	select {
	case <-lt.Ended():
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: lifetime did not end", what)
	}
}

func TestChildrenEmitsQualifyingArrivals(t *testing.T) {
	d, list := setup(t)

	s, err := Children(d, list, Options{Selector: ".row"})
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	defer s.Stop()

	if _, err := d.AppendChildHTML(list, `<div class="spacer"></div>`); err != nil {
		t.Fatal(err)
	}
	if _, err := d.AppendChildHTML(list, `<div class="row" data-thread-id="t3"></div>`); err != nil {
		t.Fatal(err)
	}
	d.Flush()

	it := recvItem(t, s)
	if id, _ := it.Value.Attr("data-thread-id"); id != "t3" {
		t.Errorf("item thread id = %q, want t3 (spacer must be filtered)", id)
	}
	if it.Lifetime.IsEnded() {
		t.Error("fresh item lifetime already ended")
	}
	assertNoItem(t, s)
}

func TestChildrenMatchExisting(t *testing.T) {
	d, list := setup(t)

	s, err := Children(d, list, Options{Selector: ".row", MatchExisting: true})
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	defer s.Stop()

	first := recvItem(t, s)
	second := recvItem(t, s)
	if id, _ := first.Value.Attr("data-thread-id"); id != "t1" {
		t.Errorf("first existing item = %q, want t1", id)
	}
	if id, _ := second.Value.Attr("data-thread-id"); id != "t2" {
		t.Errorf("second existing item = %q, want t2", id)
	}
}

func TestChildrenRemovalEndsLifetime(t *testing.T) {
	d, list := setup(t)

	s, err := Children(d, list, Options{Selector: ".row", MatchExisting: true})
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	defer s.Stop()

	first := recvItem(t, s)
	recvItem(t, s)

	if err := d.RemoveNode(first.Value); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	d.Flush()

	waitEnded(t, first.Lifetime, "removed row")
}

func TestChildrenSameTickAddRemove(t *testing.T) {
	d, list := setup(t)

	s, err := Children(d, list, Options{Selector: ".row"})
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	defer s.Stop()

	added, err := d.AppendChildHTML(list, `<div class="row" data-thread-id="flash"></div>`)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.RemoveNode(added); err != nil {
		t.Fatal(err)
	}
	d.Flush()

	// The item is still emitted, then its lifetime ends immediately.
	it := recvItem(t, s)
	if id, _ := it.Value.Attr("data-thread-id"); id != "flash" {
		t.Errorf("item thread id = %q, want flash", id)
	}
	waitEnded(t, it.Lifetime, "flash row")
}

func TestChildrenReAddIsANewItem(t *testing.T) {
	d, list := setup(t)

	s, err := Children(d, list, Options{Selector: ".row", MatchExisting: true})
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	defer s.Stop()

	first := recvItem(t, s)
	recvItem(t, s)

	if err := d.RemoveNode(first.Value); err != nil {
		t.Fatal(err)
	}
	d.Flush()
	waitEnded(t, first.Lifetime, "removed row")

	if _, err := d.AppendChildHTML(list, `<div class="row" data-thread-id="t1b"></div>`); err != nil {
		t.Fatal(err)
	}
	d.Flush()

	again := recvItem(t, s)
	if again.Lifetime == first.Lifetime {
		t.Error("re-added element reused the ended lifetime")
	}
	if again.Lifetime.IsEnded() {
		t.Error("new item lifetime already ended")
	}
}

func TestStreamStopLeavesLifetimesAlone(t *testing.T) {
	d, list := setup(t)

	s, err := Children(d, list, Options{Selector: ".row", MatchExisting: true})
	if err != nil {
		t.Fatalf("Children: %v", err)
	}

	it := recvItem(t, s)
	recvItem(t, s)

	s.Stop()
	s.Stop()
	waitEventsClosed(t, s)

	if it.Lifetime.IsEnded() {
		t.Error("stream stop ended an item lifetime")
	}
	_ = d
}

func TestStopperCascadesIntoStream(t *testing.T) {
	d, list := setup(t)
	st := lifecycle.NewStopper()

	s, err := Children(d, list, Options{Selector: ".row", Stopper: st})
	if err != nil {
		t.Fatalf("Children: %v", err)
	}

	st.Stop()
	waitEventsClosed(t, s)
}

func TestAttributesStream(t *testing.T) {
	d, list := setup(t)
	row, ok := list.Query(`[data-thread-id="t1"]`)
	if !ok {
		t.Fatal("no t1 row")
	}

	s, err := Attributes(d, row, []string{"aria-busy"}, nil)
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}
	defer s.Stop()

	if err := d.SetAttr(row, "class", "row selected"); err != nil {
		t.Fatal(err)
	}
	if err := d.SetAttr(row, "aria-busy", "true"); err != nil {
		t.Fatal(err)
	}
	d.Flush()

	select {
	case ch := <-s.Events():
		if ch.Name != "aria-busy" || ch.Value != "true" || ch.OldValue != "" {
			t.Errorf("change = %+v, want aria-busy -> true", ch)
		}
		if ch.Node.ID() != row.ID() {
			t.Errorf("change node = %s, want %s", ch.Node.ID(), row.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no attribute change arrived")
	}

	s.Stop()
	select {
	case _, open := <-s.Events():
		if open {
			t.Error("events open after Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed after Stop")
	}
}
