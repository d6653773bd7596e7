package lifecycle

import (
	"errors"
	"testing"
	"time"
)

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: channel not closed", what)
	}
}

func TestLifetimeEndIdempotent(t *testing.T) {
	l := NewLifetime()
	if l.IsEnded() {
		t.Fatal("new lifetime already ended")
	}

	calls := 0
	l.OnEnd(func() { calls++ })

	l.End()
	l.End()

	waitClosed(t, l.Ended(), "Ended")
	if !l.IsEnded() {
		t.Error("IsEnded = false after End")
	}
	if got, want := calls, 1; got != want {
		t.Errorf("hook calls = %d, want %d", got, want)
	}
}

func TestLifetimeHookOrder(t *testing.T) {
	l := NewLifetime()

	var order []int
	l.OnEnd(func() { order = append(order, 1) })
	l.OnEnd(func() { order = append(order, 2) })
	l.OnEnd(func() { order = append(order, 3) })
	l.End()

	if got, want := len(order), 3; got != want {
		t.Fatalf("hooks run = %d, want %d", got, want)
	}
	for i, v := range order {
		if v != i+1 {
			t.Errorf("order[%d] = %d, want %d", i, v, i+1)
		}
	}
}

func TestLifetimeOnEndAfterEnd(t *testing.T) {
	l := NewLifetime()
	l.End()

	ran := false
	l.OnEnd(func() { ran = true })
	if !ran {
		t.Error("hook registered after End did not run immediately")
	}
}

func TestLifetimeCancelHook(t *testing.T) {
	l := NewLifetime()

	ran := false
	cancel := l.OnEnd(func() { ran = true })
	cancel()
	l.End()

	if ran {
		t.Error("cancelled hook ran")
	}
}

func TestItemCarriesLifetime(t *testing.T) {
	it := Item[string]{Value: "row-1", Lifetime: NewLifetime()}
	if it.Lifetime.IsEnded() {
		t.Fatal("fresh item already ended")
	}
	it.Lifetime.End()
	waitClosed(t, it.Lifetime.Ended(), "item Ended")
}

func TestStopperStopIdempotent(t *testing.T) {
	s := NewStopper()

	calls := 0
	s.OnStop(func() { calls++ })

	s.Stop()
	s.Stop()

	waitClosed(t, s.Stopping(), "Stopping")
	if !s.IsStopped() {
		t.Error("IsStopped = false after Stop")
	}
	if got, want := calls, 1; got != want {
		t.Errorf("hook calls = %d, want %d", got, want)
	}
	if err := s.Wait(); err != nil {
		t.Errorf("Wait() = %v, want nil", err)
	}
}

func TestStopperReentrantStop(t *testing.T) {
	s := NewStopper()
	s.OnStop(func() { s.Stop() })

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	waitClosed(t, done, "reentrant Stop")
}

func TestStopperTracksGoroutines(t *testing.T) {
	s := NewStopper()

	exited := make(chan struct{})
	s.Go(func() error {
		<-s.Stopping()
		close(exited)
		return nil
	})

	s.Stop()
	if err := s.Wait(); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
	waitClosed(t, exited, "tracked goroutine")
}

func TestStopperGoAfterStop(t *testing.T) {
	s := NewStopper()
	s.Stop()

	ran := make(chan struct{})
	s.Go(func() error {
		close(ran)
		return nil
	})

	select {
	case <-ran:
		t.Error("Go ran a goroutine on a stopped Stopper")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopperWorkerErrorCascades(t *testing.T) {
	s := NewStopper()

	hooked := make(chan struct{})
	s.OnStop(func() { close(hooked) })

	boom := errors.New("boom")
	s.Go(func() error { return boom })

	waitClosed(t, s.Stopping(), "Stopping after worker error")
	waitClosed(t, hooked, "OnStop hook after worker error")
	if err := s.Wait(); !errors.Is(err, boom) {
		t.Errorf("Wait() = %v, want %v", err, boom)
	}
}

func TestStopperOnStopAfterStop(t *testing.T) {
	s := NewStopper()
	s.Stop()

	ran := false
	s.OnStop(func() { ran = true })
	if !ran {
		t.Error("hook registered after Stop did not run immediately")
	}
}

func TestLatchResolveOnce(t *testing.T) {
	l := NewLatch()
	if l.IsDone() {
		t.Fatal("new latch already done")
	}

	first := errors.New("first")
	if !l.Resolve(first) {
		t.Fatal("first Resolve returned false")
	}
	if l.Resolve(errors.New("second")) {
		t.Error("second Resolve returned true")
	}

	waitClosed(t, l.Done(), "Done")
	if !l.IsDone() {
		t.Error("IsDone = false after Resolve")
	}
	if got := l.Err(); !errors.Is(got, first) {
		t.Errorf("Err() = %v, want %v", got, first)
	}
}

func TestLatchResolveNil(t *testing.T) {
	l := NewLatch()
	if !l.Resolve(nil) {
		t.Fatal("Resolve(nil) returned false")
	}
	waitClosed(t, l.Done(), "Done")
	if err := l.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}
