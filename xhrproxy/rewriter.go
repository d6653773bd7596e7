package xhrproxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Rewriter applies one wrapper registration to traffic intercepted
// outside a Connection, with the selection, ordering and fault rules
// Connections follow. The CDP fetch hijack drives it directly so live
// page requests get the same wrapper treatment as scripted ones;
// Factory-built Connections delegate their chain stages here.
type Rewriter struct {
	// Wrappers in registration order; chains run in this order.
	Wrappers []*Wrapper

	// LogError receives every swallowed wrapper fault and contract
	// violation. Nil logs through Logger.
	LogError func(error)

	// SlowWarning bounds how long a wrapper callback may run before a
	// diagnostic is logged. Zero means DefaultSlowWarning.
	SlowWarning time.Duration

	Clock  clock.Clock
	Logger *slog.Logger

	once sync.Once
}

func (r *Rewriter) defaults() {
	r.once.Do(func() {
		if r.SlowWarning <= 0 {
			r.SlowWarning = DefaultSlowWarning
		}
		if r.Clock == nil {
			r.Clock = clock.WallClock
		}
		if r.Logger == nil {
			r.Logger = slog.Default()
		}
		if r.LogError == nil {
			r.LogError = func(err error) {
				r.Logger.Error("xhrproxy: wrapper fault", "err", err)
			}
		}
	})
}

// Select locks in the relevant subset for info, in registration order.
// Predicate panics are logged and treated as not relevant.
func (r *Rewriter) Select(info ConnectionInfo) []*Wrapper {
	r.defaults()
	var out []*Wrapper
	for i, w := range r.Wrappers {
		if w == nil || w.RelevantTo == nil {
			r.LogError(fmt.Errorf("xhrproxy: wrapper %d has no relevance predicate, skipped", i))
			continue
		}
		relevant := false
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.LogError(fmt.Errorf("xhrproxy: relevance predicate %d panicked: %v", i, rec))
				}
			}()
			relevant = w.RelevantTo(info)
		}()
		if relevant {
			out = append(out, w)
		}
	}
	return out
}

// RewriteRequest threads req through every request rewrite in selected,
// in order. A rewrite that fails, panics, or returns an empty method or
// url keeps the previous tuple.
func (r *Rewriter) RewriteRequest(ctx context.Context, selected []*Wrapper, info ConnectionInfo, req Request) Request {
	r.defaults()
	for _, w := range selected {
		if w.ChangeRequest == nil {
			continue
		}
		candidate := req
		fn := w.ChangeRequest
		ok := r.protected(info.ID, "request rewrite", func() error {
			out, err := fn(ctx, candidate)
			if err != nil {
				return err
			}
			candidate = out
			return nil
		})
		if !ok {
			continue
		}
		if candidate.Method == "" || candidate.URL == "" {
			r.LogError(fmt.Errorf("xhrproxy: request rewrite returned method %q url %q, keeping previous tuple", candidate.Method, candidate.URL))
			continue
		}
		req = candidate
	}
	return req
}

// NotifySend reports the body actually handed to the transport to every
// send observer in selected.
func (r *Rewriter) NotifySend(selected []*Wrapper, info ConnectionInfo, body string) {
	r.defaults()
	for _, w := range selected {
		if w.OnSendBody == nil {
			continue
		}
		fn := w.OnSendBody
		r.protected(info.ID, "send observer", func() error { fn(info, body); return nil })
	}
}

// RewriteResponse reports text to the original-response observers,
// threads it through every response rewrite strictly in order, then
// reports the outcome to the final-response observers. A rewrite that
// fails or panics keeps the previous text.
func (r *Rewriter) RewriteResponse(ctx context.Context, selected []*Wrapper, info ConnectionInfo, text string) string {
	r.defaults()
	for _, w := range selected {
		if w.OnOriginalResponse == nil {
			continue
		}
		fn := w.OnOriginalResponse
		r.protected(info.ID, "original-response observer", func() error { fn(info, text); return nil })
	}

	final := text
	for _, w := range selected {
		if w.ChangeResponse == nil {
			continue
		}
		candidate := final
		fn := w.ChangeResponse
		ok := r.protected(info.ID, "response rewrite", func() error {
			out, err := fn(ctx, info, candidate)
			if err != nil {
				return err
			}
			candidate = out
			return nil
		})
		if ok {
			final = candidate
		}
	}

	for _, w := range selected {
		if w.OnFinalResponse == nil {
			continue
		}
		fn := w.OnFinalResponse
		r.protected(info.ID, "final-response observer", func() error { fn(info, final); return nil })
	}
	return final
}

// protected runs one wrapper callback with panic isolation and a slow
// warning. The callback is always awaited to completion.
func (r *Rewriter) protected(conn, stage string, fn func() error) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			r.LogError(fmt.Errorf("xhrproxy: %s panicked: %v", stage, rec))
		}
	}()
	timer := r.Clock.AfterFunc(r.SlowWarning, func() {
		r.Logger.Warn("xhrproxy: wrapper callback still running",
			"conn", conn, "stage", stage, "after", r.SlowWarning)
	})
	defer timer.Stop()
	if err := fn(); err != nil {
		r.LogError(fmt.Errorf("xhrproxy: %s: %w", stage, err))
		return false
	}
	return true
}
