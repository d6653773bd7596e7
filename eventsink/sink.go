// Package eventsink defines output backends for view lifecycle events.
//
// The driver reports view arrivals, readiness upgrades and disposals on
// an in-process feed; a daemon translates those into Events and hands
// them to one or more Sinks. Implementations deliver to stdout, a
// webhook, an SQLite journal, or an in-process callback, and Router
// fans out to several at once.
package eventsink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// Event is one view lifecycle notification as delivered to sinks.
// Seq increases by one per event within a page session so consumers
// can detect gaps.
type Event struct {
	ID     string            `json:"id"`
	PageID string            `json:"page_id,omitempty"`
	Seq    uint64            `json:"seq"`
	Kind   string            `json:"kind"`
	ViewID string            `json:"view_id"`
	Action string            `json:"action"`
	At     int64             `json:"at"`
	Detail map[string]string `json:"detail,omitempty"`
}

// Sink is the output interface. Implementations deliver events to
// different backends (stdout, webhook, SQLite journal, in-process
// callback).
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// Stdout writes JSON lines to an io.Writer (default os.Stdout).
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(ev)
}

func (s *Stdout) Close() error { return nil }

// Func is called for each event (in-process, zero serialisation).
type Func func(ctx context.Context, ev Event) error

// Callback delivers events via Go function calls. This is the local
// path when the producer and the consumer live in the same binary.
type Callback struct {
	onEvent Func
}

// NewCallback creates a Callback sink. The handler may be nil.
func NewCallback(onEvent Func) *Callback {
	return &Callback{onEvent: onEvent}
}

func (c *Callback) Send(ctx context.Context, ev Event) error {
	if c.onEvent != nil {
		return c.onEvent(ctx, ev)
	}
	return nil
}

func (c *Callback) Close() error { return nil }
