// Package xhrproxy builds drop-in replacements for the platform's network
// request object that thread traffic through ordered wrapper chains.
//
// A Factory carries the wrapper registrations; each Connection it builds
// mirrors the platform object's surface (Open/Send/Abort/SetRequestHeader,
// readyState constants, event listeners) while invisibly rewriting requests
// before they leave and responses before callers see them. Wrapper faults
// never break the connection's caller-visible contract: they are swallowed
// and funneled to the factory's error sink.
//
// The ready-state values mirror the platform: 0 unsent, 1 opened,
// 2 headers received, 3 loading, 4 done.
package xhrproxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
)

// Ready states, numerically identical to the platform constants.
const (
	Unsent          = 0
	Opened          = 1
	HeadersReceived = 2
	Loading         = 3
	Done            = 4
)

// DefaultSlowWarning is how long a single wrapper callback may run before
// the factory logs a diagnostic. The callback is still awaited.
const DefaultSlowWarning = 60 * time.Second

// ConnectionInfo is the frozen description of one connection, captured at
// Open. Wrappers receive it for relevance decisions and observation
// callbacks; rewrites never alter it.
type ConnectionInfo struct {
	ID     string
	Method string
	URL    string
	Async  bool
}

// Request is the outgoing tuple threaded through request-rewrite chains.
type Request struct {
	Method string
	URL    string
	Body   string
}

// Wrapper is a capability record: one mandatory relevance predicate plus
// optional callbacks. Presence of a callback opts the wrapper into that
// stage for every connection it is relevant to.
type Wrapper struct {
	// RelevantTo decides at Open whether the wrapper joins the connection.
	// A panic counts as "not relevant" and is logged.
	RelevantTo func(ConnectionInfo) bool

	// ChangeRequest rewrites the outgoing tuple. Any relevant wrapper
	// carrying this defers the real open/send until Send, when the tuple
	// is threaded through every ChangeRequest in registration order.
	ChangeRequest func(context.Context, Request) (Request, error)

	// ChangeResponse rewrites the completed response text, strictly after
	// the previous wrapper's output. While any relevant wrapper carries
	// this, partial response reads are suppressed to "".
	ChangeResponse func(context.Context, ConnectionInfo, string) (string, error)

	// OnSendBody observes the body actually handed to the transport.
	OnSendBody func(ConnectionInfo, string)

	// OnOriginalResponse observes the immutable pre-rewrite response text.
	OnOriginalResponse func(ConnectionInfo, string)

	// OnFinalResponse observes the post-chain text callers will read.
	OnFinalResponse func(ConnectionInfo, string)
}

// Event is a synthetic connection event. Target is always the Connection;
// the transport underneath is never exposed.
type Event struct {
	Type   string
	Target *Connection
	Status int
}

// Factory builds Connections sharing one wrapper registration.
//
// Wrapper relevance is locked per connection at Open and never
// re-evaluated, even if later rewrites change the URL; wrappers that only
// become relevant once headers are known are out of contract.
type Factory struct {
	// Backend constructs the transport for one connection attempt. Nil
	// uses the HTTP backend with the default client.
	Backend func() Backend

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

	// NewID names connections for logs and wrapper callbacks.
	NewID func() string

	once sync.Once
	seq  atomic.Int64
	rw   *Rewriter
}

func (f *Factory) defaults() {
	f.once.Do(func() {
		if f.Backend == nil {
			f.Backend = func() Backend { return NewHTTPBackend(nil) }
		}
		if f.SlowWarning <= 0 {
			f.SlowWarning = DefaultSlowWarning
		}
		if f.Clock == nil {
			f.Clock = clock.WallClock
		}
		if f.Logger == nil {
			f.Logger = slog.Default()
		}
		if f.LogError == nil {
			f.LogError = func(err error) {
				f.Logger.Error("xhrproxy: wrapper fault", "err", err)
			}
		}
		if f.NewID == nil {
			f.NewID = func() string {
				return fmt.Sprintf("conn-%d", f.seq.Add(1))
			}
		}
		f.rw = &Rewriter{
			Wrappers:    f.Wrappers,
			LogError:    f.LogError,
			SlowWarning: f.SlowWarning,
			Clock:       f.Clock,
			Logger:      f.Logger,
		}
	})
}

// New builds an unsent Connection.
func (f *Factory) New() *Connection {
	f.defaults()
	c := &Connection{
		f:         f,
		state:     Unsent,
		listeners: make(map[string][]*listenerEntry),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

