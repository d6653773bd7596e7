package xhrproxy

import (
	"context"
	"fmt"
	"sync"
)

type listenerEntry struct {
	fn      func(Event)
	removed bool
}

// Connection mirrors the platform network-request object. Callers drive it
// from one goroutine the way page code drives the platform object; the
// transport's events arrive on an internal pump goroutine. Both sides
// serialize through c.mu, and rewrite chains run strictly sequentially on
// whichever goroutine owns the stage.
type Connection struct {
	f *Factory

	mu       sync.Mutex
	gen      int
	info     ConnectionInfo
	state    int
	status   int
	selected []*Wrapper
	deferred bool // a selected wrapper rewrites requests
	suppress bool // a selected wrapper rewrites responses
	sent     bool
	opened   bool // transport open has been issued
	headers  [][2]string
	backend  Backend

	aborted     bool
	abortFired  bool
	original    string
	originalSet bool
	final       string
	partial     string
	respURL     string

	listeners map[string][]*listenerEntry

	ctx    context.Context
	cancel context.CancelFunc
}

// Open locks in wrapper relevance for method and url and moves the
// connection to the opened state. Opening a finished or aborted connection
// starts a fresh attempt with a fresh selection; listeners persist.
func (c *Connection) Open(method, url string) error {
	return c.open(method, url, true)
}

// OpenAsync is Open with an explicit async flag for transports that
// distinguish the two modes.
func (c *Connection) OpenAsync(method, url string, async bool) error {
	return c.open(method, url, async)
}

func (c *Connection) open(method, url string, async bool) error {
	if method == "" || url == "" {
		return fmt.Errorf("xhrproxy: open requires a method and url")
	}

	c.mu.Lock()
	c.resetLocked()
	info := ConnectionInfo{ID: c.f.NewID(), Method: method, URL: url, Async: async}
	c.info = info
	gen := c.gen
	c.mu.Unlock()

	// Predicates are wrapper code; never hold the lock across them.
	selected := c.f.rw.Select(info)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil
	}
	c.selected = selected
	for _, w := range selected {
		if w.ChangeRequest != nil {
			c.deferred = true
		}
		if w.ChangeResponse != nil {
			c.suppress = true
		}
	}
	c.state = Opened
	deferred := c.deferred
	c.mu.Unlock()

	c.emit("readystatechange")

	if deferred {
		// The transport open waits for Send so request rewrites can still
		// change the method and url.
		return nil
	}
	return c.realOpen(gen, method, url, async)
}

// SetRequestHeader records a request header. Headers set while the
// transport open is deferred are buffered and replayed at flush time.
func (c *Connection) SetRequestHeader(name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Opened || c.sent {
		c.f.Logger.Debug("xhrproxy: header outside opened state ignored",
			"conn", c.info.ID, "header", name)
		return
	}
	if c.backend != nil {
		c.backend.SetRequestHeader(name, value)
		return
	}
	c.headers = append(c.headers, [2]string{name, value})
}

// Send hands the body to the transport. When request rewrites are in play
// the real open and send happen here, after the tuple has been threaded
// through every rewriting wrapper in order. Send returns immediately;
// completion is observed through events.
func (c *Connection) Send(body string) {
	c.mu.Lock()
	if c.state != Opened || c.sent {
		st := c.state
		c.mu.Unlock()
		c.f.LogError(fmt.Errorf("xhrproxy: send in ready state %d ignored", st))
		return
	}
	c.sent = true
	gen := c.gen
	deferred := c.deferred
	info := c.info
	selected := c.selected
	b := c.backend
	c.mu.Unlock()

	if deferred {
		go c.runDeferredSend(gen, selected, info, Request{Method: info.Method, URL: info.URL, Body: body})
		return
	}

	if b == nil {
		c.f.LogError(fmt.Errorf("xhrproxy: send with no transport, conn %s", info.ID))
		return
	}
	c.f.rw.NotifySend(selected, info, body)
	if err := b.Send(body); err != nil {
		c.f.LogError(fmt.Errorf("xhrproxy: transport send: %w", err))
		c.failNetwork(gen)
	}
}

// runDeferredSend threads the tuple through the request chain, flushes the
// real open and send, and hands completion over to the pump. It also
// finishes an abort that arrived while the send was still pending, so the
// caller always observes a terminal transition.
func (c *Connection) runDeferredSend(gen int, selected []*Wrapper, info ConnectionInfo, tuple Request) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	tuple = c.f.rw.RewriteRequest(ctx, selected, info, tuple)

	if err := c.realOpen(gen, tuple.Method, tuple.URL, info.Async); err != nil {
		c.failNetwork(gen)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	b := c.backend
	c.mu.Unlock()

	c.f.rw.NotifySend(selected, info, tuple.Body)
	sendErr := b.Send(tuple.Body)

	c.mu.Lock()
	aborted := gen == c.gen && c.aborted
	c.mu.Unlock()
	if aborted {
		b.Abort()
		c.finishAbort(gen)
		return
	}
	if sendErr != nil {
		c.f.LogError(fmt.Errorf("xhrproxy: transport send: %w", sendErr))
		c.failNetwork(gen)
	}
}

// realOpen builds the transport, issues the open, replays buffered headers
// and starts the event pump.
func (c *Connection) realOpen(gen int, method, url string, async bool) error {
	b := c.f.Backend()
	if err := b.Open(method, url, async); err != nil {
		c.f.LogError(fmt.Errorf("xhrproxy: transport open: %w", err))
		return err
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		b.Abort()
		return nil
	}
	c.backend = b
	c.opened = true
	hdrs := c.headers
	c.headers = nil
	c.mu.Unlock()

	for _, h := range hdrs {
		b.SetRequestHeader(h[0], h[1])
	}
	go c.pump(gen, b)
	return nil
}

// Abort terminates the connection. An abort that lands while a deferred
// send is still pending first flushes that send, so the state machine is
// guaranteed to progress; response rewrites never run for an aborted
// connection.
func (c *Connection) Abort() {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return
	}
	if !c.sent {
		// Nothing in flight that callers could observe; just drop the
		// transport.
		b := c.backend
		c.backend = nil
		c.opened = false
		c.mu.Unlock()
		if b != nil {
			b.Abort()
		}
		return
	}
	c.aborted = true
	pendingFlush := c.deferred && !c.opened
	b := c.backend
	gen := c.gen
	c.mu.Unlock()

	if pendingFlush {
		// The deferred-send goroutine flushes and then finishes the abort.
		return
	}
	if b != nil {
		b.Abort()
	}
	c.finishAbort(gen)
}

// finishAbort emits the terminal abort sequence exactly once per attempt,
// then quietly returns the state to unsent the way the platform does.
func (c *Connection) finishAbort(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.abortFired {
		c.mu.Unlock()
		return
	}
	c.abortFired = true
	c.state = Done
	c.status = 0
	c.mu.Unlock()

	c.emit("readystatechange")
	c.emit("abort")
	c.emit("loadend")

	c.mu.Lock()
	if gen == c.gen && c.aborted {
		c.state = Unsent
	}
	c.mu.Unlock()
}

// failNetwork emits the terminal error sequence for a transport failure.
func (c *Connection) failNetwork(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.aborted || c.state == Done {
		c.mu.Unlock()
		return
	}
	c.state = Done
	c.status = 0
	c.mu.Unlock()

	c.emit("readystatechange")
	c.emit("error")
	c.emit("loadend")
}

// pump consumes the transport's events for one attempt. Response rewrites
// run here, one wrapper at a time, strictly after the real response is
// complete.
func (c *Connection) pump(gen int, b Backend) {
	for ev := range b.Events() {
		c.mu.Lock()
		if gen != c.gen || c.aborted || c.state == Done {
			c.mu.Unlock()
			continue
		}
		switch ev.State {
		case HeadersReceived:
			c.state = HeadersReceived
			c.status = ev.Status
			if ev.ResponseURL != "" {
				c.respURL = ev.ResponseURL
			}
			c.mu.Unlock()
			c.emit("readystatechange")

		case Loading:
			c.state = Loading
			if ev.Status != 0 {
				c.status = ev.Status
			}
			if !c.suppress {
				c.partial = ev.ResponseText
			}
			c.mu.Unlock()
			c.emit("readystatechange")

		case Done:
			if ev.Err != nil {
				c.mu.Unlock()
				c.f.LogError(fmt.Errorf("xhrproxy: transport: %w", ev.Err))
				c.failNetwork(gen)
				continue
			}
			if !c.originalSet {
				c.original = ev.ResponseText
				c.originalSet = true
			}
			if ev.Status != 0 {
				c.status = ev.Status
			}
			if ev.ResponseURL != "" {
				c.respURL = ev.ResponseURL
			}
			selected := c.selected
			info := c.info
			ctx := c.ctx
			original := c.original
			c.mu.Unlock()

			final := c.f.rw.RewriteResponse(ctx, selected, info, original)

			c.mu.Lock()
			if gen != c.gen || c.aborted {
				c.mu.Unlock()
				continue
			}
			c.final = final
			c.state = Done
			c.mu.Unlock()

			c.emit("readystatechange")
			c.emit("load")
			c.emit("loadend")

		default:
			c.mu.Unlock()
		}
	}
}

// AddEventListener registers fn for the named synthetic event and returns
// its removal. Listeners survive re-opens.
func (c *Connection) AddEventListener(typ string, fn func(Event)) (remove func()) {
	e := &listenerEntry{fn: fn}
	c.mu.Lock()
	c.listeners[typ] = append(c.listeners[typ], e)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		e.removed = true
		c.mu.Unlock()
	}
}

func (c *Connection) emit(typ string) {
	c.mu.Lock()
	status := c.status
	var fns []func(Event)
	for _, e := range c.listeners[typ] {
		if !e.removed {
			fns = append(fns, e.fn)
		}
	}
	c.mu.Unlock()

	ev := Event{Type: typ, Target: c, Status: status}
	for _, fn := range fns {
		fn(ev)
	}
}

// ReadyState reports the platform-mirroring state value.
func (c *Connection) ReadyState() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status reports the response status, zero until headers arrive and zero
// again after an abort or transport failure.
func (c *Connection) Status() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ResponseText reports what the caller is allowed to see: the post-rewrite
// text once done, partial text while loading, and "" while any response
// rewrite is still outstanding.
func (c *Connection) ResponseText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return ""
	}
	if c.state == Done {
		return c.final
	}
	if c.suppress {
		return ""
	}
	return c.partial
}

// Response mirrors the platform's text-mode response property.
func (c *Connection) Response() string { return c.ResponseText() }

// OriginalResponseText is the transport's response before any rewrite. It
// is set exactly once per attempt and never changes afterwards.
func (c *Connection) OriginalResponseText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.original
}

// ResponseURL is the final URL reported by the transport, empty until
// headers arrive.
func (c *Connection) ResponseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.respURL
}

// Info returns the frozen connection description from the last Open.
func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// resetLocked starts a fresh attempt. Callers hold c.mu.
func (c *Connection) resetLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.backend != nil {
		c.backend.Abort()
		c.backend = nil
	}
	c.gen++
	c.state = Unsent
	c.status = 0
	c.selected = nil
	c.deferred = false
	c.suppress = false
	c.sent = false
	c.opened = false
	c.headers = nil
	c.aborted = false
	c.abortFired = false
	c.original = ""
	c.originalSet = false
	c.final = ""
	c.partial = ""
	c.respURL = ""
	c.ctx, c.cancel = context.WithCancel(context.Background())
}

