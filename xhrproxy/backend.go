package xhrproxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// BackendEvent is one transport-side state change. State uses the same
// values as the connection's ready states; Err marks a transport failure
// and implies a terminal event.
type BackendEvent struct {
	State        int
	Status       int
	ResponseText string
	ResponseURL  string
	Err          error
}

// Backend is the real transport under a Connection. One Backend serves one
// attempt; re-opens build a new one. Implementations emit events on the
// Events channel and close it once the attempt is terminal.
type Backend interface {
	Open(method, url string, async bool) error
	SetRequestHeader(name, value string)
	Send(body string) error
	Abort()
	Events() <-chan BackendEvent
}

// HTTPBackend drives one request through an http.Client. Send returns once
// the request goroutine is launched; headers, body and completion surface
// as events.
type HTTPBackend struct {
	client *http.Client

	mu     sync.Mutex
	method string
	url    string
	header http.Header
	opened bool
	sent   bool
	cancel context.CancelFunc

	events chan BackendEvent
}

// NewHTTPBackend builds a backend on client, or http.DefaultClient when
// client is nil.
func NewHTTPBackend(client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{
		client: client,
		header: make(http.Header),
		events: make(chan BackendEvent, 8),
	}
}

func (b *HTTPBackend) Open(method, url string, async bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened {
		return fmt.Errorf("xhrproxy: http backend already opened")
	}
	b.method = method
	b.url = url
	b.opened = true
	return nil
}

func (b *HTTPBackend) SetRequestHeader(name, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent {
		return
	}
	b.header.Add(name, value)
}

func (b *HTTPBackend) Send(body string) error {
	b.mu.Lock()
	if !b.opened {
		b.mu.Unlock()
		return fmt.Errorf("xhrproxy: http backend send before open")
	}
	if b.sent {
		b.mu.Unlock()
		return fmt.Errorf("xhrproxy: http backend sent twice")
	}
	b.sent = true
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	method, url := b.method, b.url
	header := b.header.Clone()
	b.mu.Unlock()

	go b.do(ctx, method, url, header, body)
	return nil
}

func (b *HTTPBackend) do(ctx context.Context, method, url string, header http.Header, body string) {
	defer close(b.events)

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		b.events <- BackendEvent{State: Done, Err: err}
		return
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		b.events <- BackendEvent{State: Done, Err: err}
		return
	}
	defer resp.Body.Close()

	finalURL := resp.Request.URL.String()
	b.events <- BackendEvent{
		State:       HeadersReceived,
		Status:      resp.StatusCode,
		ResponseURL: finalURL,
	}

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		b.events <- BackendEvent{State: Done, Status: resp.StatusCode, ResponseURL: finalURL, Err: err}
		return
	}
	b.events <- BackendEvent{
		State:        Done,
		Status:       resp.StatusCode,
		ResponseText: string(text),
		ResponseURL:  finalURL,
	}
}

// Abort cancels the in-flight request. Aborting before Send closes the
// event channel so a pump waiting on it can exit.
func (b *HTTPBackend) Abort() {
	b.mu.Lock()
	cancel := b.cancel
	sent := b.sent
	b.sent = true
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		return
	}
	if !sent {
		close(b.events)
	}
}

func (b *HTTPBackend) Events() <-chan BackendEvent {
	return b.events
}

var _ Backend = (*HTTPBackend)(nil)
