// Package driver orchestrates the whole pipeline over one webmail page: it
// resolves the container anchors, wires an element stream and mapper per
// view kind into pools, tracks the page-world handshake, and tears the lot
// down through a single stopper.
//
// Pool wiring follows the page's own dependency order: thread rows and
// open threads come from fixed containers, message streams are derived per
// live thread and end with it, attachment streams likewise per message.
// Feature code consumes the typed pools; the driver never interprets view
// content itself.
package driver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	"github.com/mailrig/mailrig/dom"
	"github.com/mailrig/mailrig/elempool"
	"github.com/mailrig/mailrig/idgen"
	"github.com/mailrig/mailrig/lifecycle"
	"github.com/mailrig/mailrig/views"
)

// State is the driver's lifecycle position.
type State int32

const (
	StateCreated State = iota
	StateReady
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Identity is what the page-world handshake reports about the logged-in
// session.
type Identity struct {
	Email  string `json:"email"`
	Locale string `json:"locale"`
}

// PageWorld is the injected-script collaborator. Ready yields the
// handshake once the script has initialized inside the page; only the
// first value counts.
type PageWorld interface {
	Ready() <-chan Identity
}

// StaticWorld is a PageWorld whose handshake already happened, for replay
// runs and tests that have no real page.
func StaticWorld(id Identity) PageWorld {
	ch := make(chan Identity, 1)
	ch <- id
	return staticWorld(ch)
}

type staticWorld <-chan Identity

func (w staticWorld) Ready() <-chan Identity { return w }

const (
	DefaultReadyTimeout   = 2 * time.Minute
	DefaultProbeTimeout   = 2 * time.Minute
	DefaultRecaptureDelay = 3 * time.Minute
)

// Config wires a Driver. Doc, Anchors and PageWorld are required.
type Config struct {
	Doc       dom.Document
	Anchors   Anchors
	PageWorld PageWorld

	Clock  clock.Clock
	Logger *slog.Logger
	IDs    idgen.Generator

	// ReadyTimeout bounds the page-world handshake wait. On timeout the
	// driver surfaces ErrReadyTimeout and stays created; a late handshake
	// still upgrades it.
	ReadyTimeout time.Duration

	// ProbeTimeout bounds each view's readiness probe.
	ProbeTimeout time.Duration

	// RecaptureDelay is how long after a failed probe the follow-up
	// structural capture runs.
	RecaptureDelay time.Duration
}

func (c *Config) defaults() error {
	if c.Doc == nil {
		return errors.New("driver: config needs a document")
	}
	if c.Anchors == nil {
		return errors.New("driver: config needs anchors")
	}
	if c.PageWorld == nil {
		return errors.New("driver: config needs a page world")
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.IDs == nil {
		c.IDs = idgen.Prefixed("view_", idgen.NanoID(10))
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.RecaptureDelay <= 0 {
		c.RecaptureDelay = DefaultRecaptureDelay
	}
	return nil
}

const errRingCap = 32

// Driver is one page's pipeline. Build with New, tear down with Destroy.
type Driver struct {
	cfg       Config
	stopper   *lifecycle.Stopper
	state     atomic.Int32
	readyCh   chan struct{}
	since     time.Time
	ctx       context.Context
	ctxCancel context.CancelFunc

	idMu     sync.Mutex
	identity Identity
	hasID    bool

	rows        *elempool.Pool[*views.ThreadRowView]
	threads     *elempool.Pool[*views.ThreadView]
	messages    *elempool.Pool[*views.MessageView]
	composes    *elempool.Pool[*views.ComposeView]
	attachments *elempool.Pool[*views.AttachmentCardView]

	feedMu   sync.Mutex
	feedDone bool
	errs     chan PipelineError
	events   chan ViewEvent
	errRing  []PipelineError
	errTotal int

	curThread slot[*views.ThreadView]
	lastCard  slot[*views.AttachmentCardView]
}

// New resolves the root containers and starts the pipeline. The returned
// driver is in the created state; readiness follows the page-world
// handshake.
func New(cfg Config) (*Driver, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	d := &Driver{
		cfg:     cfg,
		stopper: lifecycle.NewStopper(),
		readyCh: make(chan struct{}),
		since:   cfg.Clock.Now(),
		errs:    make(chan PipelineError, 16),
		events:  make(chan ViewEvent, 64),
	}
	d.ctx, d.ctxCancel = context.WithCancel(context.Background())
	d.stopper.OnStop(d.ctxCancel)
	d.stopper.OnStop(d.closeFeeds)

	d.rows = elempool.NewKeyed(viewKey[*views.ThreadRowView], d.stopper, cfg.Logger)
	d.threads = elempool.NewKeyed(viewKey[*views.ThreadView], d.stopper, cfg.Logger)
	d.messages = elempool.NewKeyed(viewKey[*views.MessageView], d.stopper, cfg.Logger)
	d.composes = elempool.NewKeyed(viewKey[*views.ComposeView], d.stopper, cfg.Logger)
	d.attachments = elempool.NewKeyed(viewKey[*views.AttachmentCardView], d.stopper, cfg.Logger)

	if err := d.wire(); err != nil {
		d.stopper.Stop()
		return nil, err
	}

	d.stopper.Go(d.watchReady)
	return d, nil
}

func viewKey[V views.View](v V) string { return v.ID() }

func (d *Driver) wire() error {
	rowC, err := d.cfg.Anchors.ThreadRowContainer()
	if err == nil {
		m := &kindMapper[*views.ThreadRowView]{
			d: d, kind: views.KindThreadRow,
			sel:   d.cfg.Anchors.ViewSelectors(views.KindThreadRow),
			pool:  d.rows,
			build: views.NewThreadRowView,
		}
		if err := m.watch(rowC); err != nil {
			return err
		}
	} else if !d.skippableAnchor(views.KindThreadRow, err) {
		return err
	}

	threadC, err := d.cfg.Anchors.ThreadContainer()
	if err == nil {
		m := &kindMapper[*views.ThreadView]{
			d: d, kind: views.KindThread,
			sel:   d.cfg.Anchors.ViewSelectors(views.KindThread),
			pool:  d.threads,
			build: views.NewThreadView,
			after: func(v *views.ThreadView) {
				d.curThread.set(v, v.Lifetime())
				d.watchThreadMessages(v)
			},
		}
		if err := m.watch(threadC); err != nil {
			return err
		}
	} else if !d.skippableAnchor(views.KindThread, err) {
		return err
	}

	composeC, err := d.cfg.Anchors.ComposeContainer()
	if err == nil {
		m := &kindMapper[*views.ComposeView]{
			d: d, kind: views.KindCompose,
			sel:   d.cfg.Anchors.ViewSelectors(views.KindCompose),
			pool:  d.composes,
			build: views.NewComposeView,
		}
		if err := m.watch(composeC); err != nil {
			return err
		}
	} else if !d.skippableAnchor(views.KindCompose, err) {
		return err
	}

	return nil
}

func (d *Driver) skippableAnchor(kind views.Kind, err error) bool {
	if errors.Is(err, ErrAnchorDisabled) {
		d.cfg.Logger.Info("driver: kind disabled, no container anchor", "kind", kind.String())
		return true
	}
	return false
}

// watchThreadMessages derives the message stream for one live thread. The
// stream and every view it produced end with the thread.
func (d *Driver) watchThreadMessages(tv *views.ThreadView) {
	container, err := d.cfg.Anchors.MessageContainer(tv.Element())
	if err != nil {
		d.pushErr(PipelineError{Stage: StageAnchor, Kind: views.KindMessage, Err: err})
		return
	}
	m := &kindMapper[*views.MessageView]{
		d: d, kind: views.KindMessage,
		sel:    d.cfg.Anchors.ViewSelectors(views.KindMessage),
		pool:   d.messages,
		build:  views.NewMessageView,
		parent: tv.Lifetime(),
		after:  d.watchMessageAttachments,
	}
	if err := m.watch(container); err != nil {
		d.pushErr(PipelineError{Stage: StageStream, Kind: views.KindMessage, Err: err})
	}
}

func (d *Driver) watchMessageAttachments(mv *views.MessageView) {
	container, err := d.cfg.Anchors.AttachmentContainer(mv.Element())
	if err != nil {
		d.pushErr(PipelineError{Stage: StageAnchor, Kind: views.KindAttachmentCard, Err: err})
		return
	}
	m := &kindMapper[*views.AttachmentCardView]{
		d: d, kind: views.KindAttachmentCard,
		sel:    d.cfg.Anchors.ViewSelectors(views.KindAttachmentCard),
		pool:   d.attachments,
		build:  views.NewAttachmentCardView,
		parent: mv.Lifetime(),
		after: func(v *views.AttachmentCardView) {
			d.lastCard.set(v, v.Lifetime())
		},
	}
	if err := m.watch(container); err != nil {
		d.pushErr(PipelineError{Stage: StageStream, Kind: views.KindAttachmentCard, Err: err})
	}
}

func (d *Driver) watchReady() error {
	timeout := d.cfg.Clock.After(d.cfg.ReadyTimeout)
	for {
		select {
		case id, ok := <-d.cfg.PageWorld.Ready():
			if !ok {
				return nil
			}
			d.setReady(id)
			return nil
		case <-timeout:
			d.cfg.Logger.Warn("driver: page world handshake timed out",
				"timeout", d.cfg.ReadyTimeout)
			d.pushErr(PipelineError{Stage: StageHandshake, Err: ErrReadyTimeout})
			timeout = nil
		case <-d.stopper.Stopping():
			return nil
		}
	}
}

func (d *Driver) setReady(id Identity) {
	if !d.state.CompareAndSwap(int32(StateCreated), int32(StateReady)) {
		return
	}
	d.idMu.Lock()
	d.identity = id
	d.hasID = true
	d.idMu.Unlock()
	close(d.readyCh)
	d.cfg.Logger.Info("driver: ready", "email", id.Email, "locale", id.Locale)
}

// State reports where the driver is in created → ready → destroyed.
func (d *Driver) State() State { return State(d.state.Load()) }

// WhenReady closes once the page-world handshake lands. It never closes
// for a driver destroyed while still created; select on Stopping too.
func (d *Driver) WhenReady() <-chan struct{} { return d.readyCh }

// Identity reports the handshake identity, unavailable before readiness.
func (d *Driver) Identity() (Identity, bool) {
	d.idMu.Lock()
	defer d.idMu.Unlock()
	return d.identity, d.hasID
}

// Stopping closes when teardown begins.
func (d *Driver) Stopping() <-chan struct{} { return d.stopper.Stopping() }

// Destroy tears the pipeline down: every pool, stream and probe stops, the
// feeds close. Terminal and idempotent.
func (d *Driver) Destroy() {
	d.state.Store(int32(StateDestroyed))
	d.stopper.Stop()
}

// Errs is the pipeline's diagnostic feed. Best-effort: the ring kept for
// RecentErrors is authoritative, the channel drops when not drained.
func (d *Driver) Errs() <-chan PipelineError { return d.errs }

// Views is the advisory arrived/ready/gone feed.
func (d *Driver) Views() <-chan ViewEvent { return d.events }

func (d *Driver) ThreadRows() *elempool.Pool[*views.ThreadRowView] { return d.rows }

func (d *Driver) Threads() *elempool.Pool[*views.ThreadView] { return d.threads }

func (d *Driver) Messages() *elempool.Pool[*views.MessageView] { return d.messages }

func (d *Driver) Composes() *elempool.Pool[*views.ComposeView] { return d.composes }

func (d *Driver) AttachmentCards() *elempool.Pool[*views.AttachmentCardView] {
	return d.attachments
}

// CurrentThread is the most recently surfaced open thread, cleared when
// that thread goes away.
func (d *Driver) CurrentThread() (*views.ThreadView, bool) { return d.curThread.get() }

// LastAttachmentCard is the most recently surfaced attachment card.
func (d *Driver) LastAttachmentCard() (*views.AttachmentCardView, bool) {
	return d.lastCard.get()
}

// Report is the driver's inspection summary.
type Report struct {
	State    string         `json:"state"`
	Identity *Identity      `json:"identity,omitempty"`
	Pools    map[string]int `json:"pools"`
	Errors   int            `json:"errors"`
	Since    time.Time      `json:"since"`
}

// Snapshot summarizes the pipeline for the inspect surface.
func (d *Driver) Snapshot() Report {
	r := Report{
		State: d.State().String(),
		Since: d.since,
		Pools: map[string]int{
			views.KindThreadRow.String():      d.rows.Size(),
			views.KindThread.String():         d.threads.Size(),
			views.KindMessage.String():        d.messages.Size(),
			views.KindCompose.String():        d.composes.Size(),
			views.KindAttachmentCard.String(): d.attachments.Size(),
		},
	}
	if id, ok := d.Identity(); ok {
		r.Identity = &id
	}
	d.feedMu.Lock()
	r.Errors = d.errTotal
	d.feedMu.Unlock()
	return r
}

// RecentErrors returns the newest pipeline errors, oldest first, capped.
func (d *Driver) RecentErrors() []PipelineError {
	d.feedMu.Lock()
	defer d.feedMu.Unlock()
	return append([]PipelineError(nil), d.errRing...)
}

func (d *Driver) emitView(action string, kind views.Kind, id string) {
	ev := ViewEvent{Action: action, Kind: kind, ViewID: id, At: d.cfg.Clock.Now()}
	d.feedMu.Lock()
	defer d.feedMu.Unlock()
	if d.feedDone {
		return
	}
	select {
	case d.events <- ev:
	default:
		d.cfg.Logger.Warn("driver: view event dropped, feed not drained",
			"action", action, "kind", kind.String(), "view", id)
	}
}

func (d *Driver) pushErr(perr PipelineError) {
	d.cfg.Logger.Warn("driver: pipeline error", "stage", perr.Stage, "err", perr.Err)
	d.feedMu.Lock()
	defer d.feedMu.Unlock()
	d.errTotal++
	d.errRing = append(d.errRing, perr)
	if len(d.errRing) > errRingCap {
		d.errRing = d.errRing[len(d.errRing)-errRingCap:]
	}
	if d.feedDone {
		return
	}
	select {
	case d.errs <- perr:
	default:
	}
}

func (d *Driver) closeFeeds() {
	d.feedMu.Lock()
	defer d.feedMu.Unlock()
	if d.feedDone {
		return
	}
	d.feedDone = true
	close(d.errs)
	close(d.events)
}

// slot is a single mutable "current item of interest" holder. A newer
// arrival replaces the held value and cancels the previous disposal
// subscription first, so a stale item's delayed disposal can never clear a
// newer value.
type slot[V any] struct {
	mu  sync.Mutex
	gen int
	val V
	ok  bool
	off func()
}

func (s *slot[V]) set(v V, lt *lifecycle.Lifetime) {
	s.mu.Lock()
	if s.off != nil {
		s.off()
		s.off = nil
	}
	s.gen++
	gen := s.gen
	s.val = v
	s.ok = true
	s.mu.Unlock()

	cancel := lt.OnEnd(func() {
		s.mu.Lock()
		if s.gen == gen {
			var zero V
			s.val = zero
			s.ok = false
			s.off = nil
		}
		s.mu.Unlock()
	})

	s.mu.Lock()
	if s.gen == gen && s.ok {
		s.off = cancel
	} else {
		s.mu.Unlock()
		cancel()
		return
	}
	s.mu.Unlock()
}

func (s *slot[V]) get() (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val, s.ok
}
