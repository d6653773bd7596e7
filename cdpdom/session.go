// Package cdpdom bridges a live Chrome page into the SDK's document
// contract.
//
// A Session attaches to a browser over its devtools socket (or launches
// a local headless one), opens the target page, injects the page-world
// agent and keeps an in-memory mirror of the page's DOM fed by the
// agent's mutation batches. The mirror is handed to the view pipeline
// as its dom.Document; the session itself serves as the pipeline's
// page-world handle, delivering the identity handshake. BindWrappers
// additionally routes the page's network traffic through an xhrproxy
// wrapper chain.
package cdpdom

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/mailrig/mailrig/driver"
	"github.com/mailrig/mailrig/idgen"
	"github.com/mailrig/mailrig/memdom"
)

//go:embed pagescript.js
var pagescriptJS string

const bindingName = "__mailrig_binding"

// relayProbeJS asks an extension-world relay to inject the page script
// through the scripting API. No answer within the grace window means no
// relay is present and the session injects directly.
const relayProbeJS = `() => new Promise((resolve) => {
	let settled = false;
	const finish = (v) => {
		if (!settled) {
			settled = true;
			window.removeEventListener('message', onMsg);
			resolve(v);
		}
	};
	const onMsg = (ev) => {
		const d = ev.data;
		if (d && d.type === 'mailrig__injectPageWorldResponse') {
			finish(d.injected === true);
		}
	};
	window.addEventListener('message', onMsg);
	window.postMessage({ type: 'mailrig__injectPageWorld' }, '*');
	setTimeout(() => finish(false), 300);
})`

// StealthMode controls automation-fingerprint masking on the page.
type StealthMode int

const (
	// StealthAuto masks pages on a locally launched browser and leaves
	// remote-attached browsers as configured by their owner.
	StealthAuto StealthMode = iota
	StealthOn
	StealthOff
)

// Config configures a page session.
type Config struct {
	// ControlURL is the devtools websocket of a running browser. Empty
	// launches a local headless browser.
	ControlURL string

	// URL is the page the session opens and mirrors.
	URL string

	// PageID names the session in logs and network connection IDs.
	// Empty generates one.
	PageID string

	Stealth StealthMode

	// NavigateTimeout bounds navigation and the load wait. Default 30s.
	NavigateTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() error {
	if c.URL == "" {
		return fmt.Errorf("cdpdom: config needs a page URL")
	}
	if c.PageID == "" {
		c.PageID = idgen.Prefixed("page_", idgen.NanoID(8))()
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Session is one observed page: a browser tab, its in-memory DOM mirror
// and the identity handshake channel.
type Session struct {
	cfg    Config
	logger *slog.Logger

	browser *rod.Browser
	lnch    *launcher.Launcher
	page    *rod.Page

	doc    *memdom.Document
	mirror *mirror

	ready     chan driver.Identity
	readyOnce sync.Once

	hijack *hijacker

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Open connects, navigates, injects the page agent and returns a live
// session. ctx bounds the setup only; the session outlives it.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger,
		ready:  make(chan driver.Identity, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.connect(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.openPage(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.startMirror(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.inject(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) connect() error {
	wsURL := s.cfg.ControlURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("cdpdom: launch browser: %w", err)
		}
		wsURL = u
		s.lnch = l
		s.logger.Info("cdpdom: launched local browser", "page", s.cfg.PageID)
	} else {
		s.logger.Info("cdpdom: attaching to browser", "url", wsURL)
	}

	b := rod.New().Context(s.ctx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("cdpdom: connect: %w", err)
	}
	s.browser = b

	if err := b.IgnoreCertErrors(true); err != nil {
		s.logger.Warn("cdpdom: ignore cert errors failed", "err", err)
	}
	return nil
}

func (s *Session) stealthOn() bool {
	switch s.cfg.Stealth {
	case StealthOn:
		return true
	case StealthOff:
		return false
	}
	return s.lnch != nil
}

func (s *Session) openPage(ctx context.Context) error {
	var page *rod.Page
	var err error
	if s.stealthOn() {
		page, err = stealth.Page(s.browser)
	} else {
		page, err = s.browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return fmt.Errorf("cdpdom: create page: %w", err)
	}
	s.page = page

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(s.cfg.URL); err != nil {
		return fmt.Errorf("cdpdom: navigate %s: %w", s.cfg.URL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		s.logger.Warn("cdpdom: wait load timeout", "url", s.cfg.URL, "err", err)
	}
	return nil
}

// startMirror takes the initial snapshot, builds the in-memory document
// and starts consuming binding payloads. The binding is registered
// before the agent is injected so no batch is ever dropped.
func (s *Session) startMirror(ctx context.Context) error {
	page, err := s.snapshotHTML(ctx)
	if err != nil {
		return err
	}
	doc, err := memdom.ParseString(page)
	if err != nil {
		return fmt.Errorf("cdpdom: parse snapshot: %w", err)
	}
	s.doc = doc
	s.mirror = &mirror{doc: doc, snapshot: s.snapshotHTML, logger: s.logger}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(s.page); err != nil {
		return fmt.Errorf("cdpdom: add binding: %w", err)
	}
	go s.listenBinding()

	s.logger.Info("cdpdom: mirror initialised",
		"page", s.cfg.PageID, "size", len(page))
	return nil
}

func (s *Session) inject(ctx context.Context) error {
	res, err := s.page.Context(ctx).Eval(relayProbeJS)
	if err == nil && res.Value.Bool() {
		s.logger.Info("cdpdom: page agent injected via extension relay", "page", s.cfg.PageID)
		return nil
	}
	if err != nil {
		s.logger.Debug("cdpdom: relay probe failed", "err", err)
	}
	if _, err := s.page.Context(ctx).Eval(pagescriptJS); err != nil {
		return fmt.Errorf("cdpdom: inject page agent: %w", err)
	}
	s.logger.Info("cdpdom: page agent injected via eval", "page", s.cfg.PageID)
	return nil
}

// listenBinding consumes agent payloads: the identity handshake and
// mutation batches, applied to the mirror in arrival order.
func (s *Session) listenBinding() {
	s.page.Context(s.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		var msg pageMessage
		if err := json.Unmarshal([]byte(e.Payload), &msg); err != nil {
			s.logger.Warn("cdpdom: bad binding payload", "err", err)
			return
		}
		switch msg.Type {
		case "ready":
			s.readyOnce.Do(func() {
				s.ready <- driver.Identity{Email: msg.Email, Locale: msg.Locale}
			})
			s.logger.Info("cdpdom: page handshake", "page", s.cfg.PageID, "locale", msg.Locale)
		case "batch":
			s.mirror.apply(s.ctx, msg.Records)
		default:
			s.logger.Debug("cdpdom: unknown page message", "type", msg.Type)
		}
	})()
}

func (s *Session) snapshotHTML(ctx context.Context) (string, error) {
	res, err := s.page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("cdpdom: snapshot: %w", err)
	}
	return res.Value.Str(), nil
}

// Document is the live mirror. It stays valid for the session's life;
// after Close it stops receiving updates but remains readable.
func (s *Session) Document() *memdom.Document { return s.doc }

// Ready delivers the page agent's identity handshake, once.
func (s *Session) Ready() <-chan driver.Identity { return s.ready }

// PageID names this session.
func (s *Session) PageID() string { return s.cfg.PageID }

// Close tears the session down. A locally launched browser is shut
// down; a remote-attached one only loses this session's page.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.hijack != nil {
			s.hijack.stop()
		}
		if s.page != nil {
			if err := s.page.Close(); err != nil {
				s.logger.Debug("cdpdom: page close", "err", err)
			}
		}
		if s.lnch != nil {
			if s.browser != nil {
				if err := s.browser.Close(); err != nil {
					s.logger.Debug("cdpdom: browser close", "err", err)
				}
			}
			s.lnch.Cleanup()
		}
		s.logger.Info("cdpdom: session closed", "page", s.cfg.PageID)
	})
	return nil
}

var _ driver.PageWorld = (*Session)(nil)
