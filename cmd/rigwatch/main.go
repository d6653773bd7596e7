// Command rigwatch attaches the pipeline to a live webmail page and
// streams view lifecycle events to the configured sinks.
//
// Usage:
//
//	rigwatch -config rigwatch.yaml        # full run from YAML config
//	rigwatch -url https://mail.example    # connectivity smoke run
//	rigwatch -remote ws://127.0.0.1:9222  # attach instead of launching
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailrig/mailrig/cdpdom"
	"github.com/mailrig/mailrig/driver"
	"github.com/mailrig/mailrig/eventsink"
	"github.com/mailrig/mailrig/idgen"
	"github.com/mailrig/mailrig/inspect"
)

func main() {
	configPath := flag.String("config", "", "path to rigwatch.yaml config file")
	singleURL := flag.String("url", "", "watch a single URL without anchors (smoke run)")
	remote := flag.String("remote", "", "devtools websocket of a running browser (otherwise launch)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *singleURL, *remote); err != nil {
		logger.Error("rigwatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, singleURL, remote string) error {
	var cfg *Config
	switch {
	case configPath != "":
		c, err := LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c
	case singleURL != "":
		cfg = defaultConfig(singleURL)
		logger.Info("rigwatch: no anchors configured, pipeline idles after the handshake; use -config for selectors")
	default:
		fmt.Fprintln(os.Stderr, "usage: rigwatch -config <file> | -url <url>")
		os.Exit(1)
		return nil
	}
	if remote != "" {
		cfg.Browser.Remote = remote
	}
	return watch(ctx, logger, cfg)
}

func watch(ctx context.Context, logger *slog.Logger, cfg *Config) error {
	session, err := cdpdom.Open(ctx, cdpdom.Config{
		ControlURL:      cfg.Browser.Remote,
		URL:             cfg.Page.URL,
		PageID:          cfg.Page.ID,
		Stealth:         stealthMode(cfg.Page.Stealth),
		NavigateTimeout: cfg.Page.NavigateTimeout,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer session.Close()

	doc := session.Document()
	d, err := driver.New(driver.Config{
		Doc:            doc,
		Anchors:        driver.NewStaticAnchors(doc, cfg.Anchors, nil),
		PageWorld:      session,
		Logger:         logger,
		ReadyTimeout:   cfg.Driver.ReadyTimeout,
		ProbeTimeout:   cfg.Driver.ProbeTimeout,
		RecaptureDelay: cfg.Driver.RecaptureDelay,
	})
	if err != nil {
		return fmt.Errorf("driver: %w", err)
	}
	defer d.Destroy()

	router := buildSinks(cfg.Sinks, logger)
	defer router.Close()
	go forwardEvents(ctx, d, router, session.PageID(), logger)

	if cfg.Inspect.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Inspect.Addr,
			Handler:           inspect.Handler(d),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("rigwatch: inspect listening", "addr", cfg.Inspect.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("rigwatch: inspect server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	<-ctx.Done()
	logger.Info("rigwatch: shutting down")
	return nil
}

// forwardEvents drains the driver's view and error feeds until both close.
// View events become sink events with a process-local sequence; pipeline
// errors are already logged by the driver and only drained here.
func forwardEvents(ctx context.Context, d *driver.Driver, sink eventsink.Sink, pageID string, logger *slog.Logger) {
	var seq uint64
	newID := idgen.Prefixed("evt_", idgen.NanoID(10))
	viewsCh := d.Views()
	errsCh := d.Errs()
	for viewsCh != nil || errsCh != nil {
		select {
		case ev, ok := <-viewsCh:
			if !ok {
				viewsCh = nil
				continue
			}
			seq++
			out := eventsink.Event{
				ID:     newID(),
				PageID: pageID,
				Seq:    seq,
				Kind:   ev.Kind.String(),
				ViewID: ev.ViewID,
				Action: ev.Action,
				At:     ev.At.UnixMilli(),
			}
			if err := sink.Send(ctx, out); err != nil {
				logger.Warn("rigwatch: event delivery failed", "error", err)
			}
		case perr, ok := <-errsCh:
			if !ok {
				errsCh = nil
				continue
			}
			logger.Debug("rigwatch: pipeline error drained", "stage", perr.Stage, "error", perr.Err)
		case <-ctx.Done():
			return
		}
	}
}

func buildSinks(cfgs []SinkConfig, logger *slog.Logger) *eventsink.Router {
	var sinks []eventsink.Sink
	for _, sc := range cfgs {
		switch sc.Type {
		case "stdout":
			sinks = append(sinks, eventsink.NewStdout(nil))
		case "webhook":
			sinks = append(sinks, eventsink.NewWebhook(sc.URL, eventsink.WithWebhookLogger(logger)))
		case "sqlite":
			s, err := eventsink.NewSQLite(sc.Path)
			if err != nil {
				logger.Error("rigwatch: journal sink unavailable", "path", sc.Path, "error", err)
				continue
			}
			sinks = append(sinks, s)
		default:
			logger.Warn("rigwatch: unknown sink type", "type", sc.Type)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, eventsink.NewStdout(nil))
	}
	return eventsink.NewRouter(logger, sinks...)
}

func stealthMode(s string) cdpdom.StealthMode {
	switch s {
	case "on":
		return cdpdom.StealthOn
	case "off":
		return cdpdom.StealthOff
	}
	return cdpdom.StealthAuto
}
