// Command rigreplay runs the pipeline against a saved HTML snapshot and a
// scripted mutation sequence, printing the resulting view events as JSON
// lines on stdout. No browser is involved; selector sets and step scripts
// can be iterated offline.
//
// Usage:
//
//	rigreplay -snapshot page.html -script steps.yaml
//	rigreplay -snapshot page.html -script steps.yaml -wait 3s
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mailrig/mailrig/driver"
	"github.com/mailrig/mailrig/eventsink"
	"github.com/mailrig/mailrig/idgen"
	"github.com/mailrig/mailrig/memdom"
)

func main() {
	snapshotPath := flag.String("snapshot", "", "path to the HTML snapshot")
	scriptPath := flag.String("script", "", "path to the YAML step script")
	wait := flag.Duration("wait", time.Second, "settling time after the last step, for readiness probes")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *snapshotPath == "" || *scriptPath == "" {
		fmt.Fprintln(os.Stderr, "usage: rigreplay -snapshot <page.html> -script <steps.yaml> [-wait 2s]")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *snapshotPath, *scriptPath, *wait); err != nil {
		logger.Error("rigreplay: fatal", "error", err)
		os.Exit(1)
	}
}

// Script is the YAML step file: the identity the replay hands the driver,
// the anchor selector set, and the ordered mutation steps.
type Script struct {
	Identity driver.Identity     `yaml:"identity"`
	Anchors  driver.StaticConfig `yaml:"anchors"`
	Steps    []Step              `yaml:"steps"`
}

// Step is one scripted mutation. Ops: append, remove, setattr, settext
// address a node by CSS selector; flush delivers everything buffered so
// far as one tick.
type Step struct {
	Op     string `yaml:"op"`
	Target string `yaml:"target"`
	HTML   string `yaml:"html"`
	Name   string `yaml:"name"`
	Value  string `yaml:"value"`
}

func run(ctx context.Context, logger *slog.Logger, snapshotPath, scriptPath string, wait time.Duration) error {
	page, err := os.ReadFile(snapshotPath)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	doc, err := memdom.ParseString(string(page))
	if err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	script, err := loadScript(scriptPath)
	if err != nil {
		return fmt.Errorf("load script: %w", err)
	}

	d, err := driver.New(driver.Config{
		Doc:       doc,
		Anchors:   driver.NewStaticAnchors(doc, script.Anchors, nil),
		PageWorld: driver.StaticWorld(script.Identity),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("driver: %w", err)
	}
	defer d.Destroy()

	sink := eventsink.NewStdout(nil)
	pageID := idgen.Prefixed("replay_", idgen.NanoID(6))()
	done := make(chan struct{})
	go func() {
		defer close(done)
		forward(ctx, d, sink, pageID, logger)
	}()

	for i, step := range script.Steps {
		if err := applyStep(doc, step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
	}
	doc.Flush()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}

	d.Destroy()
	<-done
	return sink.Close()
}

func loadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	// Everything in a snapshot already exists; don't poll for half a minute
	// when a container selector is wrong.
	if s.Anchors.ResolveTimeout <= 0 {
		s.Anchors.ResolveTimeout = 5 * time.Second
	}
	return &s, nil
}

func applyStep(doc *memdom.Document, step Step) error {
	if step.Op == "flush" {
		doc.Flush()
		return nil
	}
	target, ok := doc.Root().Query(step.Target)
	if !ok {
		return fmt.Errorf("selector %q matched nothing", step.Target)
	}
	switch step.Op {
	case "append":
		_, err := doc.AppendChildHTML(target, step.HTML)
		return err
	case "remove":
		return doc.RemoveNode(target)
	case "setattr":
		return doc.SetAttr(target, step.Name, step.Value)
	case "settext":
		return doc.SetText(target, step.Value)
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

func forward(ctx context.Context, d *driver.Driver, sink eventsink.Sink, pageID string, logger *slog.Logger) {
	var seq uint64
	newID := idgen.Prefixed("evt_", idgen.NanoID(10))
	for ev := range d.Views() {
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
			logger.Warn("rigreplay: event delivery failed", "error", err)
		}
	}
}
