package cdpdom

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mailrig/mailrig/dom"
	"github.com/mailrig/mailrig/memdom"
)

// pageRecord is one mutation record posted by the page script. Path
// addresses an element by element-child indexes walked from the
// document element; Tag is the addressed element's tag so divergence
// between the page and the mirror is caught instead of applied.
type pageRecord struct {
	Op    string `json:"op"`
	Path  []int  `json:"path"`
	Tag   string `json:"tag,omitempty"`
	CTag  string `json:"ctag,omitempty"`
	Index int    `json:"index,omitempty"`
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
	HTML  string `json:"html,omitempty"`
}

// pageMessage is the envelope for every binding payload.
type pageMessage struct {
	Type    string       `json:"type"`
	Email   string       `json:"email,omitempty"`
	Locale  string       `json:"locale,omitempty"`
	Records []pageRecord `json:"records,omitempty"`
}

// mirror keeps an in-memory document in step with the live page. Records
// apply best-effort: any record that cannot be located, or that lands on
// an element whose tag disagrees with the page's, abandons the batch and
// rebuilds the body from a fresh snapshot. Every batch ends with exactly
// one Flush so observers see page ticks, not individual edits.
type mirror struct {
	doc      *memdom.Document
	snapshot func(context.Context) (string, error)
	logger   *slog.Logger
}

func (m *mirror) apply(ctx context.Context, records []pageRecord) {
	defer m.doc.Flush()
	for _, rec := range records {
		if err := m.applyOne(rec); err != nil {
			m.logger.Warn("cdpdom: mirror diverged, resyncing", "op", rec.Op, "err", err)
			if rerr := m.resync(ctx); rerr != nil {
				m.logger.Error("cdpdom: resync failed", "err", rerr)
			}
			return
		}
	}
}

func (m *mirror) applyOne(rec pageRecord) error {
	if rec.Op == "resync" {
		return fmt.Errorf("page requested resync")
	}
	el, err := m.resolve(rec.Path, rec.Tag)
	if err != nil {
		return err
	}
	switch rec.Op {
	case "insert":
		_, err := m.doc.InsertChildHTML(el, rec.HTML, rec.Index)
		return err
	case "remove":
		kids := el.Children()
		if rec.Index < 0 || rec.Index >= len(kids) {
			return fmt.Errorf("remove index %d outside %d children", rec.Index, len(kids))
		}
		child := kids[rec.Index]
		if rec.CTag != "" && child.Tag() != rec.CTag {
			return fmt.Errorf("remove resolved to <%s>, page removed <%s>", child.Tag(), rec.CTag)
		}
		return m.doc.RemoveNode(child)
	case "text":
		return m.doc.SetText(el, rec.Value)
	case "attr":
		return m.doc.SetAttr(el, rec.Name, rec.Value)
	case "attr_del":
		return m.doc.RemoveAttr(el, rec.Name)
	}
	m.logger.Debug("cdpdom: unknown record op skipped", "op", rec.Op)
	return nil
}

func (m *mirror) resolve(path []int, tag string) (dom.Node, error) {
	node := m.doc.Root()
	for depth, idx := range path {
		kids := node.Children()
		if idx < 0 || idx >= len(kids) {
			return nil, fmt.Errorf("path step %d: index %d outside %d children", depth, idx, len(kids))
		}
		node = kids[idx]
	}
	if tag != "" && node.Tag() != tag {
		return nil, fmt.Errorf("path resolved to <%s>, page says <%s>", node.Tag(), tag)
	}
	return node, nil
}

// resync rebuilds the mirror's body from a fresh page snapshot. The
// document object stays the same; body children are replaced, so views
// rooted in them are destroyed and re-arrive against the fresh markup.
func (m *mirror) resync(ctx context.Context) error {
	page, err := m.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	fresh, err := memdom.ParseString(page)
	if err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	body, ok := m.doc.Root().Query("body")
	if !ok {
		return fmt.Errorf("mirror has no body")
	}
	freshBody, ok := fresh.Root().Query("body")
	if !ok {
		return fmt.Errorf("snapshot has no body")
	}

	for _, c := range body.Children() {
		if err := m.doc.RemoveNode(c); err != nil {
			m.logger.Warn("cdpdom: resync removal failed", "tag", c.Tag(), "err", err)
		}
	}
	for _, c := range freshBody.Children() {
		if _, err := m.doc.AppendChildHTML(body, c.HTML()); err != nil {
			m.logger.Warn("cdpdom: resync fragment skipped", "tag", c.Tag(), "err", err)
		}
	}

	freshAttrs := freshBody.Attrs()
	for name := range body.Attrs() {
		if _, ok := freshAttrs[name]; !ok {
			m.doc.RemoveAttr(body, name)
		}
	}
	for name, val := range freshAttrs {
		if cur, ok := body.Attr(name); !ok || cur != val {
			m.doc.SetAttr(body, name, val)
		}
	}
	return nil
}
