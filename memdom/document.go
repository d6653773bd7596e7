// Package memdom is an in-memory DOM implementing the dom contract.
//
// It parses an HTML snapshot into a node tree (x/net/html), answers CSS
// queries (goquery), and exposes an explicit mutation API. Mutations buffer
// until Flush, which delivers one coalesced batch per observer; the flush is
// the tick boundary, so tests and the replay command control exactly which
// changes the pipeline sees together. The CDP adapter maintains a memdom
// mirror of the live page and flushes once per received page batch.
package memdom

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/mailrig/mailrig/dom"
)

// Document is an in-memory DOM. All methods are safe for concurrent use;
// reads and mutations serialize on one tree lock.
type Document struct {
	mu     sync.Mutex
	root   *html.Node // the document node, kept for whole-tree serialization
	rootEl *Node
	seq    int
	nodes  map[*html.Node]*Node
	byID   map[string]*Node

	observers []*observer
	pending   []pendingMutation

	// flushMu serializes Flush delivery and fences observer channel close.
	flushMu sync.Mutex
}

type pendingMutation struct {
	m    dom.Mutation
	dest []*observer
}

// Parse builds a Document from an HTML snapshot.
func Parse(r io.Reader) (*Document, error) {
	rootNode, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("memdom: parse: %w", err)
	}
	d := &Document{
		root:  rootNode,
		nodes: make(map[*html.Node]*Node),
		byID:  make(map[string]*Node),
	}
	var el *html.Node
	for c := rootNode.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			el = c
			break
		}
	}
	if el == nil {
		return nil, fmt.Errorf("memdom: snapshot has no root element")
	}
	d.mu.Lock()
	d.rootEl = d.wrapTree(el)
	d.mu.Unlock()
	return d, nil
}

// ParseString is Parse over a string snapshot.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// Root returns the document's root element.
func (d *Document) Root() dom.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rootEl
}

// NodeByID returns the node with the given stable ID.
func (d *Document) NodeByID(id string) (dom.Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.byID[id]
	if !ok {
		return nil, false
	}
	return n, true
}

// HTML serializes the whole document.
func (d *Document) HTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	if err := html.Render(&b, d.root); err != nil {
		return ""
	}
	return b.String()
}

// wrap returns the Node handle for h, allocating a stable ID on first use.
// d.mu must be held.
func (d *Document) wrap(h *html.Node) *Node {
	if n, ok := d.nodes[h]; ok {
		return n
	}
	d.seq++
	n := &Node{doc: d, id: fmt.Sprintf("n%d", d.seq), n: h}
	d.nodes[h] = n
	d.byID[n.id] = n
	return n
}

// wrapTree wraps el and every element beneath it in document order, so IDs
// are assigned by tree position rather than access order. d.mu must be held.
func (d *Document) wrapTree(el *html.Node) *Node {
	n := d.wrap(el)
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			d.wrapTree(c)
		}
	}
	return n
}

func (d *Document) asNode(n dom.Node) (*Node, error) {
	mn, ok := n.(*Node)
	if !ok || mn == nil {
		return nil, fmt.Errorf("memdom: foreign node %T", n)
	}
	if mn.doc != d {
		return nil, fmt.Errorf("memdom: node %s belongs to another document", mn.id)
	}
	return mn, nil
}

// AppendChildHTML parses fragment in the context of parent and appends it.
// The fragment must have exactly one top-level element; its subtree is
// assigned IDs in document order. The addition is buffered until Flush.
func (d *Document) AppendChildHTML(parent dom.Node, fragment string) (*Node, error) {
	return d.insertChildHTML(parent, fragment, -1)
}

// InsertChildHTML is AppendChildHTML at a position: the new element is
// inserted before the element child currently at index. An index at or
// beyond the element-child count appends.
func (d *Document) InsertChildHTML(parent dom.Node, fragment string, index int) (*Node, error) {
	if index < 0 {
		index = 0
	}
	return d.insertChildHTML(parent, fragment, index)
}

func (d *Document) insertChildHTML(parent dom.Node, fragment string, index int) (*Node, error) {
	p, err := d.asNode(parent)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	parsed, err := html.ParseFragment(strings.NewReader(fragment), p.n)
	if err != nil {
		return nil, fmt.Errorf("memdom: parse fragment: %w", err)
	}
	var els []*html.Node
	for _, h := range parsed {
		if h.Type == html.ElementNode {
			els = append(els, h)
		}
	}
	if len(els) != 1 {
		return nil, fmt.Errorf("memdom: fragment must have a single root element, got %d", len(els))
	}

	var ref *html.Node
	if index >= 0 {
		n := 0
		for c := p.n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if n == index {
				ref = c
				break
			}
			n++
		}
	}
	if ref != nil {
		p.n.InsertBefore(els[0], ref)
	} else {
		p.n.AppendChild(els[0])
	}
	child := d.wrapTree(els[0])
	d.queue(dom.Mutation{Kind: dom.ChildAdded, Target: p, Node: child})
	return child, nil
}

// RemoveNode detaches n from its parent. The handle stays readable; Parent
// answers nil and the node no longer matches document queries. The removal
// is buffered until Flush.
func (d *Document) RemoveNode(n dom.Node) error {
	mn, err := d.asNode(n)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	parent := mn.n.Parent
	if parent == nil || parent.Type != html.ElementNode {
		return fmt.Errorf("memdom: node %s is not attached", mn.id)
	}
	// Queue before detaching so subtree observers still see the ancestry
	// the removal happened under.
	d.queue(dom.Mutation{Kind: dom.ChildRemoved, Target: d.wrap(parent), Node: mn})
	parent.RemoveChild(mn.n)
	return nil
}

// SetAttr sets an attribute, buffering an attribute mutation until Flush.
func (d *Document) SetAttr(n dom.Node, name, value string) error {
	mn, err := d.asNode(n)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	old := ""
	found := false
	for i := range mn.n.Attr {
		if mn.n.Attr[i].Key == name {
			old = mn.n.Attr[i].Val
			mn.n.Attr[i].Val = value
			found = true
			break
		}
	}
	if !found {
		mn.n.Attr = append(mn.n.Attr, html.Attribute{Key: name, Val: value})
	}
	d.queue(dom.Mutation{Kind: dom.AttrChanged, Target: mn, Name: name, Value: value, OldValue: old})
	return nil
}

// RemoveAttr removes an attribute. Removing an absent attribute is a no-op
// and buffers nothing.
func (d *Document) RemoveAttr(n dom.Node, name string) error {
	mn, err := d.asNode(n)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range mn.n.Attr {
		if mn.n.Attr[i].Key == name {
			old := mn.n.Attr[i].Val
			mn.n.Attr = append(mn.n.Attr[:i], mn.n.Attr[i+1:]...)
			d.queue(dom.Mutation{Kind: dom.AttrChanged, Target: mn, Name: name, Value: "", OldValue: old})
			return nil
		}
	}
	return nil
}

// SetText replaces n's children with a single text node, like a textContent
// store. Element children removed this way buffer child-removal mutations so
// streams tracking them end their items.
func (d *Document) SetText(n dom.Node, text string) error {
	mn, err := d.asNode(n)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	old := mn.textLocked()
	for c := mn.n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode {
			d.queue(dom.Mutation{Kind: dom.ChildRemoved, Target: mn, Node: d.wrap(c)})
		}
		mn.n.RemoveChild(c)
		c = next
	}
	if text != "" {
		mn.n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
	d.queue(dom.Mutation{Kind: dom.TextChanged, Target: mn, Value: text, OldValue: old})
	return nil
}

// queue buffers m for every observer whose registration matches it at this
// moment. Matching happens at queue time, not flush time, so records route
// by the tree shape the mutation actually happened under. d.mu must be held.
func (d *Document) queue(m dom.Mutation) {
	var dest []*observer
	for _, o := range d.observers {
		if o.wants(m) {
			dest = append(dest, o)
		}
	}
	if len(dest) > 0 {
		d.pending = append(d.pending, pendingMutation{m: m, dest: dest})
	}
}

// Flush delivers everything buffered since the last Flush, one coalesced
// batch per observer, in buffer order. A batch send blocks when the
// subscriber's buffer is full; mutations are never dropped.
func (d *Document) Flush() {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	order := make([]*observer, len(d.observers))
	copy(order, d.observers)
	d.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	batches := make(map[*observer][]dom.Mutation)
	for _, pm := range pending {
		for _, o := range pm.dest {
			batches[o] = append(batches[o], pm.m)
		}
	}
	for _, o := range order {
		if batch := batches[o]; len(batch) > 0 {
			o.deliver(batch)
		}
		delete(batches, o)
	}
	// Observers stopped since queue time: their deliveries drop via the
	// done guard inside deliver.
	for o, batch := range batches {
		o.deliver(batch)
	}
}
