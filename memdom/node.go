package memdom

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/mailrig/mailrig/dom"
)

var (
	_ dom.Document = (*Document)(nil)
	_ dom.Node     = (*Node)(nil)
)

// Node is a handle to one tree node. Handles survive detachment: reads keep
// answering from the node's subtree, Parent answers nil, document queries no
// longer reach it.
type Node struct {
	doc *Document
	id  string
	n   *html.Node
}

func (n *Node) ID() string { return n.id }

func (n *Node) Type() dom.NodeType {
	if n.n.Type == html.TextNode {
		return dom.TextNode
	}
	return dom.ElementNode
}

func (n *Node) Tag() string {
	if n.n.Type != html.ElementNode {
		return ""
	}
	return n.n.Data
}

func (n *Node) Attr(name string) (string, bool) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	for _, a := range n.n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func (n *Node) Attrs() map[string]string {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	out := make(map[string]string, len(n.n.Attr))
	for _, a := range n.n.Attr {
		out[a.Key] = a.Val
	}
	return out
}

func (n *Node) Text() string {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	return n.textLocked()
}

// textLocked is Text with d.mu already held.
func (n *Node) textLocked() string {
	if n.n.Type == html.TextNode {
		return n.n.Data
	}
	return goquery.NewDocumentFromNode(n.n).Text()
}

func (n *Node) HTML() string {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	var b strings.Builder
	if err := html.Render(&b, n.n); err != nil {
		return ""
	}
	return b.String()
}

func (n *Node) InnerHTML() string {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	var b strings.Builder
	for c := n.n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&b, c); err != nil {
			return ""
		}
	}
	return b.String()
}

func (n *Node) Parent() dom.Node {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	p := n.n.Parent
	if p == nil || p.Type != html.ElementNode {
		return nil
	}
	return n.doc.wrap(p)
}

func (n *Node) Children() []dom.Node {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	var out []dom.Node
	for c := n.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, n.doc.wrap(c))
		}
	}
	return out
}

func (n *Node) Matches(selector string) bool {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	if n.n.Type != html.ElementNode {
		return false
	}
	return goquery.NewDocumentFromNode(n.n).Is(selector)
}

func (n *Node) Query(selector string) (dom.Node, bool) {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	sel := goquery.NewDocumentFromNode(n.n).Find(selector)
	if sel.Length() == 0 {
		return nil, false
	}
	return n.doc.wrap(sel.Get(0)), true
}

func (n *Node) QueryAll(selector string) []dom.Node {
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	sel := goquery.NewDocumentFromNode(n.n).Find(selector)
	out := make([]dom.Node, 0, sel.Length())
	for _, h := range sel.Nodes {
		out = append(out, n.doc.wrap(h))
	}
	return out
}

func (n *Node) Contains(other dom.Node) bool {
	o, ok := other.(*Node)
	if !ok || o.doc != n.doc {
		return false
	}
	n.doc.mu.Lock()
	defer n.doc.mu.Unlock()
	return ancestorOrSelf(n.n, o.n)
}

func ancestorOrSelf(anc, h *html.Node) bool {
	for cur := h; cur != nil; cur = cur.Parent {
		if cur == anc {
			return true
		}
	}
	return false
}
