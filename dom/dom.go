// Package dom defines the document contract the view pipeline observes.
//
// The host page's DOM is private and mutating; the pipeline never touches a
// concrete browser API directly. Instead it is handed a Document (a
// capability, not a global) and subscribes to mutation batches through it.
// Two implementations exist in this module: memdom (in-memory, used by tests,
// the replay command, and as the live mirror) and cdpdom (a live Chrome page
// bridged over CDP). Consumers must work identically against either.
package dom

// NodeType distinguishes the node kinds the pipeline cares about. Comment
// and document nodes are never surfaced.
type NodeType int

const (
	ElementNode NodeType = iota + 1
	TextNode
)

// Node is a handle to a single DOM node. Handles stay valid after the node
// is detached: identity, tag, attribute and HTML accessors keep answering
// from the node's last state so late callers fail gracefully instead of
// crashing, but Parent returns nil and queries match nothing.
type Node interface {
	// ID is a stable identifier unique within the owning document for the
	// node's entire life, including after detachment.
	ID() string

	Type() NodeType

	// Tag is the lowercase element name ("div"), empty for text nodes.
	Tag() string

	Attr(name string) (string, bool)
	Attrs() map[string]string

	// Text is the concatenated text content of the node and its descendants.
	Text() string

	// HTML is the node's outer-HTML serialization.
	HTML() string

	// InnerHTML is the serialization of the node's content without the
	// node's own tag.
	InnerHTML() string

	// Parent is the parent element, nil for the root or a detached node.
	Parent() Node

	// Children returns the element children in document order. Text nodes
	// are not included.
	Children() []Node

	// Matches reports whether the node matches a CSS selector. Invalid
	// selectors match nothing.
	Matches(selector string) bool

	// Query returns the first descendant matching a CSS selector. Invalid
	// selectors behave as no-match.
	Query(selector string) (Node, bool)

	// QueryAll returns all descendants matching a CSS selector, in
	// document order.
	QueryAll(selector string) []Node

	// Contains reports whether other is the node itself or a descendant.
	Contains(other Node) bool
}

// MutationKind is the type of DOM mutation observed.
type MutationKind int

const (
	ChildAdded MutationKind = iota + 1
	ChildRemoved
	AttrChanged
	TextChanged
)

func (k MutationKind) String() string {
	switch k {
	case ChildAdded:
		return "child_added"
	case ChildRemoved:
		return "child_removed"
	case AttrChanged:
		return "attr_changed"
	case TextChanged:
		return "text_changed"
	}
	return "unknown"
}

// Mutation is a single observed DOM change. Field use follows the kind:
// child list mutations set Target (the parent) and Node (the child);
// attribute mutations set Target, Name, Value and OldValue; text mutations
// set Target, Value and OldValue.
type Mutation struct {
	Kind     MutationKind
	Target   Node
	Node     Node
	Name     string
	Value    string
	OldValue string
}

// ObserveOptions mirrors the mutation-observer configuration surface the
// pipeline needs: direct child tracking, subtree widening, and attribute
// changes restricted to a filter list.
type ObserveOptions struct {
	ChildList       bool
	Subtree         bool
	Attributes      bool
	AttributeFilter []string
	CharacterData   bool
}

// Observer is a live mutation subscription. Records delivers one slice per
// coalesced tick: every mutation observed in the same tick arrives together,
// in observation order. Stop ends the subscription and closes the channel;
// it is idempotent.
type Observer interface {
	Records() <-chan []Mutation
	Stop()
}

// Document is the injected DOM capability.
type Document interface {
	Root() Node

	// Observe subscribes to mutations at target per opts. The returned
	// observer is independent of any other subscription on the same target.
	Observe(target Node, opts ObserveOptions) (Observer, error)
}

// Closest walks from n up through its ancestors and returns the first node
// matching the selector, n itself included.
func Closest(n Node, selector string) (Node, bool) {
	for cur := n; cur != nil; cur = cur.Parent() {
		if cur.Matches(selector) {
			return cur, true
		}
	}
	return nil, false
}
