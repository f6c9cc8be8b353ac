package dom

import (
	"strings"

	"github.com/skritek/pagepilot/api/schemas"
)

// NodeID is an index into the tree's node arena.
type NodeID int

// NilNode marks the absence of a node, e.g. the root's parent.
const NilNode NodeID = -1

// NodeKind discriminates element and text nodes.
type NodeKind uint8

const (
	KindElement NodeKind = iota
	KindText
)

// Node is one entry of the arena. Links are arena indices, so the tree
// carries no owning pointers and no cycles.
type Node struct {
	ID       NodeID
	Parent   NodeID
	Children []NodeID
	Kind     NodeKind

	Tag   string
	Attrs map[string]string
	Text  string

	Visible     bool
	Interactive bool
	InViewport  bool
	// Pruned nodes stay in the arena but are excluded from serialization
	// and from the selector view.
	Pruned bool

	Box        *schemas.BoundingBox
	Scroll     *schemas.ScrollInfo
	Options    []schemas.SelectOption
	FrameDepth int
	ShadowHost bool
	// NodeRef is the walker's transient marker value, the dispatch target.
	NodeRef string
}

// Attr returns an attribute value, or "" when absent.
func (n *Node) Attr(name string) string {
	if n.Attrs == nil {
		return ""
	}
	return n.Attrs[name]
}

// Tree is the arena-backed document tree built from one snapshot.
type Tree struct {
	SnapshotID string
	URL        string
	Title      string
	Viewport   schemas.Viewport
	Stats      schemas.SnapshotStats

	nodes []Node
	root  NodeID
}

// Root returns the document root, or NilNode for an empty tree.
func (t *Tree) Root() NodeID { return t.root }

// Len is the number of nodes in the arena.
func (t *Tree) Len() int { return len(t.nodes) }

// Node returns the node for an ID, or nil when out of range.
func (t *Tree) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return &t.nodes[int(id)]
}

// Walk visits the tree in document order, depth first. Returning false from
// fn skips the node's subtree.
func (t *Tree) Walk(fn func(n *Node, depth int) bool) {
	if t.root == NilNode {
		return
	}
	t.walkFrom(t.root, 0, fn)
}

func (t *Tree) walkFrom(id NodeID, depth int, fn func(n *Node, depth int) bool) {
	n := t.Node(id)
	if n == nil {
		return
	}
	if !fn(n, depth) {
		return
	}
	for _, child := range n.Children {
		t.walkFrom(child, depth+1, fn)
	}
}

// Depth returns the node's distance from the root.
func (t *Tree) Depth(id NodeID) int {
	depth := 0
	for n := t.Node(id); n != nil && n.Parent != NilNode; n = t.Node(n.Parent) {
		depth++
	}
	return depth
}

// CollapsedText aggregates the visible text under a node into a single
// whitespace-collapsed string, capped at max runes. Subtrees of nested
// interactive elements are skipped, so a container's label does not swallow
// the labels of the controls inside it.
func (t *Tree) CollapsedText(id NodeID, max int) string {
	start := t.Node(id)
	if start == nil {
		return ""
	}
	var parts []string
	t.walkFrom(id, 0, func(n *Node, _ int) bool {
		if n.ID != id && n.Kind == KindElement && n.Interactive {
			return false
		}
		if n.Kind == KindText && n.Visible && n.Text != "" {
			parts = append(parts, n.Text)
		}
		return true
	})
	text := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	if max > 0 {
		runes := []rune(text)
		if len(runes) > max {
			text = string(runes[:max])
		}
	}
	return text
}
