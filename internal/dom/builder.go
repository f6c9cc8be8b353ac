package dom

import (
	"fmt"

	"github.com/skritek/pagepilot/api/schemas"
)

// BuildOptions controls tree construction.
type BuildOptions struct {
	// ViewportExpansion widens the visible band used for pruning, as a
	// fraction of the viewport height. Nodes whose box falls outside the
	// expanded band are pruned unless an in-band descendant needs them.
	// Negative disables pruning entirely.
	ViewportExpansion float64
}

// BuildTree validates a raw snapshot payload and assembles the node arena.
// Nodes may arrive in any array order; document order is defined by each
// node's declared index, which the walker assigns parent-first.
func BuildTree(snap *schemas.PageSnapshot, opts BuildOptions) (*Tree, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", schemas.ErrSnapshotMalformed)
	}
	if snap.Stats.Aborted {
		return nil, fmt.Errorf("%w: page navigated during extraction", schemas.ErrExtractionStale)
	}
	// A walker racing a navigation hands back a torn payload: the document
	// URL reads empty, or nodes vanished after being counted.
	if snap.URL == "" {
		return nil, fmt.Errorf("%w: snapshot carries no document URL", schemas.ErrExtractionStale)
	}
	if len(snap.Nodes) == 0 && snap.Stats.Walked > 0 {
		return nil, fmt.Errorf("%w: walker visited %d nodes but delivered none", schemas.ErrExtractionStale, snap.Stats.Walked)
	}
	if len(snap.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", schemas.ErrSnapshotMalformed)
	}

	n := len(snap.Nodes)
	t := &Tree{
		SnapshotID: snap.SnapshotID,
		URL:        snap.URL,
		Title:      snap.Title,
		Viewport:   snap.Viewport,
		Stats:      snap.Stats,
		nodes:      make([]Node, n),
		root:       NilNode,
	}

	seen := make([]bool, n)
	for i := range snap.Nodes {
		raw := &snap.Nodes[i]
		if raw.Index < 0 || raw.Index >= n {
			return nil, fmt.Errorf("%w: node index %d out of range [0,%d)", schemas.ErrSnapshotMalformed, raw.Index, n)
		}
		if seen[raw.Index] {
			return nil, fmt.Errorf("%w: duplicate node index %d", schemas.ErrSnapshotMalformed, raw.Index)
		}
		seen[raw.Index] = true

		node := Node{
			ID:          NodeID(raw.Index),
			Parent:      NodeID(raw.Parent),
			Kind:        KindElement,
			Tag:         raw.Tag,
			Attrs:       raw.Attrs,
			Text:        raw.Text,
			Visible:     raw.Visible,
			Interactive: raw.Interactive,
			InViewport:  raw.InViewport,
			Box:         raw.Box,
			Scroll:      raw.Scroll,
			Options:     raw.Options,
			FrameDepth:  raw.FrameDepth,
			ShadowHost:  raw.ShadowHost,
			NodeRef:     raw.NodeRef,
		}
		if raw.Kind == schemas.RawText {
			node.Kind = KindText
		}
		t.nodes[raw.Index] = node
	}

	for i := range t.nodes {
		node := &t.nodes[i]
		if node.Parent == NilNode {
			if t.root != NilNode {
				return nil, fmt.Errorf("%w: multiple roots (%d and %d)", schemas.ErrSnapshotMalformed, t.root, node.ID)
			}
			t.root = node.ID
			continue
		}
		// The walker emits parents before children, so every edge points
		// to a smaller index. This also rules out cycles.
		if node.Parent < 0 || int(node.Parent) >= n || node.Parent >= node.ID {
			return nil, fmt.Errorf("%w: node %d has invalid parent %d", schemas.ErrSnapshotMalformed, node.ID, node.Parent)
		}
	}
	if t.root == NilNode {
		return nil, fmt.Errorf("%w: no root node", schemas.ErrSnapshotMalformed)
	}

	// Children in ascending index order regardless of payload order.
	for i := range t.nodes {
		node := &t.nodes[i]
		if node.Parent != NilNode {
			p := t.Node(node.Parent)
			p.Children = append(p.Children, node.ID)
		}
	}

	if opts.ViewportExpansion >= 0 {
		pruneOutOfBand(t, opts.ViewportExpansion)
	}
	return t, nil
}

// pruneOutOfBand marks nodes outside the expanded viewport band. A node with
// a box is kept when the box intersects the band; ancestors of kept nodes
// are kept so the rendered tree stays connected. Nodes without geometry
// inherit their parent's fate.
func pruneOutOfBand(t *Tree, expansion float64) {
	margin := expansion * float64(t.Viewport.Height)
	minX, maxX := -margin, float64(t.Viewport.Width)+margin
	minY, maxY := -margin, float64(t.Viewport.Height)+margin

	keep := make([]bool, len(t.nodes))
	for i := range t.nodes {
		node := &t.nodes[i]
		if node.Box == nil {
			continue
		}
		b := node.Box
		if b.X+b.W >= minX && b.X <= maxX && b.Y+b.H >= minY && b.Y <= maxY {
			keep[i] = true
		}
	}
	// Kept nodes pull in their ancestor chain.
	for i := range t.nodes {
		if !keep[i] {
			continue
		}
		for p := t.nodes[i].Parent; p != NilNode && !keep[p]; p = t.nodes[p].Parent {
			keep[p] = true
		}
	}
	// Root always survives; boxless nodes follow their parent.
	for i := range t.nodes {
		node := &t.nodes[i]
		if node.Parent == NilNode {
			node.Pruned = false
			continue
		}
		if node.Box == nil {
			node.Pruned = !keep[i] && t.nodes[node.Parent].Pruned
			continue
		}
		node.Pruned = !keep[i]
	}
}
