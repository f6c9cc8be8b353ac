package dom

import "github.com/skritek/pagepilot/api/schemas"

// SelectorMap is the numbered view over one tree: a dense index from the
// small integers the model reasons about to the interactive elements behind
// them. Maps are immutable once built; a fresh perception cycle builds a
// fresh map under the next generation.
type SelectorMap struct {
	snapshotID string
	generation uint64

	nodes        []NodeID
	signatures   []string
	descriptions []string
	byNode       map[NodeID]int
	bySignature  map[string]int

	tree *Tree
}

// BuildSelectorMap numbers the tree's visible interactive elements in
// document order. Generations are assigned by the caller and start at 1;
// zero means "unknown" in staleness checks.
func BuildSelectorMap(t *Tree, generation uint64) *SelectorMap {
	m := &SelectorMap{
		snapshotID:  t.SnapshotID,
		generation:  generation,
		byNode:      make(map[NodeID]int),
		bySignature: make(map[string]int),
		tree:        t,
	}
	t.Walk(func(n *Node, _ int) bool {
		if n.Pruned {
			return false
		}
		if n.Kind != KindElement || !n.Interactive || !n.Visible {
			return true
		}
		idx := len(m.nodes)
		sig, desc := ComputeSignature(t, n.ID)
		m.nodes = append(m.nodes, n.ID)
		m.signatures = append(m.signatures, sig)
		m.descriptions = append(m.descriptions, desc)
		m.byNode[n.ID] = idx
		if _, taken := m.bySignature[sig]; !taken {
			m.bySignature[sig] = idx
		}
		return true
	})
	return m
}

// Len is the number of indexable elements.
func (m *SelectorMap) Len() int { return len(m.nodes) }

// Generation identifies the perception cycle this map belongs to.
func (m *SelectorMap) Generation() uint64 { return m.generation }

// SnapshotID names the snapshot the map was built from.
func (m *SelectorMap) SnapshotID() string { return m.snapshotID }

// Tree returns the tree the map indexes into.
func (m *SelectorMap) Tree() *Tree { return m.tree }

// Resolve maps an element index to its node, with no staleness check.
func (m *SelectorMap) Resolve(index int) (NodeID, error) {
	return m.ResolveAt(m.generation, index)
}

// ResolveAt maps an element index decided against view generation issued.
// An index from an expired view is rejected as stale even when it would be
// in range, because the elements it once named may have renumbered.
func (m *SelectorMap) ResolveAt(issued uint64, index int) (NodeID, error) {
	if issued != 0 && issued != m.generation {
		return NilNode, &schemas.IndexError{Index: index, Size: len(m.nodes), Issued: issued, Current: m.generation}
	}
	if index < 0 || index >= len(m.nodes) {
		return NilNode, &schemas.IndexError{Index: index, Size: len(m.nodes), Issued: m.generation, Current: m.generation}
	}
	return m.nodes[index], nil
}

// Node resolves an index straight to the node, or nil when unresolvable.
func (m *SelectorMap) Node(index int) *Node {
	id, err := m.Resolve(index)
	if err != nil {
		return nil
	}
	return m.tree.Node(id)
}

// IndexOf returns the element index assigned to a node, if any.
func (m *SelectorMap) IndexOf(id NodeID) (int, bool) {
	idx, ok := m.byNode[id]
	return idx, ok
}

// Signature returns the stable identity of the element at index.
func (m *SelectorMap) Signature(index int) string {
	if index < 0 || index >= len(m.signatures) {
		return ""
	}
	return m.signatures[index]
}

// Description returns the readable form the signature was hashed from.
func (m *SelectorMap) Description(index int) string {
	if index < 0 || index >= len(m.descriptions) {
		return ""
	}
	return m.descriptions[index]
}

// BySignature finds the current index of a previously recorded signature.
// When several elements share a signature the first in document order wins.
func (m *SelectorMap) BySignature(sig string) (int, bool) {
	idx, ok := m.bySignature[sig]
	return idx, ok
}

// Signatures returns the signature of every indexed element, ordered by
// index. The slice is the map's own; callers must not mutate it.
func (m *SelectorMap) Signatures() []string { return m.signatures }

// Ref returns the dispatch marker of the element at index, "" when the
// snapshot carries no live markers (offline trees).
func (m *SelectorMap) Ref(index int) string {
	n := m.Node(index)
	if n == nil {
		return ""
	}
	return n.NodeRef
}
