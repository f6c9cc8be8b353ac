// File: internal/dom/builder_test.go
package dom_test

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skritek/pagepilot/api/schemas"
	"github.com/skritek/pagepilot/internal/dom"
)

// -- Fixture Helpers --

type rawOpt func(*schemas.RawNode)

func el(index, parent int, tag string, opts ...rawOpt) schemas.RawNode {
	n := schemas.RawNode{
		Index:   index,
		Parent:  parent,
		Kind:    schemas.RawElement,
		Tag:     tag,
		Visible: true,
	}
	for _, o := range opts {
		o(&n)
	}
	return n
}

func txt(index, parent int, text string) schemas.RawNode {
	return schemas.RawNode{
		Index:   index,
		Parent:  parent,
		Kind:    schemas.RawText,
		Text:    text,
		Visible: true,
	}
}

func attrs(kv ...string) rawOpt {
	return func(n *schemas.RawNode) {
		if n.Attrs == nil {
			n.Attrs = make(map[string]string, len(kv)/2)
		}
		for i := 0; i+1 < len(kv); i += 2 {
			n.Attrs[kv[i]] = kv[i+1]
		}
	}
}

func box(x, y, w, h float64) rawOpt {
	return func(n *schemas.RawNode) {
		n.Box = &schemas.BoundingBox{X: x, Y: y, W: w, H: h}
	}
}

func clickable(ref string) rawOpt {
	return func(n *schemas.RawNode) {
		n.Interactive = true
		n.NodeRef = ref
	}
}

func invisible() rawOpt {
	return func(n *schemas.RawNode) { n.Visible = false }
}

func newSnapshot(nodes ...schemas.RawNode) *schemas.PageSnapshot {
	return &schemas.PageSnapshot{
		SnapshotID: "snap-1",
		URL:        "https://example.com/login",
		Title:      "Example Login",
		Viewport:   schemas.Viewport{Width: 1280, Height: 720, PageHeight: 4000},
		Nodes:      nodes,
	}
}

// loginSnapshot is the shared fixture: a small login page with a form, a
// link, and a footer far below the viewport.
func loginSnapshot() *schemas.PageSnapshot {
	return newSnapshot(
		el(0, -1, "html"),
		el(1, 0, "body"),
		el(2, 1, "h1", box(100, 40, 400, 30)),
		txt(3, 2, "Sign in to Example"),
		el(4, 1, "form", attrs("action", "/login", "method", "post"), box(100, 100, 500, 300)),
		el(5, 4, "input", attrs("type", "email", "name", "email", "placeholder", "Email"), clickable("n-5"), box(120, 120, 300, 32)),
		el(6, 4, "input", attrs("type", "password", "name", "password"), clickable("n-6"), box(120, 170, 300, 32)),
		el(7, 4, "button", attrs("type", "submit"), clickable("n-7"), box(120, 220, 120, 40)),
		txt(8, 7, "Log in"),
		el(9, 1, "a", attrs("href", "/forgot?utm_source=login"), clickable("n-9"), box(120, 280, 180, 20)),
		txt(10, 9, "Forgot password?"),
		el(11, 1, "footer", box(0, 3800, 1280, 120)),
		el(12, 11, "a", attrs("href", "/terms"), clickable("n-12"), box(40, 3840, 90, 18)),
		txt(13, 12, "Terms"),
	)
}

func buildAll(t *testing.T, snap *schemas.PageSnapshot) *dom.Tree {
	t.Helper()
	tree, err := dom.BuildTree(snap, dom.BuildOptions{ViewportExpansion: -1})
	require.NoError(t, err)
	return tree
}

// -- Tests --

func TestBuildTree_AssemblesDocumentOrder(t *testing.T) {
	snap := loginSnapshot()

	// The payload array order is not the document order; declared indices are.
	for i, j := 0, len(snap.Nodes)-1; i < j; i, j = i+1, j-1 {
		snap.Nodes[i], snap.Nodes[j] = snap.Nodes[j], snap.Nodes[i]
	}

	tree := buildAll(t, snap)
	require.Equal(t, 14, tree.Len())
	require.Equal(t, dom.NodeID(0), tree.Root())

	form := tree.Node(4)
	require.NotNil(t, form)
	assert.Equal(t, "form", form.Tag)
	assert.Equal(t, []dom.NodeID{5, 6, 7}, form.Children)

	body := tree.Node(1)
	require.NotNil(t, body)
	assert.Equal(t, []dom.NodeID{2, 4, 9, 11}, body.Children)

	btn := tree.Node(7)
	require.NotNil(t, btn)
	assert.True(t, btn.Interactive)
	assert.Equal(t, "n-7", btn.NodeRef)
}

func TestBuildTree_RejectsMalformedPayloads(t *testing.T) {
	cases := []struct {
		name  string
		nodes []schemas.RawNode
		want  string
	}{
		{
			name:  "empty payload",
			nodes: nil,
			want:  "no nodes",
		},
		{
			name: "duplicate index",
			nodes: []schemas.RawNode{
				el(0, -1, "html"),
				el(1, 0, "body"),
				el(1, 0, "div"),
			},
			want: "duplicate node index",
		},
		{
			name: "index out of range",
			nodes: []schemas.RawNode{
				el(0, -1, "html"),
				el(5, 0, "div"),
			},
			want: "out of range",
		},
		{
			name: "self parent",
			nodes: []schemas.RawNode{
				el(0, -1, "html"),
				el(1, 1, "div"),
			},
			want: "invalid parent",
		},
		{
			name: "parent declared after child",
			nodes: []schemas.RawNode{
				el(0, -1, "html"),
				el(1, 2, "div"),
				el(2, 0, "section"),
			},
			want: "invalid parent",
		},
		{
			name: "multiple roots",
			nodes: []schemas.RawNode{
				el(0, -1, "html"),
				el(1, -1, "html"),
			},
			want: "multiple roots",
		},
		{
			name: "negative non-root parent",
			nodes: []schemas.RawNode{
				el(0, -1, "html"),
				el(1, -2, "div"),
			},
			want: "invalid parent",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := newSnapshot(tc.nodes...)
			_, err := dom.BuildTree(snap, dom.BuildOptions{})
			require.Error(t, err)
			assert.ErrorIs(t, err, schemas.ErrSnapshotMalformed)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestBuildTree_AbortedSnapshotIsStale(t *testing.T) {
	snap := loginSnapshot()
	snap.Stats.Aborted = true

	_, err := dom.BuildTree(snap, dom.BuildOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrExtractionStale)
	assert.NotErrorIs(t, err, schemas.ErrSnapshotMalformed)
}

func TestBuildTree_TornSnapshotIsStaleNotMalformed(t *testing.T) {
	// A walk racing a navigation tears the payload: the document URL reads
	// empty, or the counted nodes never arrive. Both warrant a retry, not
	// the malformed-payload path.
	t.Run("empty document url", func(t *testing.T) {
		snap := loginSnapshot()
		snap.URL = ""

		_, err := dom.BuildTree(snap, dom.BuildOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, schemas.ErrExtractionStale)
		assert.NotErrorIs(t, err, schemas.ErrSnapshotMalformed)
	})

	t.Run("walked nodes never delivered", func(t *testing.T) {
		snap := newSnapshot()
		snap.Stats.Walked = 12

		_, err := dom.BuildTree(snap, dom.BuildOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, schemas.ErrExtractionStale)
		assert.NotErrorIs(t, err, schemas.ErrSnapshotMalformed)
	})
}

func TestBuildTree_PrunesOutsideViewportBand(t *testing.T) {
	// Expansion 0.5 of a 720px viewport keeps the band [-360, 1080].
	tree, err := dom.BuildTree(loginSnapshot(), dom.BuildOptions{ViewportExpansion: 0.5})
	require.NoError(t, err)

	assert.False(t, tree.Node(5).Pruned, "in-view input stays")
	assert.False(t, tree.Node(9).Pruned, "near-view link stays")
	assert.True(t, tree.Node(11).Pruned, "footer at y=3800 is out of band")
	assert.True(t, tree.Node(12).Pruned, "footer link goes with it")
	assert.True(t, tree.Node(13).Pruned, "footer text follows its parent")

	// Boxless structural ancestors of kept nodes always survive.
	assert.False(t, tree.Node(0).Pruned)
	assert.False(t, tree.Node(1).Pruned)
}

func TestBuildTree_KeepsAncestorsOfInBandNodes(t *testing.T) {
	snap := newSnapshot(
		el(0, -1, "html"),
		el(1, 0, "body"),
		// Container box sits fully below the band; an absolutely
		// positioned child lands back inside it.
		el(2, 1, "div", box(0, 2000, 1280, 1500)),
		el(3, 2, "a", attrs("href", "/x"), clickable("n-3"), box(40, 700, 100, 20)),
	)

	tree, err := dom.BuildTree(snap, dom.BuildOptions{ViewportExpansion: 0.5})
	require.NoError(t, err)
	assert.False(t, tree.Node(3).Pruned)
	assert.False(t, tree.Node(2).Pruned, "container is kept for its in-band child")
}

func TestBuildTree_NegativeExpansionDisablesPruning(t *testing.T) {
	tree, err := dom.BuildTree(loginSnapshot(), dom.BuildOptions{ViewportExpansion: -1})
	require.NoError(t, err)
	for i := 0; i < tree.Len(); i++ {
		assert.False(t, tree.Node(dom.NodeID(i)).Pruned, "node %d", i)
	}
}

// FuzzBuildTree throws arbitrary payloads at the builder. The goal is
// survival: any input is either rejected with an error or produces a tree
// with a valid root, never a panic.
func FuzzBuildTree(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		fuzzConsumer := fuzz.NewConsumer(data)
		snap := &schemas.PageSnapshot{}
		if err := fuzzConsumer.GenerateStruct(snap); err != nil {
			return // Ignore inputs that can't be mapped to the struct.
		}

		defer func() {
			if r := recover(); r != nil {
				t.Errorf("BuildTree panicked: %v", r)
			}
		}()

		tree, err := dom.BuildTree(snap, dom.BuildOptions{ViewportExpansion: 0.5})
		if err != nil {
			return
		}
		require.NotNil(t, tree)
		assert.GreaterOrEqual(t, int(tree.Root()), 0)
		assert.Equal(t, len(snap.Nodes), tree.Len())
	})
}
