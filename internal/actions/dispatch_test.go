// File: internal/actions/dispatch_test.go
package actions_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skritek/pagepilot/api/schemas"
	"github.com/skritek/pagepilot/internal/actions"
	"github.com/skritek/pagepilot/internal/dom"
)

// fakeBrowser records every dispatched command and can be told to fail
// specific verbs a number of times.
type fakeBrowser struct {
	mu        sync.Mutex
	commands  []schemas.Command
	failVerbs map[schemas.CommandVerb]int
	text      string
	shot      []byte
}

func (b *fakeBrowser) Dispatch(_ context.Context, cmd schemas.Command) (*schemas.CommandResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, cmd)
	if n := b.failVerbs[cmd.Verb]; n > 0 {
		b.failVerbs[cmd.Verb] = n - 1
		return nil, errors.New("browser: node detached")
	}
	return &schemas.CommandResult{Text: b.text}, nil
}

func (b *fakeBrowser) ExtractStructure(context.Context) (*schemas.PageSnapshot, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBrowser) CaptureScreenshot(context.Context) ([]byte, error) { return b.shot, nil }

func (b *fakeBrowser) CurrentURL(context.Context) (string, error) { return "", nil }

func (b *fakeBrowser) ListTabs(context.Context) ([]schemas.TabInfo, error) { return nil, nil }

func (b *fakeBrowser) Close() error { return nil }

func (b *fakeBrowser) verbs() []schemas.CommandVerb {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schemas.CommandVerb, len(b.commands))
	for i, cmd := range b.commands {
		out[i] = cmd.Verb
	}
	return out
}

// cartSnapshot is a small page with three interactive elements: a coupon
// input (view index 0), a quantity select (1) and a checkout button (2).
func cartSnapshot() *schemas.PageSnapshot {
	box := func(x, y, w, h float64) *schemas.BoundingBox {
		return &schemas.BoundingBox{X: x, Y: y, W: w, H: h}
	}
	return &schemas.PageSnapshot{
		SnapshotID: "snap-cart",
		URL:        "https://shop.example/cart",
		Title:      "Cart",
		Viewport:   schemas.Viewport{Width: 1280, Height: 720, PageHeight: 1400},
		Nodes: []schemas.RawNode{
			{Index: 0, Parent: -1, Kind: schemas.RawElement, Tag: "html", Visible: true},
			{Index: 1, Parent: 0, Kind: schemas.RawElement, Tag: "body", Visible: true, Box: box(0, 0, 1280, 1400)},
			{Index: 2, Parent: 1, Kind: schemas.RawElement, Tag: "input",
				Attrs:   map[string]string{"type": "text", "name": "coupon"},
				Visible: true, Interactive: true, InViewport: true, Box: box(40, 100, 300, 32), NodeRef: "d-2"},
			{Index: 3, Parent: 1, Kind: schemas.RawElement, Tag: "select",
				Attrs:   map[string]string{"name": "qty"},
				Visible: true, Interactive: true, InViewport: true, Box: box(40, 150, 80, 32), NodeRef: "d-3"},
			{Index: 4, Parent: 1, Kind: schemas.RawElement, Tag: "button",
				Attrs:   map[string]string{"type": "submit"},
				Visible: true, Interactive: true, InViewport: true, Box: box(40, 200, 140, 40), NodeRef: "d-4"},
			{Index: 5, Parent: 4, Kind: schemas.RawText, Text: "Checkout", Visible: true},
		},
	}
}

func cartView(t *testing.T, generation uint64) *dom.SelectorMap {
	t.Helper()
	tree, err := dom.BuildTree(cartSnapshot(), dom.BuildOptions{ViewportExpansion: -1})
	require.NoError(t, err)
	return dom.BuildSelectorMap(tree, generation)
}

func newTestDispatcher(cfg actions.DispatchConfig) *actions.Dispatcher {
	return actions.NewDispatcher(actions.NewBuiltinRegistry(), cfg, zap.NewNop())
}

func req(name string, kv ...any) schemas.ActionRequest {
	params := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		params[kv[i].(string)] = kv[i+1]
	}
	return schemas.ActionRequest{Name: name, Params: params}
}

func TestExecute_RunsBatchInOrder(t *testing.T) {
	browser := &fakeBrowser{}
	view := cartView(t, 1)
	env := &actions.Env{Browser: browser, View: view, Generation: view.Generation()}
	d := newTestDispatcher(actions.DispatchConfig{MaxActionsPerStep: 8})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{
		req("type_text", "index", float64(0), "text", "SAVE10"),
		req("select_option", "index", float64(1), "value", "2"),
		req("click", "index", float64(2)),
	})

	require.Len(t, out.Records, 3)
	for _, rec := range out.Records {
		assert.True(t, rec.OK, "record for %s", rec.Name)
		assert.Empty(t, rec.Error)
		assert.NotEmpty(t, rec.TargetSignature)
	}
	assert.False(t, out.Done)
	assert.Empty(t, out.HaltReason)

	assert.Equal(t, []schemas.CommandVerb{
		schemas.VerbType, schemas.VerbSelect, schemas.VerbClick,
	}, browser.verbs())
	assert.Equal(t, "d-2", browser.commands[0].TargetRef)
	assert.Equal(t, "SAVE10", browser.commands[0].Text)
	assert.True(t, browser.commands[0].Clear)
	assert.Equal(t, "d-3", browser.commands[1].TargetRef)
	assert.Equal(t, "2", browser.commands[1].Value)
	assert.Equal(t, "d-4", browser.commands[2].TargetRef)
}

func TestExecute_ValidationFailureRecordedBatchContinues(t *testing.T) {
	browser := &fakeBrowser{}
	view := cartView(t, 1)
	env := &actions.Env{Browser: browser, View: view, Generation: view.Generation()}
	d := newTestDispatcher(actions.DispatchConfig{})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{
		req("click"), // index missing
		req("navigate", "url", "https://shop.example/help"),
	})

	require.Len(t, out.Records, 2)
	assert.False(t, out.Records[0].OK)
	assert.False(t, out.Records[0].Skipped)
	assert.Contains(t, out.Records[0].Error, "required parameter missing")
	assert.True(t, out.Records[0].IncludeInMemory, "the model needs to see its mistake")

	assert.True(t, out.Records[1].OK)
	assert.Equal(t, []schemas.CommandVerb{schemas.VerbNavigate}, browser.verbs())
	assert.Empty(t, out.HaltReason)
}

func TestExecute_UnknownActionRecorded(t *testing.T) {
	browser := &fakeBrowser{}
	env := &actions.Env{Browser: browser}
	d := newTestDispatcher(actions.DispatchConfig{})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{
		req("teleport", "destination", "checkout"),
		req("go_back"),
	})

	require.Len(t, out.Records, 2)
	assert.Contains(t, out.Records[0].Error, "unknown action")
	assert.True(t, out.Records[1].OK)
}

func TestExecute_InvalidIndexContinues(t *testing.T) {
	browser := &fakeBrowser{}
	view := cartView(t, 1)
	env := &actions.Env{Browser: browser, View: view, Generation: view.Generation()}
	d := newTestDispatcher(actions.DispatchConfig{})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{
		req("click", "index", float64(99)),
		req("go_back"),
	})

	require.Len(t, out.Records, 2)
	assert.False(t, out.Records[0].OK)
	assert.Contains(t, out.Records[0].Error, "out of range")
	assert.True(t, out.Records[1].OK, "nothing touched the page, the batch goes on")
	assert.Empty(t, out.HaltReason)
}

func TestExecute_StaleIndexHaltsBatch(t *testing.T) {
	browser := &fakeBrowser{}
	view := cartView(t, 5)
	// The decision was made against an older view generation.
	env := &actions.Env{Browser: browser, View: view, Generation: 2}
	d := newTestDispatcher(actions.DispatchConfig{})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{
		req("click", "index", float64(0)),
		req("click", "index", float64(1)),
	})

	require.Len(t, out.Records, 2)
	assert.False(t, out.Records[0].OK)
	assert.Contains(t, out.Records[0].Error, "the page has moved")
	assert.True(t, out.Records[1].Skipped)
	assert.Equal(t, "the page view expired mid-batch", out.Records[1].Error)
	assert.Equal(t, "the page view expired mid-batch", out.HaltReason)
	assert.Empty(t, browser.verbs())
}

func TestExecute_RetriesTransientFailure(t *testing.T) {
	browser := &fakeBrowser{failVerbs: map[schemas.CommandVerb]int{schemas.VerbClick: 1}}
	view := cartView(t, 1)
	env := &actions.Env{Browser: browser, View: view, Generation: view.Generation()}
	d := newTestDispatcher(actions.DispatchConfig{ActionRetries: 2})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{
		req("click", "index", float64(2)),
	})

	require.Len(t, out.Records, 1)
	assert.True(t, out.Records[0].OK)
	assert.Len(t, browser.verbs(), 2, "one failure, one successful retry")
}

func TestExecute_ExhaustedRetriesHaltRemainder(t *testing.T) {
	browser := &fakeBrowser{failVerbs: map[schemas.CommandVerb]int{schemas.VerbClick: 99}}
	view := cartView(t, 1)
	env := &actions.Env{Browser: browser, View: view, Generation: view.Generation()}
	d := newTestDispatcher(actions.DispatchConfig{ActionRetries: 1})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{
		req("click", "index", float64(2)),
		req("extract_text"),
	})

	require.Len(t, out.Records, 2)
	assert.False(t, out.Records[0].OK)
	assert.Contains(t, out.Records[0].Error, "after 2 attempt")
	assert.Contains(t, out.Records[0].Error, "node detached")
	assert.True(t, out.Records[1].Skipped)
	assert.Equal(t, "a previous action failed", out.Records[1].Error)
	assert.Equal(t, "a previous action failed", out.HaltReason)
}

func TestExecute_DoneEndsBatch(t *testing.T) {
	browser := &fakeBrowser{}
	env := &actions.Env{Browser: browser}
	d := newTestDispatcher(actions.DispatchConfig{})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{
		req("done", "success", true, "summary", "flight booked, confirmation ABC123"),
		req("navigate", "url", "https://example.com"),
	})

	assert.True(t, out.Done)
	assert.True(t, out.Success)
	assert.Equal(t, "flight booked, confirmation ABC123", out.Summary)

	require.Len(t, out.Records, 2)
	assert.True(t, out.Records[0].OK)
	assert.True(t, out.Records[1].Skipped)
	assert.Equal(t, "episode already completed", out.Records[1].Error)
	assert.Empty(t, browser.verbs())
}

func TestExecute_PageChangeHaltsBatch(t *testing.T) {
	browser := &fakeBrowser{}
	view := cartView(t, 1)
	probeCalls := 0
	env := &actions.Env{
		Browser:    browser,
		View:       view,
		Generation: view.Generation(),
		Probe: func(context.Context) (*actions.PageProbe, error) {
			probeCalls++
			return &actions.PageProbe{
				URL:        "https://shop.example/checkout", // navigation happened
				ViewLen:    view.Len(),
				Signatures: view.Signatures(),
			}, nil
		},
	}
	d := newTestDispatcher(actions.DispatchConfig{})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{
		req("click", "index", float64(2)),
		req("click", "index", float64(0)),
	})

	require.Len(t, out.Records, 2)
	assert.True(t, out.Records[0].OK)
	assert.True(t, out.Records[1].Skipped)
	assert.Equal(t, "the page changed after the previous action", out.Records[1].Error)
	assert.Equal(t, 1, probeCalls, "no probe after the final action")
	assert.Len(t, browser.verbs(), 1)
}

func TestExecute_ProbeFailureDoesNotHalt(t *testing.T) {
	browser := &fakeBrowser{}
	view := cartView(t, 1)
	env := &actions.Env{
		Browser:    browser,
		View:       view,
		Generation: view.Generation(),
		Probe: func(context.Context) (*actions.PageProbe, error) {
			return nil, errors.New("probe: extraction raced a navigation")
		},
	}
	d := newTestDispatcher(actions.DispatchConfig{})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{
		req("click", "index", float64(0)),
		req("click", "index", float64(1)),
	})

	require.Len(t, out.Records, 2)
	assert.True(t, out.Records[0].OK)
	assert.True(t, out.Records[1].OK)
	assert.Empty(t, out.HaltReason)
}

func TestExecute_ActionCapSkipsExtras(t *testing.T) {
	browser := &fakeBrowser{}
	env := &actions.Env{Browser: browser}
	d := newTestDispatcher(actions.DispatchConfig{MaxActionsPerStep: 1})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{
		req("go_back"),
		req("go_back"),
	})

	require.Len(t, out.Records, 2)
	assert.True(t, out.Records[0].OK)
	assert.True(t, out.Records[1].Skipped)
	assert.Equal(t, "action limit for this step reached", out.Records[1].Error)
}

func TestExecute_ExtractTextCarriesResult(t *testing.T) {
	browser := &fakeBrowser{text: "Total: $42.00"}
	view := cartView(t, 1)
	env := &actions.Env{Browser: browser, View: view, Generation: view.Generation()}
	d := newTestDispatcher(actions.DispatchConfig{})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{
		req("extract_text", "index", float64(2), "remember", false),
		req("extract_text"),
	})

	require.Len(t, out.Records, 2)
	assert.Equal(t, "Total: $42.00", out.Records[0].Extracted)
	assert.False(t, out.Records[0].IncludeInMemory)
	assert.Equal(t, "d-4", browser.commands[0].TargetRef)

	assert.True(t, out.Records[1].IncludeInMemory, "remember defaults to true")
	assert.Empty(t, browser.commands[1].TargetRef, "no index means whole page")
}

func TestExecute_ScreenshotWritesArtifact(t *testing.T) {
	browser := &fakeBrowser{shot: []byte("\x89PNG fake")}
	dir := t.TempDir()
	env := &actions.Env{
		Browser:      browser,
		ArtifactsDir: dir,
		EpisodeID:    "ep-7",
		StepIndex:    3,
	}
	d := newTestDispatcher(actions.DispatchConfig{})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{req("screenshot")})

	require.Len(t, out.Records, 1)
	require.True(t, out.Records[0].OK, out.Records[0].Error)

	path := filepath.Join(dir, "ep-7-step003.png")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG fake"), data)
	assert.Contains(t, out.Records[0].Extracted, path)
}

func TestExecute_NavigateNormalizesURL(t *testing.T) {
	browser := &fakeBrowser{}
	env := &actions.Env{Browser: browser}
	d := newTestDispatcher(actions.DispatchConfig{})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{
		req("navigate", "url", "shop.example/deals"),
	})

	require.True(t, out.Records[0].OK)
	assert.Equal(t, "https://shop.example/deals", browser.commands[0].URL)
}

func TestExecute_ScrollUsesViewportHeight(t *testing.T) {
	browser := &fakeBrowser{}
	view := cartView(t, 1)
	env := &actions.Env{Browser: browser, View: view, Generation: view.Generation()}
	d := newTestDispatcher(actions.DispatchConfig{})

	out := d.Execute(context.Background(), env, []schemas.ActionRequest{
		req("scroll", "direction", "up", "pages", 2.0),
	})

	require.True(t, out.Records[0].OK)
	assert.Equal(t, schemas.VerbScrollBy, browser.commands[0].Verb)
	assert.Equal(t, -1440.0, browser.commands[0].DeltaY)
}

func TestExecute_WaitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	browser := &fakeBrowser{}
	env := &actions.Env{Browser: browser}
	d := newTestDispatcher(actions.DispatchConfig{})

	start := time.Now()
	out := d.Execute(ctx, env, []schemas.ActionRequest{
		req("wait", "seconds", 20.0),
	})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, out.Records[0].OK)
	// Waiting, even when aborted, never touches the page.
	assert.Empty(t, browser.commands)
}

func TestDefaultChangePredicate(t *testing.T) {
	base := &actions.PageProbe{
		URL:        "https://shop.example/cart",
		ViewLen:    3,
		Signatures: []string{"a", "b", "c"},
	}

	cases := []struct {
		name    string
		after   *actions.PageProbe
		changed bool
	}{
		{"nil after", nil, false},
		{"identical", &actions.PageProbe{URL: base.URL, ViewLen: 3, Signatures: []string{"a", "b", "c"}}, false},
		{"reordered signatures", &actions.PageProbe{URL: base.URL, ViewLen: 3, Signatures: []string{"c", "a", "b"}}, false},
		{"url moved", &actions.PageProbe{URL: "https://shop.example/checkout", ViewLen: 3, Signatures: []string{"a", "b", "c"}}, true},
		{"element appeared", &actions.PageProbe{URL: base.URL, ViewLen: 4, Signatures: []string{"a", "b", "c", "d"}}, true},
		{"element swapped", &actions.PageProbe{URL: base.URL, ViewLen: 3, Signatures: []string{"a", "b", "d"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.changed, actions.DefaultChangePredicate(base, tc.after))
		})
	}
}

func TestProbeFromView(t *testing.T) {
	assert.Nil(t, actions.ProbeFromView(nil))

	view := cartView(t, 1)
	probe := actions.ProbeFromView(view)
	require.NotNil(t, probe)
	assert.Equal(t, "https://shop.example/cart", probe.URL)
	assert.Equal(t, 3, probe.ViewLen)
	assert.Len(t, probe.Signatures, 3)
}
