// internal/agent/mocks_test.go
package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/skritek/pagepilot/api/schemas"
	"github.com/skritek/pagepilot/internal/config"
	"github.com/skritek/pagepilot/internal/dom"
)

// -- Browser Mock --

// MockBrowser mocks the schemas.BrowserController the orchestrator drives.
type MockBrowser struct {
	mock.Mock
}

var _ schemas.BrowserController = (*MockBrowser)(nil)

func (m *MockBrowser) ExtractStructure(ctx context.Context) (*schemas.PageSnapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.PageSnapshot), args.Error(1)
}

func (m *MockBrowser) Dispatch(ctx context.Context, cmd schemas.Command) (*schemas.CommandResult, error) {
	args := m.Called(ctx, cmd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.CommandResult), args.Error(1)
}

func (m *MockBrowser) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBrowser) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockBrowser) ListTabs(ctx context.Context) ([]schemas.TabInfo, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.TabInfo), args.Error(1)
}

func (m *MockBrowser) Close() error {
	args := m.Called()
	return args.Error(0)
}

// -- LLM Mock --

// MockLLM mocks the schemas.LLMClient behind decisions and compaction.
type MockLLM struct {
	mock.Mock
}

var _ schemas.LLMClient = (*MockLLM)(nil)

func (m *MockLLM) Generate(ctx context.Context, req schemas.GenerationRequest) (*schemas.GenerationResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.GenerationResult), args.Error(1)
}

func (m *MockLLM) Close() error {
	args := m.Called()
	return args.Error(0)
}

// -- Store Mock --

// MockStore mocks the optional schemas.EpisodeStore.
type MockStore struct {
	mock.Mock
}

var _ schemas.EpisodeStore = (*MockStore)(nil)

func (m *MockStore) CreateEpisode(ctx context.Context, ep *schemas.EpisodeRecord) error {
	args := m.Called(ctx, ep)
	return args.Error(0)
}

func (m *MockStore) AppendStep(ctx context.Context, step *schemas.StepRecord) error {
	args := m.Called(ctx, step)
	return args.Error(0)
}

func (m *MockStore) FinishEpisode(ctx context.Context, ep *schemas.EpisodeRecord) error {
	args := m.Called(ctx, ep)
	return args.Error(0)
}

func (m *MockStore) LoadEpisode(ctx context.Context, id string) (*schemas.EpisodeRecord, []schemas.StepRecord, error) {
	args := m.Called(ctx, id)
	var ep *schemas.EpisodeRecord
	if args.Get(0) != nil {
		ep = args.Get(0).(*schemas.EpisodeRecord)
	}
	var steps []schemas.StepRecord
	if args.Get(1) != nil {
		steps = args.Get(1).([]schemas.StepRecord)
	}
	return ep, steps, args.Error(2)
}

func (m *MockStore) ListEpisodes(ctx context.Context, limit int) ([]schemas.EpisodeRecord, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.EpisodeRecord), args.Error(1)
}

func (m *MockStore) Close() {
	m.Called()
}

// -- Fixtures --

// testConfig is an agent configuration tuned for offline tests: generous
// budgets, pruning disabled, short timeouts.
func testConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxSteps:           8,
		MaxActionsPerStep:  5,
		ContextTokenBudget: 100000,
		ViewportExpansion:  -1,
		MaxTextLength:      160,
		ExtractionTimeout:  5 * time.Second,
		DecisionTimeout:    5 * time.Second,
		ActionTimeout:      5 * time.Second,
	}
}

// pageSnapshot builds a small page whose interactive elements carry the
// given labels. Element attributes derive from the label, not the
// position, so a reordered page keeps its signatures.
func pageSnapshot(url string, labels ...string) *schemas.PageSnapshot {
	nodes := []schemas.RawNode{
		{Index: 0, Parent: -1, Kind: schemas.RawElement, Tag: "html", Visible: true},
		{Index: 1, Parent: 0, Kind: schemas.RawElement, Tag: "body", Visible: true},
	}
	for i, label := range labels {
		idx := len(nodes)
		nodes = append(nodes,
			schemas.RawNode{
				Index:       idx,
				Parent:      1,
				Kind:        schemas.RawElement,
				Tag:         "button",
				Attrs:       map[string]string{"id": "btn-" + strings.ToLower(label)},
				Visible:     true,
				Interactive: true,
				InViewport:  true,
				NodeRef:     fmt.Sprintf("ref-%d", i),
				Box:         &schemas.BoundingBox{X: 10, Y: float64(40 * (i + 1)), W: 100, H: 30},
			},
			schemas.RawNode{Index: idx + 1, Parent: idx, Kind: schemas.RawText, Text: label, Visible: true},
		)
	}
	return &schemas.PageSnapshot{
		SnapshotID: "snap-" + url,
		URL:        url,
		Title:      "Test Page",
		Viewport:   schemas.Viewport{Width: 1280, Height: 720, PageHeight: 2000},
		Nodes:      nodes,
	}
}

// buildView runs a snapshot through the same pipeline the orchestrator
// uses, with pruning disabled.
func buildView(t *testing.T, snap *schemas.PageSnapshot, generation uint64) *dom.SelectorMap {
	t.Helper()
	tree, err := dom.BuildTree(snap, dom.BuildOptions{ViewportExpansion: -1})
	require.NoError(t, err)
	return dom.BuildSelectorMap(tree, generation)
}

func reply(text string, tokens int) *schemas.GenerationResult {
	return &schemas.GenerationResult{Text: text, PromptTokens: tokens}
}

const doneDecision = `{"state_assessment":"page loaded","next_goal":"finish","actions":[{"name":"done","params":{"success":true,"summary":"all good"}}]}`

const waitDecision = `{"next_goal":"let the page settle","actions":[{"name":"wait","params":{"seconds":0.01}}]}`
