package convo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/skritek/pagepilot/api/schemas"
)

// compactKeepRecent is how many trailing messages a compaction pass leaves
// verbatim. The model needs the immediate back-and-forth untouched.
const compactKeepRecent = 4

const compactionSystemPrompt = `You compress the transcript of an ongoing browser automation session.
Write a terse summary that preserves: the task being worked on, pages visited,
values already entered into forms, facts extracted so far, and decisions
already taken. Drop pleasantries and page boilerplate. Plain text only.`

// Manager owns one episode's conversational history and produces
// budget-fitted windows for each decision call. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	budget   int
	est      schemas.TokenEstimator
	messages []schemas.Message
}

// NewManager creates a manager enforcing the given context token budget.
// A nil estimator falls back to the character heuristic.
func NewManager(budget int, est schemas.TokenEstimator) *Manager {
	if est == nil {
		est = HeuristicEstimator{}
	}
	return &Manager{budget: budget, est: est}
}

// Append adds a message to the history.
func (m *Manager) Append(msg schemas.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

// Len reports the full history length, before any windowing.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Messages returns a copy of the full history.
func (m *Manager) Messages() []schemas.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schemas.Message(nil), m.messages...)
}

// EstimatedTokens is the estimate for the full, untrimmed history.
func (m *Manager) EstimatedTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.est.EstimateMessages(m.messages)
}

// Window returns the send-ready view of the history: trimmed from the front
// until it fits the budget, then consecutive same-role messages merged.
// Messages marked MemoryRequired outlive everything else; the newest message
// is never dropped, even when it alone exceeds the budget.
func (m *Manager) Window() []schemas.Message {
	m.mu.Lock()
	msgs := append([]schemas.Message(nil), m.messages...)
	m.mu.Unlock()

	for len(msgs) > 1 && m.est.EstimateMessages(msgs) > m.budget {
		drop := -1
		for i := 0; i < len(msgs)-1; i++ {
			if !msgs[i].MemoryRequired {
				drop = i
				break
			}
		}
		if drop == -1 {
			// Everything left is marked required; sacrifice the oldest.
			drop = 0
		}
		msgs = append(msgs[:drop], msgs[drop+1:]...)
	}
	return mergeSameRole(msgs)
}

// mergeSameRole joins consecutive messages sharing a role, keeping providers
// that insist on strict role alternation happy after trimming. Messages
// marked MemoryRequired stay standalone: a pinned memory note folded into a
// neighboring reply would lose its identity to later trimming and to the
// model reading it.
func mergeSameRole(msgs []schemas.Message) []schemas.Message {
	if len(msgs) < 2 {
		return msgs
	}
	merged := msgs[:1]
	for _, msg := range msgs[1:] {
		last := &merged[len(merged)-1]
		if msg.Role == last.Role && !msg.MemoryRequired && !last.MemoryRequired {
			last.Content = last.Content + "\n" + msg.Content
			continue
		}
		merged = append(merged, msg)
	}
	return merged
}

// Compact replaces everything but the trailing messages with a model-written
// summary, using the fast tier. A no-op when the history is already short.
// The returned result carries the tokens the summarization itself consumed.
func (m *Manager) Compact(ctx context.Context, llm schemas.LLMClient) (*schemas.GenerationResult, error) {
	m.mu.Lock()
	if len(m.messages) <= compactKeepRecent {
		m.mu.Unlock()
		return nil, nil
	}
	cut := len(m.messages) - compactKeepRecent
	head := append([]schemas.Message(nil), m.messages[:cut]...)
	m.mu.Unlock()

	var transcript strings.Builder
	for _, msg := range head {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}

	res, err := llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: compactionSystemPrompt,
		Messages: []schemas.Message{{
			Role:    schemas.RoleUser,
			Content: transcript.String(),
		}},
		Tier: schemas.TierFast,
	})
	if err != nil {
		return nil, fmt.Errorf("compacting conversation: %w", err)
	}

	summary := schemas.Message{
		Role:           schemas.RoleUser,
		Content:        "Earlier conversation, summarized:\n" + strings.TrimSpace(res.Text),
		MemoryRequired: true,
	}

	m.mu.Lock()
	tail := append([]schemas.Message(nil), m.messages[cut:]...)
	m.messages = append([]schemas.Message{summary}, tail...)
	m.mu.Unlock()
	return res, nil
}
