package convo

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/skritek/pagepilot/api/schemas"
)

// messageOverhead approximates the per-message framing cost (role markers,
// separators) providers add around the content itself.
const messageOverhead = 4

// TiktokenEstimator counts tokens with the cl100k_base encoding. The
// encoding tables load lazily on first use; if loading fails the estimator
// degrades to the character heuristic instead of failing the episode.
type TiktokenEstimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

func NewTiktokenEstimator() *TiktokenEstimator {
	return &TiktokenEstimator{}
}

func (e *TiktokenEstimator) encoder() *tiktoken.Tiktoken {
	e.once.Do(func() {
		e.enc, e.err = tiktoken.GetEncoding("cl100k_base")
	})
	if e.err != nil {
		return nil
	}
	return e.enc
}

func (e *TiktokenEstimator) EstimateTokens(text string) int {
	enc := e.encoder()
	if enc == nil {
		return heuristicTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (e *TiktokenEstimator) EstimateMessages(msgs []schemas.Message) int {
	total := 0
	for i := range msgs {
		total += messageOverhead
		total += e.EstimateTokens(string(msgs[i].Role))
		total += e.EstimateTokens(msgs[i].Content)
	}
	return total
}

// HeuristicEstimator is the zero-dependency fallback: roughly four
// characters per token. Good enough for budget guards, never for billing.
type HeuristicEstimator struct{}

func (HeuristicEstimator) EstimateTokens(text string) int {
	return heuristicTokens(text)
}

func (HeuristicEstimator) EstimateMessages(msgs []schemas.Message) int {
	total := 0
	for i := range msgs {
		total += messageOverhead + heuristicTokens(msgs[i].Content)
	}
	return total
}

func heuristicTokens(text string) int {
	return len(text) / 4
}

var (
	_ schemas.TokenEstimator = (*TiktokenEstimator)(nil)
	_ schemas.TokenEstimator = HeuristicEstimator{}
)
