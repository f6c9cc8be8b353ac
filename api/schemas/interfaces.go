package schemas

import "context"

// -- Browser Control --

// BrowserController is the engine's contract with a live browsing session.
// One controller owns one window; parallel episodes each get their own.
// Every method that touches the page blocks and honors ctx cancellation.
type BrowserController interface {
	// ExtractStructure runs the in-page walker and returns the structural
	// snapshot of the current document, iframes and shadow roots included.
	ExtractStructure(ctx context.Context) (*PageSnapshot, error)
	// Dispatch executes one browser-level command against the page.
	Dispatch(ctx context.Context, cmd Command) (*CommandResult, error)
	// CaptureScreenshot returns a PNG of the current viewport.
	CaptureScreenshot(ctx context.Context) ([]byte, error)
	// CurrentURL reports the page's location without touching its state.
	CurrentURL(ctx context.Context) (string, error)
	// ListTabs enumerates the session's open tabs.
	ListTabs(ctx context.Context) ([]TabInfo, error)
	// Close tears the session down. Safe to call more than once.
	Close() error
}

// -- Decision Maker --

// LLMClient is the uniform interface to whichever model backs the engine's
// decisions. Implementations retry transient provider failures themselves;
// a returned error is final for this call.
type LLMClient interface {
	// Generate produces a completion for the request.
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
	// Close releases provider resources.
	Close() error
}

// TokenEstimator measures text against the model's token accounting. The
// context manager uses it to keep windows under budget without a network
// round trip.
type TokenEstimator interface {
	// EstimateTokens estimates the token count of a text fragment.
	EstimateTokens(text string) int
	// EstimateMessages estimates a message slice including per-message
	// framing overhead.
	EstimateMessages(msgs []Message) int
}

// -- Episode Persistence --

// EpisodeStore is an append-only log of episodes and their steps. A nil
// store is legal everywhere; persistence is strictly optional.
type EpisodeStore interface {
	// CreateEpisode records the episode header at start.
	CreateEpisode(ctx context.Context, ep *EpisodeRecord) error
	// AppendStep appends one completed step. Steps are never rewritten.
	AppendStep(ctx context.Context, step *StepRecord) error
	// FinishEpisode seals the header with the terminal status and totals.
	FinishEpisode(ctx context.Context, ep *EpisodeRecord) error
	// LoadEpisode returns the header and ordered steps of one episode.
	LoadEpisode(ctx context.Context, id string) (*EpisodeRecord, []StepRecord, error)
	// ListEpisodes returns the most recent episode headers, newest first.
	ListEpisodes(ctx context.Context, limit int) ([]EpisodeRecord, error)
	// Close releases the underlying pool.
	Close()
}
