package schemas

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of an episode's conversational context. Messages
// marked MemoryRequired survive window trimming for as long as the budget
// allows at all.
type Message struct {
	Role           Role   `json:"role"`
	Content        string `json:"content"`
	MemoryRequired bool   `json:"memory_required,omitempty"`
}

// ModelTier selects a model by a preference for speed versus capability.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // cheaper, used for summarization
	TierPowerful ModelTier = "powerful" // used for step decisions
)

// GenerationOptions controls the text generation process.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // lower is more deterministic
	ForceJSONFormat bool    `json:"force_json_format"` // ask the provider for a JSON response
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
	MaxTokens       int     `json:"max_tokens"`
}

// GenerationRequest is a complete request to the decision maker: a system
// prompt, the windowed conversation, the desired tier and options.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	Messages     []Message         `json:"messages"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// GenerationResult carries the model's text together with the token usage
// the provider reported, which feeds the episode token budget.
type GenerationResult struct {
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// TotalTokens is the request's full token cost as reported by the provider.
func (r *GenerationResult) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}
