package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/skritek/pagepilot/api/schemas"
)

// Router implements schemas.LLMClient and fans requests out to per-tier
// clients: step decisions go to the powerful model, summarization to the
// fast one.
type Router struct {
	logger  *zap.Logger
	clients map[schemas.ModelTier]schemas.LLMClient
}

var _ schemas.LLMClient = (*Router)(nil)

// NewRouter creates a router with the given clients for each tier. The same
// client may back both tiers.
func NewRouter(logger *zap.Logger, fast, powerful schemas.LLMClient) (*Router, error) {
	if fast == nil || powerful == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}
	return &Router{
		logger: logger.Named("llm_router"),
		clients: map[schemas.ModelTier]schemas.LLMClient{
			schemas.TierFast:     fast,
			schemas.TierPowerful: powerful,
		},
	}, nil
}

// Generate selects the client for the request's tier. An unspecified tier
// defaults to powerful.
func (r *Router) Generate(ctx context.Context, req schemas.GenerationRequest) (*schemas.GenerationResult, error) {
	tier := req.Tier
	if tier == "" {
		tier = schemas.TierPowerful
	}

	client, ok := r.clients[tier]
	if !ok {
		return nil, fmt.Errorf("no LLM client configured for tier %q", tier)
	}

	r.logger.Debug("routing generation request", zap.String("tier", string(tier)))
	return client.Generate(ctx, req)
}

// Close closes each distinct underlying client once.
func (r *Router) Close() error {
	closed := make(map[schemas.LLMClient]bool, len(r.clients))
	var firstErr error
	for _, client := range r.clients {
		if closed[client] {
			continue
		}
		closed[client] = true
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
