package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/skritek/pagepilot/api/schemas"
	"github.com/skritek/pagepilot/internal/config"
)

// NewClient assembles the tier router from the agent's LLM configuration.
// When both tiers name the same model, one client backs both.
func NewClient(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	fast, err := newTierClient(ctx, cfg, cfg.DefaultFastModel, logger)
	if err != nil {
		return nil, fmt.Errorf("fast tier: %w", err)
	}

	powerful := fast
	if cfg.DefaultPowerfulModel != cfg.DefaultFastModel {
		powerful, err = newTierClient(ctx, cfg, cfg.DefaultPowerfulModel, logger)
		if err != nil {
			_ = fast.Close()
			return nil, fmt.Errorf("powerful tier: %w", err)
		}
	}

	return NewRouter(logger, fast, powerful)
}

func newTierClient(ctx context.Context, router config.LLMRouterConfig, model string, logger *zap.Logger) (schemas.LLMClient, error) {
	mc := router.ModelConfig(model)

	switch mc.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, mc, logger)
	case config.ProviderOpenAI, config.ProviderAnthropic, config.ProviderOllama:
		return nil, fmt.Errorf("LLM provider %q is recognized but not implemented yet", mc.Provider)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q, supported: [%s]", mc.Provider, config.ProviderGemini)
	}
}
