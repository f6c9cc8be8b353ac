package llmclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/skritek/pagepilot/api/schemas"
	"github.com/skritek/pagepilot/internal/config"
)

// MockLLMClient is a mock implementation of schemas.LLMClient.
type MockLLMClient struct {
	mock.Mock
	Name string
}

func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (*schemas.GenerationResult, error) {
	args := m.Called(ctx, req)
	var res *schemas.GenerationResult
	if v := args.Get(0); v != nil {
		res = v.(*schemas.GenerationResult)
	}
	return res, args.Error(1)
}

func (m *MockLLMClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

// setupTestLogger creates a zap logger whose output the test can inspect.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// getValidLLMConfig returns a config sufficient to construct a client. No
// request is sent in unit tests, so the key is a placeholder.
func getValidLLMConfig() config.LLMModelConfig {
	return config.LLMModelConfig{
		Provider:   config.ProviderGemini,
		APIKey:     "test-api-key",
		Model:      "gemini-test",
		APITimeout: 5 * time.Second,
		MaxTokens:  2048,
		TopP:       0.95,
		TopK:       40,
	}
}
