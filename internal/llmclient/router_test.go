package llmclient

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/skritek/pagepilot/api/schemas"
)

func setupRouter(t *testing.T) (*Router, *MockLLMClient, *MockLLMClient) {
	t.Helper()
	logger, _ := setupTestLogger(t)

	fast := &MockLLMClient{Name: "fast"}
	powerful := &MockLLMClient{Name: "powerful"}

	router, err := NewRouter(logger, fast, powerful)
	require.NoError(t, err)
	return router, fast, powerful
}

func TestNewRouter_RequiresBothTiers(t *testing.T) {
	logger, _ := setupTestLogger(t)

	_, err := NewRouter(logger, nil, &MockLLMClient{})
	assert.Error(t, err)

	_, err = NewRouter(logger, &MockLLMClient{}, nil)
	assert.Error(t, err)
}

func TestRouter_RoutesByTier(t *testing.T) {
	router, fast, powerful := setupRouter(t)

	fast.On("Generate", mock.Anything, mock.Anything).
		Return(&schemas.GenerationResult{Text: "summary"}, nil).Once()

	res, err := router.Generate(context.Background(), schemas.GenerationRequest{Tier: schemas.TierFast})
	require.NoError(t, err)
	assert.Equal(t, "summary", res.Text)

	powerful.On("Generate", mock.Anything, mock.Anything).
		Return(&schemas.GenerationResult{Text: "decision"}, nil).Once()

	res, err = router.Generate(context.Background(), schemas.GenerationRequest{Tier: schemas.TierPowerful})
	require.NoError(t, err)
	assert.Equal(t, "decision", res.Text)

	fast.AssertExpectations(t)
	powerful.AssertExpectations(t)
}

func TestRouter_DefaultsToPowerful(t *testing.T) {
	router, _, powerful := setupRouter(t)

	powerful.On("Generate", mock.Anything, mock.Anything).
		Return(&schemas.GenerationResult{Text: "decision"}, nil).Once()

	_, err := router.Generate(context.Background(), schemas.GenerationRequest{})
	require.NoError(t, err)
	powerful.AssertExpectations(t)
}

func TestRouter_UnknownTierRejected(t *testing.T) {
	router, _, _ := setupRouter(t)

	_, err := router.Generate(context.Background(), schemas.GenerationRequest{Tier: "experimental"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no LLM client configured")
}

func TestRouter_PropagatesClientError(t *testing.T) {
	router, fast, _ := setupRouter(t)

	boom := errors.New("provider exploded")
	fast.On("Generate", mock.Anything, mock.Anything).Return(nil, boom).Once()

	_, err := router.Generate(context.Background(), schemas.GenerationRequest{Tier: schemas.TierFast})
	assert.ErrorIs(t, err, boom)
}

func TestRouter_CloseClosesEachClientOnce(t *testing.T) {
	router, fast, powerful := setupRouter(t)

	fast.On("Close").Return(nil).Once()
	powerful.On("Close").Return(nil).Once()

	require.NoError(t, router.Close())
	fast.AssertExpectations(t)
	powerful.AssertExpectations(t)
}

func TestRouter_SharedClientClosedOnce(t *testing.T) {
	logger, _ := setupTestLogger(t)
	shared := &MockLLMClient{Name: "shared"}
	router, err := NewRouter(logger, shared, shared)
	require.NoError(t, err)

	shared.On("Close").Return(nil).Once()
	require.NoError(t, router.Close())
	shared.AssertExpectations(t)
}
