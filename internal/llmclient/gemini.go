// internal/llmclient/gemini.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/skritek/pagepilot/api/schemas"
	"github.com/skritek/pagepilot/internal/config"
)

// GeminiClient implements schemas.LLMClient against the Gemini API.
type GeminiClient struct {
	client  *genai.Client
	model   string
	cfg     config.LLMModelConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ schemas.LLMClient = (*GeminiClient)(nil)

// NewGeminiClient initializes the client. No request leaves until Generate
// is called, so construction is cheap and offline.
func NewGeminiClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini model name is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.APITimeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: cfg.APITimeout}
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions.BaseURL = cfg.Endpoint
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}

	return &GeminiClient{
		client:  client,
		model:   cfg.Model,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.Named("llmclient.gemini"),
	}, nil
}

// Generate sends the windowed conversation to the Gemini API and returns the
// generated text with the provider's token accounting, retrying transient
// failures with exponential backoff.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (*schemas.GenerationResult, error) {
	contents := buildContents(req.Messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("generation request has no messages")
	}
	genCfg := c.buildGenerationConfig(req)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second

	var result *schemas.GenerationResult
	operation := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		start := time.Now()
		resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genCfg)
		duration := time.Since(start)
		if err != nil {
			return c.classifyError(err)
		}

		res, err := decodeResponse(resp)
		if err != nil {
			return err
		}

		c.logger.Info("generation complete",
			zap.String("model", c.model),
			zap.Duration("duration", duration),
			zap.Int("prompt_tokens", res.PromptTokens),
			zap.Int("completion_tokens", res.CompletionTokens),
		)
		result = res
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// Close implements schemas.LLMClient. The underlying client is plain HTTP
// and holds nothing to tear down.
func (c *GeminiClient) Close() error { return nil }

// buildContents maps conversation roles onto the API's user/model pair.
// Anything that is not the assistant speaks as the user.
func buildContents(msgs []schemas.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if m.Role == schemas.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}

// buildGenerationConfig merges per-request options over the model's
// configured defaults.
func (c *GeminiClient) buildGenerationConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	out := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Options.Temperature)),
	}
	if req.SystemPrompt != "" {
		out.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Options.ForceJSONFormat {
		out.ResponseMIMEType = "application/json"
	}

	if v := req.Options.TopP; v > 0 {
		out.TopP = genai.Ptr(float32(v))
	} else if c.cfg.TopP > 0 {
		out.TopP = genai.Ptr(c.cfg.TopP)
	}
	if v := req.Options.TopK; v > 0 {
		out.TopK = genai.Ptr(float32(v))
	} else if c.cfg.TopK > 0 {
		out.TopK = genai.Ptr(float32(c.cfg.TopK))
	}
	if v := req.Options.MaxTokens; v > 0 {
		out.MaxOutputTokens = int32(v)
	} else if c.cfg.MaxTokens > 0 {
		out.MaxOutputTokens = int32(c.cfg.MaxTokens)
	}

	if len(c.cfg.SafetyFilters) > 0 {
		categories := make([]string, 0, len(c.cfg.SafetyFilters))
		for category := range c.cfg.SafetyFilters {
			categories = append(categories, category)
		}
		sort.Strings(categories)
		for _, category := range categories {
			out.SafetySettings = append(out.SafetySettings, &genai.SafetySetting{
				Category:  genai.HarmCategory(category),
				Threshold: genai.HarmBlockThreshold(c.cfg.SafetyFilters[category]),
			})
		}
	}
	return out
}

// decodeResponse extracts text and usage from the API response. Blocked
// prompts are permanent, empty completions are worth one more try.
func decodeResponse(resp *genai.GenerateContentResponse) (*schemas.GenerationResult, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("gemini returned no candidates"))
	}

	candidate := resp.Candidates[0]
	text := resp.Text()
	if text == "" {
		switch candidate.FinishReason {
		case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
			return nil, backoff.Permanent(fmt.Errorf("gemini blocked the request (reason: %s)", candidate.FinishReason))
		default:
			return nil, fmt.Errorf("gemini returned empty content (reason: %s)", candidate.FinishReason)
		}
	}

	res := &schemas.GenerationResult{Text: text}
	if um := resp.UsageMetadata; um != nil {
		res.PromptTokens = int(um.PromptTokenCount)
		res.CompletionTokens = int(um.CandidatesTokenCount)
	}
	return res, nil
}

// classifyError keeps retrying only what the API reports as transient.
func (c *GeminiClient) classifyError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		c.logger.Warn("network error during generation, retrying", zap.Error(err))
		return err
	}

	switch apiErr.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
		c.logger.Warn("transient gemini error, retrying",
			zap.Int("status", apiErr.Code),
			zap.String("message", apiErr.Message))
		return err
	default:
		c.logger.Error("gemini request rejected",
			zap.Int("status", apiErr.Code),
			zap.String("message", apiErr.Message))
		return backoff.Permanent(err)
	}
}
