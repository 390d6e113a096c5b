// Package openai implements the provider.Provider contract on top of
// OpenAI's Chat Completions API. It is also reused, with a custom BaseURL,
// for any OpenAI-compatible local server.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"ionengine/internal/provider"

	oa "github.com/sashabaranov/go-openai"
)

// knownModels holds context-window/pricing metadata the Models API does not
// return directly.
var knownModels = map[string]provider.ModelInfo{
	"gpt-4o": {
		ID: "gpt-4o", Name: "GPT-4o", Provider: "openai",
		ContextWindow: 128_000, SupportsTools: true, SupportsVision: true,
		Pricing: provider.ModelPricing{InputPerMillion: 2.5, OutputPerMillion: 10.0, CacheReadPerMillion: 1.25},
	},
	"gpt-4o-mini": {
		ID: "gpt-4o-mini", Name: "GPT-4o Mini", Provider: "openai",
		ContextWindow: 128_000, SupportsTools: true, SupportsVision: true,
		Pricing: provider.ModelPricing{InputPerMillion: 0.15, OutputPerMillion: 0.6, CacheReadPerMillion: 0.075},
	},
	"o1": {
		ID: "o1", Name: "o1", Provider: "openai",
		ContextWindow: 200_000, SupportsTools: true,
		Pricing: provider.ModelPricing{InputPerMillion: 15.0, OutputPerMillion: 60.0, CacheReadPerMillion: 7.5},
	},
	"o1-mini": {
		ID: "o1-mini", Name: "o1-mini", Provider: "openai",
		ContextWindow: 128_000,
		Pricing:       provider.ModelPricing{InputPerMillion: 1.1, OutputPerMillion: 4.4, CacheReadPerMillion: 0.55},
	},
	"o3-mini": {
		ID: "o3-mini", Name: "o3-mini", Provider: "openai",
		ContextWindow: 200_000, SupportsTools: true,
		Pricing: provider.ModelPricing{InputPerMillion: 1.1, OutputPerMillion: 4.4, CacheReadPerMillion: 0.55},
	},
	"gpt-4-turbo": {
		ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Provider: "openai",
		ContextWindow: 128_000, SupportsTools: true, SupportsVision: true,
		Pricing: provider.ModelPricing{InputPerMillion: 10.0, OutputPerMillion: 30.0},
	},
	"gpt-3.5-turbo": {
		ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", Provider: "openai",
		ContextWindow: 16_385, SupportsTools: true,
		Pricing: provider.ModelPricing{InputPerMillion: 0.5, OutputPerMillion: 1.5},
	},
}

// oSeriesPrefixes identifies "reasoning" models that reject max_tokens and
// the system role, requiring max_completion_tokens and a developer-role
// system message instead.
var oSeriesPrefixes = []string{"o1", "o3", "o4"}

func isOSeries(model string) bool {
	for _, p := range oSeriesPrefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// Openai implements provider.Provider using the Chat Completions API.
// Retries and fallback-on-rejected-tool-streaming are handled by the
// caller (internal/retrystream); this adapter makes one attempt per call.
type Openai struct {
	client   *oa.Client
	provider string // "openai" or "local", set for ModelInfo/Provider labeling
}

// Config configures an Openai provider.
type Config struct {
	APIKey  string
	BaseURL string // overrides the default OpenAI endpoint; used for local servers
	// ProviderLabel overrides the ModelInfo.Provider value, e.g. "local"
	// when this client is reused for an OpenAI-compatible local server.
	ProviderLabel string
}

// New creates an Openai provider from config.
func New(cfg Config) (*Openai, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: API key is required")
	}

	clientCfg := oa.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	label := cfg.ProviderLabel
	if label == "" {
		label = "openai"
	}

	return &Openai{
		client:   oa.NewClientWithConfig(clientCfg),
		provider: label,
	}, nil
}

// ID identifies this provider.
func (o *Openai) ID() string { return o.provider }

// SupportsToolStreaming reports that tool calls can be streamed: their
// arguments arrive as string deltas that pumpStream reassembles by index
// and flushes on finish_reason "tool_calls" or at the end of the stream.
func (o *Openai) SupportsToolStreaming() bool { return true }

// ModelInfo looks up static metadata for a single model ID.
func (o *Openai) ModelInfo(ctx context.Context, model string) (provider.ModelInfo, error) {
	if info, ok := knownModels[model]; ok {
		return info, nil
	}
	models, err := o.ListModels(ctx)
	if err != nil {
		return provider.ModelInfo{}, err
	}
	for _, m := range models {
		if m.ID == model {
			return m, nil
		}
	}
	return provider.ModelInfo{}, fmt.Errorf("%w: %s", provider.ErrModelNotFound, model)
}

// ListModels returns models from the /models endpoint, enriched with the
// static pricing/context-window table above where available.
func (o *Openai) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	list, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, wrapErr(err, "")
	}

	models := make([]provider.ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		if known, ok := knownModels[m.ID]; ok {
			models = append(models, known)
			continue
		}
		models = append(models, provider.ModelInfo{
			ID: m.ID, Name: m.ID, Provider: o.provider,
			SupportsTools: true, Created: m.CreatedAt,
		})
	}
	return models, nil
}

// Stream sends req and streams the response onto events.
func (o *Openai) Stream(ctx context.Context, req provider.ChatRequest, events chan<- provider.StreamEvent) error {
	chatReq := toChatCompletionRequest(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &oa.StreamOptions{IncludeUsage: true}

	stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return wrapErr(err, req.Model)
	}
	return pumpStream(stream, events, req.Model)
}

// Complete runs req to completion using the non-streaming API.
func (o *Openai) Complete(ctx context.Context, req provider.ChatRequest) (provider.Message, provider.Usage, error) {
	chatReq := toChatCompletionRequest(req)

	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return provider.Message{}, provider.Usage{}, wrapErr(err, req.Model)
	}
	if len(resp.Choices) == 0 {
		return provider.Message{}, provider.Usage{}, fmt.Errorf("openai: empty choices in response")
	}

	usage := provider.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if resp.Usage.PromptTokensDetails != nil {
		usage.CacheReadTokens = resp.Usage.PromptTokensDetails.CachedTokens
	}

	return messageFromChoice(resp.Choices[0]), usage, nil
}

// wrapErr classifies go-openai errors into provider-level sentinels.
func wrapErr(err error, model string) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}

	var apiErr *oa.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429:
			return fmt.Errorf("%w: %s", provider.ErrThrottled, apiErr.Message)
		case 401, 403:
			return fmt.Errorf("%w: %s", provider.ErrAccessDenied, apiErr.Message)
		case 404:
			return fmt.Errorf("%w: %s: %s", provider.ErrModelNotFound, model, apiErr.Message)
		}
		return fmt.Errorf("openai: %s", apiErr.Message)
	}

	return fmt.Errorf("openai: %w", err)
}

// Compile-time check that Openai implements provider.Provider
var _ provider.Provider = (*Openai)(nil)
