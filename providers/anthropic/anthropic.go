// Package anthropic implements the provider.Provider contract on top of
// Anthropic's Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ionengine/internal/provider"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultBaseURL = "https://api.anthropic.com"

// knownModels holds context-window/pricing metadata the Models API does not
// return directly.
var knownModels = map[string]provider.ModelInfo{
	"claude-opus-4-20250514": {
		ID: "claude-opus-4-20250514", Name: "Claude Opus 4", Provider: "anthropic",
		ContextWindow: 200_000, SupportsTools: true, SupportsVision: true, SupportsThinking: true,
		Pricing: provider.ModelPricing{InputPerMillion: 15.0, OutputPerMillion: 75.0, CacheReadPerMillion: 1.5, CacheWritePerMillion: 18.75},
	},
	"claude-sonnet-4-20250514": {
		ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", Provider: "anthropic",
		ContextWindow: 200_000, SupportsTools: true, SupportsVision: true, SupportsThinking: true,
		Pricing: provider.ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0, CacheReadPerMillion: 0.3, CacheWritePerMillion: 3.75},
	},
	"claude-3-7-sonnet-20250219": {
		ID: "claude-3-7-sonnet-20250219", Name: "Claude 3.7 Sonnet", Provider: "anthropic",
		ContextWindow: 200_000, SupportsTools: true, SupportsVision: true, SupportsThinking: true,
		Pricing: provider.ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0, CacheReadPerMillion: 0.3, CacheWritePerMillion: 3.75},
	},
	"claude-3-5-sonnet-20241022": {
		ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", Provider: "anthropic",
		ContextWindow: 200_000, SupportsTools: true, SupportsVision: true,
		Pricing: provider.ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0, CacheReadPerMillion: 0.3, CacheWritePerMillion: 3.75},
	},
	"claude-3-5-haiku-20241022": {
		ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", Provider: "anthropic",
		ContextWindow: 200_000, SupportsTools: true,
		Pricing: provider.ModelPricing{InputPerMillion: 0.8, OutputPerMillion: 4.0, CacheReadPerMillion: 0.08, CacheWritePerMillion: 1.0},
	},
	"claude-3-opus-20240229": {
		ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", Provider: "anthropic",
		ContextWindow: 200_000, SupportsTools: true, SupportsVision: true,
		Pricing: provider.ModelPricing{InputPerMillion: 15.0, OutputPerMillion: 75.0},
	},
	"claude-3-haiku-20240307": {
		ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", Provider: "anthropic",
		ContextWindow: 200_000, SupportsTools: true, SupportsVision: true,
		Pricing: provider.ModelPricing{InputPerMillion: 0.25, OutputPerMillion: 1.25},
	},
}

const defaultThinkingBudget = 10_000

// Anthropic implements provider.Provider using the Messages API. Retries
// and fallback-on-rejected-tool-streaming are handled by the caller
// (internal/retrystream); this adapter makes one attempt per call.
type Anthropic struct {
	client anthropic.Client
}

// Config configures an Anthropic provider.
type Config struct {
	APIKey  string
	BaseURL string // overrides defaultBaseURL; used for proxies/gateways
}

// New creates an Anthropic provider from config.
func New(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	} else {
		opts = append(opts, option.WithBaseURL(defaultBaseURL))
	}

	return &Anthropic{client: anthropic.NewClient(opts...)}, nil
}

// ID identifies this provider.
func (a *Anthropic) ID() string { return "anthropic" }

// SupportsToolStreaming reports that Anthropic streams tool-call input deltas.
func (a *Anthropic) SupportsToolStreaming() bool { return true }

// ModelInfo looks up static metadata for a single model ID.
func (a *Anthropic) ModelInfo(ctx context.Context, model string) (provider.ModelInfo, error) {
	if info, ok := knownModels[model]; ok {
		return info, nil
	}
	models, err := a.ListModels(ctx)
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

// ListModels returns models from the Anthropic catalog, enriched with the
// static pricing/context-window table above where available.
func (a *Anthropic) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	var models []provider.ModelInfo

	page, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, wrapErr(err, "")
	}

	for page != nil {
		for _, m := range page.Data {
			if known, ok := knownModels[m.ID]; ok {
				models = append(models, known)
				continue
			}
			models = append(models, provider.ModelInfo{
				ID: m.ID, Name: m.DisplayName, Provider: "anthropic",
				SupportsTools: true, Created: m.CreatedAt.Unix(),
			})
		}

		page, err = page.GetNextPage()
		if err != nil {
			return nil, wrapErr(err, "")
		}
	}

	return models, nil
}

// Stream sends req and streams the response onto events.
func (a *Anthropic) Stream(ctx context.Context, req provider.ChatRequest, events chan<- provider.StreamEvent) error {
	params, err := buildMessageParams(req)
	if err != nil {
		return fmt.Errorf("anthropic: building request: %w", err)
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	return pumpStream(stream, events, req.Model)
}

// Complete runs req to completion using the non-streaming Messages API.
func (a *Anthropic) Complete(ctx context.Context, req provider.ChatRequest) (provider.Message, provider.Usage, error) {
	params, err := buildMessageParams(req)
	if err != nil {
		return provider.Message{}, provider.Usage{}, fmt.Errorf("anthropic: building request: %w", err)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return provider.Message{}, provider.Usage{}, wrapErr(err, req.Model)
	}

	return messageFromResponse(resp), usageFromResponse(resp), nil
}

func usageFromResponse(resp *anthropic.Message) provider.Usage {
	return provider.Usage{
		InputTokens:      int(resp.Usage.InputTokens),
		OutputTokens:     int(resp.Usage.OutputTokens),
		CacheReadTokens:  int(resp.Usage.CacheReadInputTokens),
		CacheWriteTokens: int(resp.Usage.CacheCreationInputTokens),
	}
}

// wrapErr classifies Anthropic SDK errors into provider-level sentinels.
func wrapErr(err error, model string) error {
	if err == nil {
		return nil
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return fmt.Errorf("%w: %s", provider.ErrThrottled, apiErr.Error())
		case 401, 403:
			return fmt.Errorf("%w: %s", provider.ErrAccessDenied, apiErr.Error())
		case 404:
			return fmt.Errorf("%w: %s: %s", provider.ErrModelNotFound, model, apiErr.Error())
		case 529:
			return fmt.Errorf("%w: %s", provider.ErrThrottled, apiErr.Error())
		}
		return fmt.Errorf("anthropic: %s", apiErr.Error())
	}

	return fmt.Errorf("anthropic: %w", err)
}

// Compile-time check that Anthropic implements provider.Provider
var _ provider.Provider = (*Anthropic)(nil)
