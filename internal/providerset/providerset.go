// Package providerset resolves which provider.Provider backs a given
// model ID, constructing adapters lazily from configuration. Grounded on
// haasonsaas-nexus's router (internal/agent/routing/router.go), which
// keeps a name-keyed provider map and picks one per request; simplified
// here to a single resolution per CLI invocation since ionengine runs one
// model per turn loop.
package providerset

import (
	"context"
	"fmt"
	"strings"

	"ionengine/internal/config"
	"ionengine/internal/provider"
	"ionengine/providers/anthropic"
	"ionengine/providers/bedrock"
	"ionengine/providers/openai"
)

// openAIPrefixes extends providers/openai's o-series reasoning-model
// prefixes with the GPT and ChatGPT families; used here only to decide
// routing, not request shaping.
var openAIPrefixes = []string{"gpt-", "o1", "o3", "o4", "chatgpt-"}

// bedrockPrefixes match AWS Bedrock's region-qualified inference profile
// IDs (e.g. "us.anthropic.claude-3-5-sonnet...") and raw model IDs
// (e.g. "anthropic.claude-3-5-sonnet...").
var bedrockPrefixes = []string{"us.", "eu.", "apac.", "anthropic.", "meta.", "amazon.", "cohere.", "mistral."}

// Resolve picks and constructs the provider.Provider that owns model,
// based on its ID shape. Each call builds a fresh adapter; callers that
// drive many turns against the same model should cache the result.
func Resolve(ctx context.Context, model string, cfg config.Config) (provider.Provider, error) {
	switch {
	case strings.HasPrefix(model, "claude-"):
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("providerset: model %q requires anthropic_api_key", model)
		}
		return anthropic.New(anthropic.Config{APIKey: cfg.AnthropicAPIKey})

	case hasAnyPrefix(model, openAIPrefixes):
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("providerset: model %q requires openai_api_key", model)
		}
		return openai.New(openai.Config{APIKey: cfg.OpenAIAPIKey})

	case hasAnyPrefix(model, bedrockPrefixes):
		pricingCfg := bedrock.PricingConfig{
			Enabled:  cfg.PricingEnabled,
			CacheDir: cfg.PricingCacheDir,
			CacheTTL: cfg.PricingCacheTTL,
		}
		return bedrock.NewBedrock(ctx, cfg.AWSRegion, cfg.AWSProfile, pricingCfg)

	case cfg.LocalServerURL != "":
		return openai.New(openai.Config{BaseURL: cfg.LocalServerURL, ProviderLabel: "local"})

	default:
		return nil, fmt.Errorf("providerset: no provider configured for model %q", model)
	}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
