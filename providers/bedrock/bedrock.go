// Package bedrock implements the provider.Provider contract on top of AWS
// Bedrock's ConverseStream API, for Anthropic models served through Bedrock.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"ionengine/internal/provider"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awspricing "github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/smithy-go"
)

// PricingConfig controls whether live AWS Pricing API lookups are used.
type PricingConfig struct {
	Enabled  bool
	CacheDir string
	CacheTTL int
}

// knownModels holds static metadata for Claude models on Bedrock.
// The ListFoundationModels API does not return context windows or pricing,
// so we maintain a static table for known models.
var knownModels = map[string]provider.ModelInfo{
	"anthropic.claude-3-haiku-20240307-v1:0": {
		ID: "anthropic.claude-3-haiku-20240307-v1:0", Name: "Claude 3 Haiku", Provider: "AWS Bedrock",
		ContextWindow: 200_000, Pricing: provider.ModelPricing{InputPerMillion: 0.25, OutputPerMillion: 1.25},
	},
	"anthropic.claude-3-sonnet-20240229-v1:0": {
		ID: "anthropic.claude-3-sonnet-20240229-v1:0", Name: "Claude 3 Sonnet", Provider: "AWS Bedrock",
		ContextWindow: 200_000, Pricing: provider.ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0},
	},
	"anthropic.claude-3-opus-20240229-v1:0": {
		ID: "anthropic.claude-3-opus-20240229-v1:0", Name: "Claude 3 Opus", Provider: "AWS Bedrock",
		ContextWindow: 200_000, Pricing: provider.ModelPricing{InputPerMillion: 15.0, OutputPerMillion: 75.0},
	},
	"anthropic.claude-3-5-sonnet-20240620-v1:0": {
		ID: "anthropic.claude-3-5-sonnet-20240620-v1:0", Name: "Claude 3.5 Sonnet", Provider: "AWS Bedrock",
		ContextWindow: 200_000, Pricing: provider.ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0},
	},
	"anthropic.claude-3-5-sonnet-20241022-v2:0": {
		ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", Name: "Claude 3.5 Sonnet v2", Provider: "AWS Bedrock",
		ContextWindow: 200_000, Pricing: provider.ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0},
	},
	"anthropic.claude-3-5-haiku-20241022-v1:0": {
		ID: "anthropic.claude-3-5-haiku-20241022-v1:0", Name: "Claude 3.5 Haiku", Provider: "AWS Bedrock",
		ContextWindow: 200_000, Pricing: provider.ModelPricing{InputPerMillion: 1.0, OutputPerMillion: 5.0},
	},
	"anthropic.claude-sonnet-4-20250514-v1:0": {
		ID: "anthropic.claude-sonnet-4-20250514-v1:0", Name: "Claude Sonnet 4", Provider: "AWS Bedrock",
		ContextWindow: 200_000, Pricing: provider.ModelPricing{InputPerMillion: 3.0, OutputPerMillion: 15.0},
	},
	"anthropic.claude-opus-4-20250514-v1:0": {
		ID: "anthropic.claude-opus-4-20250514-v1:0", Name: "Claude Opus 4", Provider: "AWS Bedrock",
		ContextWindow: 200_000, Pricing: provider.ModelPricing{InputPerMillion: 15.0, OutputPerMillion: 75.0},
	},
}

// modelLister is the subset of bedrock.Client used for model discovery.
// Defined as an interface for testability.
type modelLister interface {
	ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

// Bedrock implements provider.Provider using AWS Bedrock's ConverseStream API.
type Bedrock struct {
	runtime        *bedrockruntime.Client
	catalog        modelLister
	pricingEngine  *BedrockPricingEngine
	dynamicPricing map[string]provider.ModelInfo // populated lazily from AWS Pricing API
	region         string
	pricingCfg     PricingConfig
}

// NewBedrock creates a Bedrock provider configured for the given AWS region.
// If profile is non-empty, it is used to select a named AWS credentials profile.
// If pricingCfg.Enabled is true, pricing is fetched dynamically from the AWS Pricing API.
func NewBedrock(ctx context.Context, region, profile string, pricingCfg PricingConfig) (*Bedrock, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	b := &Bedrock{
		runtime:    bedrockruntime.NewFromConfig(awsCfg),
		catalog:    bedrock.NewFromConfig(awsCfg),
		region:     region,
		pricingCfg: pricingCfg,
	}

	if pricingCfg.Enabled {
		pricingOpts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion("us-east-1"), // Pricing API is us-east-1 only
		}
		if profile != "" {
			pricingOpts = append(pricingOpts, awsconfig.WithSharedConfigProfile(profile))
		}

		pricingAwsCfg, err := awsconfig.LoadDefaultConfig(ctx, pricingOpts...)
		if err == nil {
			b.pricingEngine = NewBedrockPricingEngine(awspricing.NewFromConfig(pricingAwsCfg))
		}
		// Errors here are non-fatal: will use static pricing
	}

	return b, nil
}

// ID identifies this provider.
func (b *Bedrock) ID() string { return "bedrock" }

// SupportsToolStreaming reports that Bedrock streams tool-call input deltas.
func (b *Bedrock) SupportsToolStreaming() bool { return true }

// ModelInfo looks up static/dynamic metadata for a single model ID.
func (b *Bedrock) ModelInfo(ctx context.Context, model string) (provider.ModelInfo, error) {
	models, err := b.ListModels(ctx)
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

// ListModels returns available Anthropic models from the Bedrock catalog,
// enriched with pricing metadata (dynamic or static fallback).
func (b *Bedrock) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	// Lazy pricing fetch on first call
	if b.pricingEngine != nil && b.dynamicPricing == nil {
		_ = b.refreshPricing(ctx) // Non-fatal, ignore errors
	}

	out, err := b.catalog.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{
		ByProvider: aws.String("Anthropic"),
	})
	if err != nil {
		return nil, classifyErr(err)
	}

	var models []provider.ModelInfo
	for _, summary := range out.ModelSummaries {
		if !isUsableModel(summary) {
			continue
		}

		id := aws.ToString(summary.ModelId)

		if info, ok := b.dynamicPricing[id]; ok {
			models = append(models, info)
			continue
		}

		if known, ok := knownModels[id]; ok {
			models = append(models, known)
			continue
		}

		models = append(models, provider.ModelInfo{
			ID: id, Name: aws.ToString(summary.ModelName), Provider: "AWS Bedrock",
		})
	}

	return models, nil
}

// Stream sends req and streams the response onto events.
func (b *Bedrock) Stream(ctx context.Context, req provider.ChatRequest, events chan<- provider.StreamEvent) error {
	input, err := buildConverseStreamInput(req)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	out, err := b.runtime.ConverseStream(ctx, input)
	if err != nil {
		return classifyErr(err)
	}

	stream := out.GetStream()
	return pumpStream(stream, events)
}

// Complete runs req to completion by draining Stream into a single Message.
func (b *Bedrock) Complete(ctx context.Context, req provider.ChatRequest) (provider.Message, provider.Usage, error) {
	events := make(chan provider.StreamEvent, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- b.Stream(ctx, req, events); close(events) }()

	var msg provider.Message
	msg.Role = provider.RoleAssistant
	var text string
	var usage provider.Usage

	for ev := range events {
		switch ev.Type {
		case provider.StreamTextDelta:
			text += ev.TextDelta
		case provider.StreamToolCall:
			if ev.ToolCall != nil {
				msg.Content = append(msg.Content, provider.ContentBlock{
					Type: provider.BlockToolCall, ToolCallID: ev.ToolCall.ID, ToolName: ev.ToolCall.Name, ToolInput: ev.ToolCall.Input,
				})
			}
		case provider.StreamUsage:
			if ev.Usage != nil {
				usage = *ev.Usage
			}
		case provider.StreamError:
			return provider.Message{}, provider.Usage{}, ev.Err
		}
	}

	if text != "" {
		msg.Content = append([]provider.ContentBlock{provider.TextBlock(text)}, msg.Content...)
	}

	if err := <-errCh; err != nil {
		return provider.Message{}, provider.Usage{}, err
	}

	return msg, usage, nil
}

// isUsableModel returns true if the model supports on-demand text streaming.
func isUsableModel(s bedrocktypes.FoundationModelSummary) bool {
	if s.ResponseStreamingSupported == nil || !*s.ResponseStreamingSupported {
		return false
	}
	return slices.Contains(s.OutputModalities, bedrocktypes.ModelModalityText)
}

// classifyErr wraps AWS API errors into provider-level sentinels.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException":
			return fmt.Errorf("%w: %s", provider.ErrThrottled, apiErr.ErrorMessage())
		case "AccessDeniedException":
			return fmt.Errorf("%w: %s", provider.ErrAccessDenied, apiErr.ErrorMessage())
		case "ResourceNotFoundException", "ModelNotFoundException":
			return fmt.Errorf("%w: %s", provider.ErrModelNotFound, apiErr.ErrorMessage())
		case "ModelNotReadyException":
			return fmt.Errorf("%w: %s", provider.ErrModelNotReady, apiErr.ErrorMessage())
		case "ValidationException":
			return fmt.Errorf("bedrock validation: %s: %w", apiErr.ErrorMessage(), err)
		}
	}

	return fmt.Errorf("bedrock: %w", err)
}

// refreshPricing fetches pricing from AWS and populates the dynamic pricing map.
// Returns an error if fetching fails, but errors are non-fatal in callers.
func (b *Bedrock) refreshPricing(ctx context.Context) error {
	if !b.pricingCfg.Enabled || b.pricingEngine == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := BedrockPricingOptions{
		CacheDir: b.pricingCfg.CacheDir,
		CacheTTL: b.pricingCfg.CacheTTL,
	}

	report, err := b.pricingEngine.GenerateBedrockPricingReport(ctx, opts)
	if err != nil {
		b.dynamicPricing = make(map[string]provider.ModelInfo) // Prevent retry loop
		return fmt.Errorf("fetching pricing: %w", err)
	}

	b.dynamicPricing = pricingReportToModelInfo(report, b.region)
	return nil
}

// Compile-time check that Bedrock implements provider.Provider
var _ provider.Provider = (*Bedrock)(nil)
