// Package registry aggregates model metadata from multiple sources,
// caches it with a TTL, and exposes filtering and provider-preference
// sorting over the combined list.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ionengine/internal/provider"
)

// Filter narrows a model list down by capability and price.
type Filter struct {
	MinContext    int
	RequireTools  bool
	RequireVision bool
	PreferCache   bool
	MaxInputPrice float64 // 0 means unbounded
	IDPrefix      string
}

// Source fetches the current model list from one backend (an
// aggregator API, a metadata endpoint, or a local server).
type Source interface {
	FetchModels(ctx context.Context) ([]provider.ModelInfo, error)
}

// Registry holds a TTL-cached, merged view of every configured Source.
type Registry struct {
	sources []Source
	ttl     time.Duration

	mu        sync.RWMutex
	models    []provider.ModelInfo
	fetchedAt time.Time
}

// New builds a Registry over sources, refreshing at most once per ttl.
func New(ttl time.Duration, sources ...Source) *Registry {
	return &Registry{sources: sources, ttl: ttl}
}

func (r *Registry) cacheValid() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.fetchedAt.IsZero() && time.Since(r.fetchedAt) < r.ttl
}

// Refresh re-fetches from every source and fully replaces the cache.
// A source that errors contributes no models but does not fail the
// overall refresh; when several sources return the same ID, the entry
// from the earliest source is kept.
func (r *Registry) Refresh(ctx context.Context) error {
	var merged []provider.ModelInfo
	seen := make(map[string]bool)

	for _, src := range r.sources {
		models, err := src.FetchModels(ctx)
		if err != nil {
			continue
		}
		for _, m := range models {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			merged = append(merged, m)
		}
	}

	r.mu.Lock()
	r.models = merged
	r.fetchedAt = time.Now()
	r.mu.Unlock()
	return nil
}

// GetModels returns the cached model list, refreshing first if stale.
func (r *Registry) GetModels(ctx context.Context) ([]provider.ModelInfo, error) {
	if !r.cacheValid() {
		if err := r.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.ModelInfo, len(r.models))
	copy(out, r.models)
	return out, nil
}

// GetModel looks up a single model by ID from the cache.
func (r *Registry) GetModel(ctx context.Context, id string) (provider.ModelInfo, bool, error) {
	models, err := r.GetModels(ctx)
	if err != nil {
		return provider.ModelInfo{}, false, err
	}
	for _, m := range models {
		if m.ID == id {
			return m, true, nil
		}
	}
	return provider.ModelInfo{}, false, nil
}

// ListModels filters and sorts the cached model list per filter and prefs.
func (r *Registry) ListModels(ctx context.Context, filter Filter, prefs Prefs) ([]provider.ModelInfo, error) {
	models, err := r.GetModels(ctx)
	if err != nil {
		return nil, err
	}
	return ListModelsFrom(models, filter, prefs), nil
}

// ListModelsFrom applies filter and prefs to an explicit model list,
// without touching the cache. Exposed for callers that already have a
// list (tests, or a one-off source).
func ListModelsFrom(models []provider.ModelInfo, filter Filter, prefs Prefs) []provider.ModelInfo {
	var out []provider.ModelInfo
	for _, m := range models {
		if matchesFilter(m, filter, prefs) {
			out = append(out, m)
		}
	}
	sortModels(out, filter, prefs)
	return out
}

func matchesFilter(m provider.ModelInfo, f Filter, prefs Prefs) bool {
	if f.MinContext > 0 && m.ContextWindow < f.MinContext {
		return false
	}
	if f.RequireTools && !m.SupportsTools {
		return false
	}
	if f.RequireVision && !m.SupportsVision {
		return false
	}
	if f.MaxInputPrice > 0 && m.Pricing.InputPerMillion > f.MaxInputPrice {
		return false
	}
	if f.IDPrefix != "" && !strings.Contains(strings.ToLower(m.ID), strings.ToLower(f.IDPrefix)) {
		return false
	}
	if containsFold(prefs.Ignore, m.Provider) {
		return false
	}
	if len(prefs.Only) > 0 && !containsFold(prefs.Only, m.Provider) {
		return false
	}
	return true
}

func sortModels(models []provider.ModelInfo, filter Filter, prefs Prefs) {
	sort.SliceStable(models, func(i, j int) bool {
		a, b := models[i], models[j]

		if len(prefs.Prefer) > 0 {
			aPref := containsFold(prefs.Prefer, a.Provider)
			bPref := containsFold(prefs.Prefer, b.Provider)
			if aPref != bPref {
				return aPref
			}
		}

		if filter.PreferCache || prefs.PreferCache {
			if a.SupportsToolCache != b.SupportsToolCache {
				return a.SupportsToolCache
			}
		}

		switch prefs.Sort {
		case SortPrice:
			return a.Pricing.InputPerMillion < b.Pricing.InputPerMillion
		case SortThroughput:
			return a.ContextWindow > b.ContextWindow
		case SortLatency:
			return a.ContextWindow < b.ContextWindow
		case SortNewest:
			if a.Created != b.Created {
				return a.Created > b.Created
			}
			if a.Provider != b.Provider {
				return a.Provider < b.Provider
			}
			return a.Name < b.Name
		default: // Alphabetical
			if a.Provider != b.Provider {
				return a.Provider < b.Provider
			}
			return a.Created > b.Created
		}
	})
}

// AggregatorSource fetches models from a unified aggregator endpoint
// (OpenRouter-shaped: /models returns per-token USD prices that must be
// normalized ×1,000,000 to per-million).
type AggregatorSource struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
}

type aggregatorResponse struct {
	Data []aggregatorModel `json:"data"`
}

type aggregatorModel struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	ContextLength int               `json:"context_length"`
	Created       int64             `json:"created"`
	Pricing       aggregatorPricing `json:"pricing"`
	Architecture  *struct {
		Modality     string `json:"modality"`
		InstructType string `json:"instruct_type"`
	} `json:"architecture"`
}

type aggregatorPricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
	CacheRead  string `json:"cache_read"`
	CacheWrite string `json:"cache_write"`
}

func (s *AggregatorSource) FetchModels(ctx context.Context) ([]provider.ModelInfo, error) {
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: aggregator fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("registry: aggregator error %d: %s", resp.StatusCode, string(body))
	}

	var parsed aggregatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("registry: aggregator decode: %w", err)
	}

	out := make([]provider.ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		promptPrice := parsePrice(m.Pricing.Prompt)
		completionPrice := parsePrice(m.Pricing.Completion)
		cacheRead := parsePrice(m.Pricing.CacheRead)
		cacheWrite := parsePrice(m.Pricing.CacheWrite)

		// Variable-priced routing entries report a negative or non-numeric
		// prompt/completion price and are left out.
		_, promptErr := strconv.ParseFloat(m.Pricing.Prompt, 64)
		_, completionErr := strconv.ParseFloat(m.Pricing.Completion, 64)
		if promptErr != nil || completionErr != nil || promptPrice < 0 || completionPrice < 0 {
			continue
		}

		supportsVision := m.Architecture != nil && strings.Contains(m.Architecture.Modality, "image")
		supportsTools := m.Architecture != nil && m.Architecture.InstructType != ""
		providerName := "unknown"
		if idx := strings.Index(m.ID, "/"); idx >= 0 {
			providerName = m.ID[:idx]
		}

		out = append(out, provider.ModelInfo{
			ID:                m.ID,
			Name:              m.Name,
			Provider:          providerName,
			ContextWindow:     m.ContextLength,
			SupportsTools:     supportsTools,
			SupportsVision:    supportsVision,
			SupportsToolCache: cacheRead > 0,
			Pricing: provider.ModelPricing{
				InputPerMillion:      promptPrice * 1_000_000,
				OutputPerMillion:     completionPrice * 1_000_000,
				CacheReadPerMillion:  cacheRead * 1_000_000,
				CacheWritePerMillion: cacheWrite * 1_000_000,
			},
			Created: m.Created,
		})
	}
	return out, nil
}

func parsePrice(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// MetadataSource fetches models from a public per-million-priced
// metadata endpoint (models.dev-shaped), filtered down to one provider.
type MetadataSource struct {
	HTTPClient   *http.Client
	BaseURL      string
	ProviderName string
}

type metadataModel struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Provider      string  `json:"provider"`
	ContextWindow int     `json:"context_window"`
	SupportsTools bool    `json:"supports_tools"`
	Vision        bool    `json:"supports_vision"`
	Thinking      bool    `json:"supports_thinking"`
	Cache         bool    `json:"supports_cache"`
	InputPrice    float64 `json:"input_price"`
	OutputPrice   float64 `json:"output_price"`
	Created       int64   `json:"created"`
}

func (s *MetadataSource) FetchModels(ctx context.Context) ([]provider.ModelInfo, error) {
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: metadata fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: metadata error %d", resp.StatusCode)
	}

	var all []metadataModel
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("registry: metadata decode: %w", err)
	}

	out := make([]provider.ModelInfo, 0, len(all))
	for _, m := range all {
		if !strings.EqualFold(m.Provider, s.ProviderName) {
			continue
		}
		out = append(out, provider.ModelInfo{
			ID: m.ID, Name: m.Name, Provider: m.Provider,
			ContextWindow: m.ContextWindow, SupportsTools: m.SupportsTools,
			SupportsVision: m.Vision, SupportsThinking: m.Thinking, SupportsToolCache: m.Cache,
			Pricing: provider.ModelPricing{InputPerMillion: m.InputPrice, OutputPerMillion: m.OutputPrice},
			Created: m.Created,
		})
	}
	return out, nil
}

// StaticSource returns a fixed model list, used for providers (e.g. a
// local inference server) with no remote discovery endpoint.
type StaticSource struct {
	Models []provider.ModelInfo
}

func (s StaticSource) FetchModels(context.Context) ([]provider.ModelInfo, error) {
	return s.Models, nil
}
