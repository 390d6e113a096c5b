// Package pricing tracks token usage and cost across model calls, and
// converts USD costs to a configured display currency.
package pricing

import (
	"fmt"
	"strings"
	"sync"

	"ionengine/internal/provider"
)

// Source identifies what triggered a model call. Use SourcePrompt for
// user-initiated turns; tool/skill names for tool-triggered calls.
type Source string

const SourcePrompt Source = "prompt"

// SourceUsage holds token counts and cost for one source within a model.
type SourceUsage struct {
	Source       Source
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// ModelUsage holds cumulative token counts and cost for one model.
type ModelUsage struct {
	ModelID          string
	ModelName        string
	InputTokens      int
	OutputTokens     int
	Cost             float64
	InputPerMillion  float64
	OutputPerMillion float64
	ContextWindow    int
	Sources          []SourceUsage
}

// CostSnapshot is a point-in-time, deep-copied view of all accumulated usage.
type CostSnapshot struct {
	TotalInputTokens  int
	TotalOutputTokens int
	TotalCost         float64
	Models            []ModelUsage
	formatter         *CurrencyFormatter
}

type sourceAccum struct {
	inputTokens  int
	outputTokens int
}

type modelAccum struct {
	info    provider.ModelInfo
	sources map[Source]*sourceAccum
}

// Tracker accumulates token usage and cost across model calls.
type Tracker struct {
	mu        sync.Mutex
	models    map[string]*modelAccum
	onUpdate  func(CostSnapshot)
	formatter *CurrencyFormatter
}

// NewTracker creates a cost tracker. onUpdate, if non-nil, runs
// synchronously after each Record with a fresh snapshot. formatter, if
// non-nil, controls display currency; nil defaults to USD.
func NewTracker(onUpdate func(CostSnapshot), formatter *CurrencyFormatter) *Tracker {
	return &Tracker{
		models:    make(map[string]*modelAccum),
		onUpdate:  onUpdate,
		formatter: formatter,
	}
}

// Record accumulates usage for model/source and fires onUpdate.
func (t *Tracker) Record(model provider.ModelInfo, usage provider.Usage, source Source) {
	t.mu.Lock()

	ma, ok := t.models[model.ID]
	if !ok {
		ma = &modelAccum{info: model, sources: make(map[Source]*sourceAccum)}
		t.models[model.ID] = ma
	}

	sa, ok := ma.sources[source]
	if !ok {
		sa = &sourceAccum{}
		ma.sources[source] = sa
	}
	sa.inputTokens += usage.InputTokens
	sa.outputTokens += usage.OutputTokens

	var snap CostSnapshot
	if t.onUpdate != nil {
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(snap)
	}
}

// Snapshot returns a deep-copied view of all accumulated usage.
func (t *Tracker) Snapshot() CostSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() CostSnapshot {
	var snap CostSnapshot
	snap.formatter = t.formatter

	for _, ma := range t.models {
		var mu ModelUsage
		mu.ModelID = ma.info.ID
		mu.ModelName = ma.info.Name
		mu.InputPerMillion = ma.info.Pricing.InputPerMillion
		mu.OutputPerMillion = ma.info.Pricing.OutputPerMillion
		mu.ContextWindow = ma.info.ContextWindow

		for src, sa := range ma.sources {
			srcCost := float64(sa.inputTokens)*ma.info.Pricing.InputPerMillion/1_000_000 +
				float64(sa.outputTokens)*ma.info.Pricing.OutputPerMillion/1_000_000
			mu.Sources = append(mu.Sources, SourceUsage{
				Source: src, InputTokens: sa.inputTokens, OutputTokens: sa.outputTokens, Cost: srcCost,
			})
			mu.InputTokens += sa.inputTokens
			mu.OutputTokens += sa.outputTokens
		}

		mu.Cost = float64(mu.InputTokens)*ma.info.Pricing.InputPerMillion/1_000_000 +
			float64(mu.OutputTokens)*ma.info.Pricing.OutputPerMillion/1_000_000

		snap.TotalInputTokens += mu.InputTokens
		snap.TotalOutputTokens += mu.OutputTokens
		snap.TotalCost += mu.Cost
		snap.Models = append(snap.Models, mu)
	}

	return snap
}

// AdjustTokens replaces a model's accumulated counts with new values,
// used after compaction to reflect the now-shorter context.
func (t *Tracker) AdjustTokens(modelID string, newInput, newOutput int) {
	t.mu.Lock()

	ma, ok := t.models[modelID]
	if !ok {
		t.mu.Unlock()
		return
	}
	ma.sources = map[Source]*sourceAccum{
		Source("compacted"): {inputTokens: newInput, outputTokens: newOutput},
	}

	var snap CostSnapshot
	if t.onUpdate != nil {
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(snap)
	}
}

func formatCount(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1_000_000 {
		k := float64(n) / 1000
		if k >= 999.95 {
			return "1M"
		}
		s := fmt.Sprintf("%.1fK", k)
		return strings.Replace(s, ".0K", "K", 1)
	}
	m := float64(n) / 1_000_000
	s := fmt.Sprintf("%.1fM", m)
	return strings.Replace(s, ".0M", "M", 1)
}

// FormatTokens formats the total token counts as "▲<input> ▼<output>".
func (s CostSnapshot) FormatTokens() string {
	return fmt.Sprintf("▲%s ▼%s", formatCount(s.TotalInputTokens), formatCount(s.TotalOutputTokens))
}

// FormatCost formats the total cost in the configured display currency.
func (s CostSnapshot) FormatCost() string {
	f := s.formatter
	if f == nil {
		f = DefaultCurrencyFormatter()
	}
	return f.Format(s.TotalCost)
}

// ContextUsagePercentage returns the percentage of context window used
// by cumulative tracker tokens for modelID.
func (s CostSnapshot) ContextUsagePercentage(modelID string) float64 {
	for _, m := range s.Models {
		if m.ModelID == modelID && m.ContextWindow > 0 {
			total := m.InputTokens + m.OutputTokens
			return (float64(total) / float64(m.ContextWindow)) * 100.0
		}
	}
	return 0.0
}
