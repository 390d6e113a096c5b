package pricing

import (
	"testing"

	"ionengine/internal/provider"
)

func TestFormatTokens(t *testing.T) {
	tests := []struct {
		input  int
		output int
		want   string
	}{
		{0, 0, "▲0 ▼0"},
		{999, 0, "▲999 ▼0"},
		{1000, 0, "▲1K ▼0"},
		{1500, 0, "▲1.5K ▼0"},
		{10000, 0, "▲10K ▼0"},
		{999999, 0, "▲1M ▼0"},
		{1000000, 0, "▲1M ▼0"},
		{1500000, 0, "▲1.5M ▼0"},
		{0, 800, "▲0 ▼800"},
		{1200, 800, "▲1.2K ▼800"},
	}

	for _, tt := range tests {
		snap := CostSnapshot{TotalInputTokens: tt.input, TotalOutputTokens: tt.output}
		if got := snap.FormatTokens(); got != tt.want {
			t.Errorf("FormatTokens(%d, %d) = %q, want %q", tt.input, tt.output, got, tt.want)
		}
	}
}

func TestFormatCost(t *testing.T) {
	tests := []struct {
		cost float64
		want string
	}{
		{0.00, "$ 0.00"},
		{0.001, "$ 0.0010"},
		{0.0012, "$ 0.0012"},
		{0.05, "$ 0.05"},
		{1.23, "$ 1.23"},
		{12.345, "$ 12.35"},
		{0.0099, "$ 0.0099"},
		{0.01, "$ 0.01"},
	}

	for _, tt := range tests {
		snap := CostSnapshot{TotalCost: tt.cost}
		if got := snap.FormatCost(); got != tt.want {
			t.Errorf("FormatCost(%v) = %q, want %q", tt.cost, got, tt.want)
		}
	}
}

func modelInfo(id, name string, inputCost, outputCost float64) provider.ModelInfo {
	return provider.ModelInfo{
		ID: id, Name: name, ContextWindow: 200000,
		Pricing: provider.ModelPricing{InputPerMillion: inputCost, OutputPerMillion: outputCost},
	}
}

func TestRecordSingleModel(t *testing.T) {
	tracker := NewTracker(nil, nil)

	model := modelInfo("opus-4", "Claude Opus 4", 15.0, 75.0)
	tracker.Record(model, provider.Usage{InputTokens: 1000, OutputTokens: 500}, SourcePrompt)
	tracker.Record(model, provider.Usage{InputTokens: 2000, OutputTokens: 1000}, SourcePrompt)

	snap := tracker.Snapshot()

	if snap.TotalInputTokens != 3000 {
		t.Errorf("TotalInputTokens = %d, want 3000", snap.TotalInputTokens)
	}
	if snap.TotalOutputTokens != 1500 {
		t.Errorf("TotalOutputTokens = %d, want 1500", snap.TotalOutputTokens)
	}

	wantCost := 0.1575
	if diff := snap.TotalCost - wantCost; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("TotalCost = %f, want %f", snap.TotalCost, wantCost)
	}
	if len(snap.Models) != 1 {
		t.Fatalf("len(Models) = %d, want 1", len(snap.Models))
	}
	if snap.Models[0].ModelID != "opus-4" {
		t.Errorf("ModelID = %q, want %q", snap.Models[0].ModelID, "opus-4")
	}
}

func TestRecordMultipleModels(t *testing.T) {
	tracker := NewTracker(nil, nil)

	opus := modelInfo("opus-4", "Claude Opus 4", 15.0, 75.0)
	haiku := modelInfo("haiku-3", "Claude Haiku 3", 0.25, 1.25)

	tracker.Record(opus, provider.Usage{InputTokens: 1000, OutputTokens: 500}, SourcePrompt)
	tracker.Record(haiku, provider.Usage{InputTokens: 2000, OutputTokens: 1000}, SourcePrompt)

	snap := tracker.Snapshot()

	if snap.TotalInputTokens != 3000 {
		t.Errorf("TotalInputTokens = %d, want 3000", snap.TotalInputTokens)
	}
	if len(snap.Models) != 2 {
		t.Fatalf("len(Models) = %d, want 2", len(snap.Models))
	}
}

func TestRecordTracksSourcesSeparately(t *testing.T) {
	tracker := NewTracker(nil, nil)
	model := modelInfo("opus-4", "Claude Opus 4", 15.0, 75.0)

	tracker.Record(model, provider.Usage{InputTokens: 1000, OutputTokens: 500}, SourcePrompt)
	tracker.Record(model, provider.Usage{InputTokens: 300, OutputTokens: 100}, Source("tool:read_file"))

	snap := tracker.Snapshot()
	if len(snap.Models) != 1 {
		t.Fatalf("len(Models) = %d, want 1", len(snap.Models))
	}
	if len(snap.Models[0].Sources) != 2 {
		t.Fatalf("len(Sources) = %d, want 2", len(snap.Models[0].Sources))
	}
}

func TestOnUpdateCallbackFiresOnRecord(t *testing.T) {
	var calls int
	var lastSnap CostSnapshot
	tracker := NewTracker(func(s CostSnapshot) {
		calls++
		lastSnap = s
	}, nil)

	model := modelInfo("m", "M", 1.0, 2.0)
	tracker.Record(model, provider.Usage{InputTokens: 100, OutputTokens: 50}, SourcePrompt)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if lastSnap.TotalInputTokens != 100 {
		t.Errorf("TotalInputTokens = %d, want 100", lastSnap.TotalInputTokens)
	}
}

func TestAdjustTokensReplacesAccumulation(t *testing.T) {
	tracker := NewTracker(nil, nil)
	model := modelInfo("m", "M", 1.0, 2.0)
	tracker.Record(model, provider.Usage{InputTokens: 10000, OutputTokens: 5000}, SourcePrompt)

	tracker.AdjustTokens("m", 2000, 1000)

	snap := tracker.Snapshot()
	if snap.TotalInputTokens != 2000 || snap.TotalOutputTokens != 1000 {
		t.Errorf("got (%d, %d), want (2000, 1000)", snap.TotalInputTokens, snap.TotalOutputTokens)
	}
}

func TestAdjustTokensUntrackedModelNoop(t *testing.T) {
	tracker := NewTracker(nil, nil)
	tracker.AdjustTokens("never-recorded", 100, 100)
	snap := tracker.Snapshot()
	if snap.TotalInputTokens != 0 {
		t.Errorf("expected no-op for untracked model, got %d", snap.TotalInputTokens)
	}
}

func TestContextUsagePercentage(t *testing.T) {
	tracker := NewTracker(nil, nil)
	model := modelInfo("m", "M", 1.0, 2.0)
	model.ContextWindow = 1000
	tracker.Record(model, provider.Usage{InputTokens: 100, OutputTokens: 150}, SourcePrompt)

	snap := tracker.Snapshot()
	pct := snap.ContextUsagePercentage("m")
	if pct != 25.0 {
		t.Errorf("ContextUsagePercentage = %v, want 25.0", pct)
	}
	if got := snap.ContextUsagePercentage("missing"); got != 0.0 {
		t.Errorf("ContextUsagePercentage(missing) = %v, want 0", got)
	}
}
