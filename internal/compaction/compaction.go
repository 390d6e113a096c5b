// Package compaction implements the three-tier context compaction
// pipeline: mechanical truncation of large tool outputs, mechanical
// eviction of old tool output content, and, if mechanical pruning is
// insufficient, LLM-based structured summarization of the prefix of a
// conversation not covered by the protected suffix.
package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"ionengine/internal/provider"
	"ionengine/internal/tokencount"
)

// Config holds the thresholds that drive the compaction pipeline.
// Defaults mirror the values the pipeline was validated against.
type Config struct {
	ContextWindow       int
	TriggerThreshold    float64 // fraction of ContextWindow that triggers compaction
	TargetThreshold     float64 // fraction of ContextWindow compaction aims to reach
	OutputReserve       int     // tokens reserved for the model's own output
	MaxToolOutputTokens int     // tool results larger than this are truncated in Tier 1
	TruncateKeepTokens  int     // tokens kept at head and tail when truncating
	ProtectedMessages   int     // most recent messages never touched by Tier 2 or Tier 3
}

// DefaultConfig returns the thresholds this pipeline was designed around.
func DefaultConfig() Config {
	return Config{
		ContextWindow:       200_000,
		TriggerThreshold:    0.80,
		TargetThreshold:     0.60,
		OutputReserve:       16_000,
		MaxToolOutputTokens: 2_000,
		TruncateKeepTokens:  250,
		ProtectedMessages:   12,
	}
}

// AvailableTokens is the usable context budget after reserving output space.
func (c Config) AvailableTokens() int { return c.ContextWindow - c.OutputReserve }

// TriggerTokens is the token count at which compaction should begin.
func (c Config) TriggerTokens() int { return int(float64(c.AvailableTokens()) * c.TriggerThreshold) }

// TargetTokens is the token count compaction aims to bring history down to.
func (c Config) TargetTokens() int { return int(float64(c.AvailableTokens()) * c.TargetThreshold) }

// Status reports whether a conversation currently needs compaction.
type Status struct {
	TotalTokens     int
	TriggerTokens   int
	NeedsCompaction bool
	MessageCount    int
}

// CheckNeeded evaluates a conversation against cfg's thresholds.
func CheckNeeded(msgs []provider.Message, cfg Config, counter *tokencount.Counter) Status {
	tc := counter.CountMessages(msgs)
	trigger := cfg.TriggerTokens()
	return Status{
		TotalTokens:     tc.Total,
		TriggerTokens:   trigger,
		NeedsCompaction: tc.Total >= trigger,
		MessageCount:    tc.MessageCount,
	}
}

// Tier identifies which compaction tier a Result reached.
type Tier string

const (
	TierNone       Tier = "none"
	TierMechanical Tier = "mechanical"
	TierSummarized Tier = "summarized"
)

// Result reports the outcome of running the full pipeline once.
type Result struct {
	TokensBefore int
	TokensAfter  int
	TierReached  Tier
	Summary      string
	APIUsage     *provider.Usage
}

// Run executes the pipeline against msgs in place: Tier 1, then Tier 2 if
// still over target, then Tier 3 (summarization) if still over target and
// an LLM provider was supplied. A nil llm skips Tier 3 entirely.
func Run(ctx context.Context, msgs *[]provider.Message, cfg Config, counter *tokencount.Counter, llm provider.Provider, model string) (Result, error) {
	before := counter.CountMessages(*msgs).Total
	target := cfg.TargetTokens()

	*msgs = truncateLargeOutputs(*msgs, cfg, counter)
	after := counter.CountMessages(*msgs).Total
	tier := TierMechanical

	if after > target {
		*msgs = removeOldOutputContent(*msgs, cfg)
		after = counter.CountMessages(*msgs).Total
	}

	if after <= target || llm == nil {
		return Result{TokensBefore: before, TokensAfter: after, TierReached: tierFor(before, after, tier)}, nil
	}

	summary, usage, err := Summarize(ctx, *msgs, cfg.ProtectedMessages, llm, model, counter)
	if err != nil {
		log.Warn().Err(err).Msg("compaction: summarization failed, falling back to mechanical result")
		return Result{TokensBefore: before, TokensAfter: after, TierReached: tier}, nil
	}

	*msgs = ApplySummary(*msgs, cfg.ProtectedMessages, summary.Text)
	after = counter.CountMessages(*msgs).Total
	return Result{
		TokensBefore: before,
		TokensAfter:  after,
		TierReached:  TierSummarized,
		Summary:      summary.Text,
		APIUsage:     &usage,
	}, nil
}

func tierFor(before, after int, mechanicalTier Tier) Tier {
	if before == after {
		return TierNone
	}
	return mechanicalTier
}

// truncateLargeOutputs is compaction Tier 1: any ToolResult content over
// cfg.MaxToolOutputTokens is reduced to a head/tail excerpt.
func truncateLargeOutputs(msgs []provider.Message, cfg Config, counter *tokencount.Counter) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		out[i] = truncateMessage(m, cfg, counter)
	}
	return out
}

func truncateMessage(m provider.Message, cfg Config, counter *tokencount.Counter) provider.Message {
	changed := false
	content := make([]provider.ContentBlock, len(m.Content))
	for i, b := range m.Content {
		if b.Type == provider.BlockToolResult && counter.CountString(b.Content) > cfg.MaxToolOutputTokens {
			b.Content = truncateToHeadTail(b.Content, cfg.TruncateKeepTokens)
			changed = true
		}
		content[i] = b
	}
	if !changed {
		return m
	}
	return provider.Message{Role: m.Role, Content: content}
}

// truncateToHeadTail keeps keepTokens worth of lines from the head and tail
// of text, replacing the middle with a marker naming how many lines were
// dropped. Assumes roughly 10 tokens per line.
func truncateToHeadTail(text string, keepTokens int) string {
	lines := strings.Split(text, "\n")
	linesPerSection := keepTokens / 10
	if linesPerSection < 5 {
		linesPerSection = 5
	}
	if len(lines) <= linesPerSection*2 {
		return text
	}

	head := strings.Join(lines[:linesPerSection], "\n")
	tail := strings.Join(lines[len(lines)-linesPerSection:], "\n")
	omitted := len(lines) - linesPerSection*2

	return fmt.Sprintf("%s\n\n[... %d lines truncated] ...\n\n%s", head, omitted, tail)
}

// removeOldOutputContent is compaction Tier 2: ToolResult content older
// than the protected suffix is replaced with a short placeholder.
func removeOldOutputContent(msgs []provider.Message, cfg Config) []provider.Message {
	cutoff := len(msgs) - cfg.ProtectedMessages
	if cutoff <= 0 {
		return msgs
	}

	out := make([]provider.Message, len(msgs))
	copy(out, msgs)
	for i := 0; i < cutoff; i++ {
		out[i] = removeOldOutputFromMessage(out[i])
	}
	return out
}

const removedPrefix = "[Output removed"

func removeOldOutputFromMessage(m provider.Message) provider.Message {
	changed := false
	content := make([]provider.ContentBlock, len(m.Content))
	for i, b := range m.Content {
		if b.Type == provider.BlockToolResult && !strings.HasPrefix(b.Content, removedPrefix) {
			b.Content = placeholderFor(b.Content)
			changed = true
		}
		content[i] = b
	}
	if !changed {
		return m
	}
	return provider.Message{Role: m.Role, Content: content}
}

func placeholderFor(content string) string {
	lines := strings.Split(content, "\n")
	first := lines[0]
	if len(first) > 100 {
		first = first[:100]
	}
	return fmt.Sprintf("%s: %d lines, starting with: %s...]", removedPrefix, len(lines), first)
}
