package compaction

import (
	"context"
	"fmt"
	"strings"

	"ionengine/internal/provider"
	"ionengine/internal/tokencount"
)

// summarizationPrompt is the fixed structured-summary prompt sent to the
// LLM for Tier 3 compaction. The seven sections are load-bearing: the
// turn loop and any downstream tooling expect a summary shaped this way.
const summarizationPrompt = `Summarize this coding conversation so it can be used as context for continuing the work. Produce a dense, structured summary covering exactly these sections, in order:

## Task State
What is the overall goal, and what has been completed so far?

## Files
Which files have been read, created, or modified, and how?

## Tool History
What tools were run and what did they do, at a high level?

## Errors
What errors or failures occurred, and how (if at all) were they resolved?

## Decisions
What technical decisions were made, and why?

## User Guidance
What has the user explicitly asked for, corrected, or confirmed?

## Next Steps
What remains to be done?

Conversation to summarize:

%s`

// SummarizationResult is the outcome of a Tier 3 summarization call.
type SummarizationResult struct {
	Text string
}

// Summarize sends every message before the protected suffix to llm for
// structured summarization. protectedCount messages at the end of msgs are
// never sent; they remain untouched after ApplySummary.
func Summarize(ctx context.Context, msgs []provider.Message, protectedCount int, llm provider.Provider, model string, counter *tokencount.Counter) (SummarizationResult, provider.Usage, error) {
	cutoff := len(msgs) - protectedCount
	if cutoff <= 0 {
		return SummarizationResult{}, provider.Usage{}, fmt.Errorf("compaction: nothing to summarize, all messages are protected")
	}

	formatted := formatMessagesForSummary(msgs[:cutoff])
	req := provider.ChatRequest{
		Model:       model,
		Messages:    []provider.Message{provider.NewTextMessage(provider.RoleUser, fmt.Sprintf(summarizationPrompt, formatted))},
		MaxTokens:   8000,
		Temperature: 0.0,
	}

	msg, usage, err := llm.Complete(ctx, req)
	if err != nil {
		return SummarizationResult{}, provider.Usage{}, fmt.Errorf("compaction: summarization request: %w", err)
	}

	return SummarizationResult{Text: strings.TrimSpace(msg.Text())}, usage, nil
}

// ApplySummary replaces the summarized prefix of msgs with a single
// synthetic User message carrying the summary, followed unchanged by the
// protected suffix.
func ApplySummary(msgs []provider.Message, protectedCount int, summary string) []provider.Message {
	cutoff := len(msgs) - protectedCount
	if cutoff <= 0 {
		return msgs
	}

	wrapped := fmt.Sprintf("<context-summary>\n%s\n</context-summary>\n\nContinue the conversation from this point.", summary)
	out := make([]provider.Message, 0, protectedCount+1)
	out = append(out, provider.NewTextMessage(provider.RoleUser, wrapped))
	out = append(out, msgs[cutoff:]...)
	return out
}

const (
	thinkingTruncateAt   = 500
	toolArgsTruncateAt   = 200
	toolResultTruncateAt = 500
)

// formatMessagesForSummary renders msgs as plain text for the
// summarization prompt, truncating verbose block types so the request
// itself stays well inside the model's input budget.
func formatMessagesForSummary(msgs []provider.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s]\n", m.Role)
		for _, block := range m.Content {
			switch block.Type {
			case provider.BlockText:
				fmt.Fprintf(&b, "%s\n", block.Text)
			case provider.BlockThinking:
				fmt.Fprintf(&b, "(thinking) %s\n", truncate(block.Thinking, thinkingTruncateAt))
			case provider.BlockToolCall:
				fmt.Fprintf(&b, "(tool call %s) %s\n", block.ToolName, truncate(fmt.Sprintf("%v", block.ToolInput), toolArgsTruncateAt))
			case provider.BlockToolResult:
				fmt.Fprintf(&b, "(tool result) %s\n", truncate(block.Content, toolResultTruncateAt))
			case provider.BlockImage:
				b.WriteString("(image)\n")
			}
		}
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
