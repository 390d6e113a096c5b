// Package tokencount provides deterministic token counting for messages
// and conversation histories, used by the compaction pipeline to decide
// when and how much to prune.
package tokencount

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"ionengine/internal/provider"
)

// messageOverhead is the fixed per-message structural overhead (role
// framing, separators) every message contributes regardless of content.
const messageOverhead = 4

// Counter counts tokens using the cl100k_base BPE encoding. Safe for
// concurrent use after construction.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// New builds a Counter. Loading the BPE rank table is a one-time cost;
// keep a single Counter for the process lifetime.
func New() (*Counter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("tokencount: load cl100k_base: %w", err)
	}
	return &Counter{enc: enc}, nil
}

// CountString returns the exact BPE token count of s.
func (c *Counter) CountString(s string) int {
	if s == "" {
		return 0
	}
	return len(c.enc.Encode(s, nil, nil))
}

// EstimateString is a cheap, non-BPE estimate (len/4) for call sites that
// need a fast upper bound rather than an exact count.
func EstimateString(s string) int {
	return len(s) / 4
}

// MessageTokenCount breaks down a single message's token cost.
type MessageTokenCount struct {
	Text  int
	Tool  int
	Total int
}

// CountMessage counts the tokens contributed by one message, including
// the fixed per-message overhead.
func (c *Counter) CountMessage(m provider.Message) MessageTokenCount {
	var mc MessageTokenCount
	for _, b := range m.Content {
		switch b.Type {
		case provider.BlockText:
			mc.Text += c.CountString(b.Text)
		case provider.BlockThinking:
			mc.Text += c.CountString(b.Thinking)
		case provider.BlockToolCall:
			mc.Tool += c.countToolCall(b)
		case provider.BlockToolResult:
			mc.Tool += c.CountString(b.Content)
		case provider.BlockImage:
			mc.Tool += imageTokens(len(b.Data))
		}
	}
	mc.Total = mc.Text + mc.Tool + messageOverhead
	return mc
}

func (c *Counter) countToolCall(b provider.ContentBlock) int {
	n := c.CountString(b.ToolName)
	for k, v := range b.ToolInput {
		n += c.CountString(k)
		n += c.CountString(fmt.Sprintf("%v", v))
	}
	return n
}

// imageTokens estimates tokens for an image block from its raw byte size.
// Reduces the same as the original ratio of 3 bytes of base64 data per 4
// tokens, itself derived from 4 data bytes per 3 tokens: len*3/16.
func imageTokens(dataLen int) int {
	return dataLen * 3 / 16
}

// RoleTokens is the per-role token breakdown of a conversation.
type RoleTokens struct {
	System     int
	User       int
	Assistant  int
	ToolResult int
}

// TokenCount is the aggregate token accounting for a conversation.
type TokenCount struct {
	Total            int
	ByRole           RoleTokens
	ToolOutputTokens int
	MessageCount     int
}

// CountMessages counts tokens across an entire history.
func (c *Counter) CountMessages(msgs []provider.Message) TokenCount {
	var tc TokenCount
	tc.MessageCount = len(msgs)
	for _, m := range msgs {
		mc := c.CountMessage(m)
		tc.Total += mc.Total
		tc.ToolOutputTokens += mc.Tool
		switch m.Role {
		case provider.RoleSystem:
			tc.ByRole.System += mc.Total
		case provider.RoleUser:
			tc.ByRole.User += mc.Total
		case provider.RoleAssistant:
			tc.ByRole.Assistant += mc.Total
		case provider.RoleToolResult:
			tc.ByRole.ToolResult += mc.Total
		}
	}
	return tc
}
