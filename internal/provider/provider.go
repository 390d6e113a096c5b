// Package provider defines the LLM provider abstraction the engine consumes.
// It contains only interfaces and data types; vendor SDKs live behind the
// adapters in providers/*.
package provider

import (
	"context"
	"errors"
)

// Common errors returned by providers. Adapters should wrap these with
// fmt.Errorf("%w: ...") rather than inventing new sentinel errors, so
// callers can classify failures with errors.Is.
var (
	ErrThrottled     = errors.New("provider: request throttled")
	ErrAccessDenied  = errors.New("provider: access denied")
	ErrModelNotFound = errors.New("provider: model not found")
	ErrModelNotReady = errors.New("provider: model not ready")
	ErrContextWindow = errors.New("provider: context window exceeded")
	ErrCancelled     = errors.New("provider: cancelled")
)

// Role identifies who authored a conversation message.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// BlockType discriminates the variants of ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolCall   BlockType = "tool_call"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ContentBlock is a tagged union of the content a message can carry. Only
// the fields relevant to Type are populated; the rest are zero values.
type ContentBlock struct {
	Type BlockType

	// BlockText
	Text string

	// BlockThinking
	Thinking string

	// BlockToolCall
	ToolCallID string
	ToolName   string
	ToolInput  map[string]any

	// BlockToolResult
	ToolResultID string
	Content      string
	IsError      bool

	// BlockImage
	MediaType string
	Data      []byte
}

// TextBlock builds a BlockText content block.
func TextBlock(text string) ContentBlock { return ContentBlock{Type: BlockText, Text: text} }

// ToolCall is the LLM requesting a tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// Message is a single conversation turn. Content is an ordered list of
// blocks; a single assistant message may interleave text, thinking, and
// tool calls.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// NewTextMessage builds a single-block text message.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{TextBlock(text)}}
}

// ToolCalls extracts the tool-call blocks from a message, in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Content {
		if b.Type == BlockToolCall {
			calls = append(calls, ToolCall{ID: b.ToolCallID, Name: b.ToolName, Input: b.ToolInput})
		}
	}
	return calls
}

// Text concatenates the text blocks of a message.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolDefinition describes a tool the LLM can invoke. Parameters is a JSON
// Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ThinkingConfig controls extended-thinking/reasoning behavior where a
// model supports it.
type ThinkingConfig struct {
	Enabled      bool
	BudgetTokens int
}

// ChatRequest bundles everything sent to the LLM for one round-trip.
type ChatRequest struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
	Thinking    *ThinkingConfig
}

// Usage holds token accounting from a single LLM response.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

// ModelPricing holds per-million-token USD pricing for a model.
type ModelPricing struct {
	InputPerMillion      float64
	OutputPerMillion     float64
	CacheReadPerMillion  float64
	CacheWritePerMillion float64
}

// ModelInfo describes a model's metadata, capabilities, and pricing.
type ModelInfo struct {
	ID                   string
	Name                 string
	Provider             string
	ContextWindow        int
	MaxOutputTokens      int
	SupportsTools        bool
	SupportsVision       bool
	SupportsThinking     bool
	SupportsToolCache    bool
	SupportsToolStream   bool
	Pricing              ModelPricing
	Created              int64 // unix seconds; zero if unknown
}

// StreamEventType discriminates the variants of StreamEvent.
type StreamEventType string

const (
	StreamTextDelta     StreamEventType = "text_delta"
	StreamThinkingDelta StreamEventType = "thinking_delta"
	StreamToolCall      StreamEventType = "tool_call"
	StreamUsage         StreamEventType = "usage"
	StreamDone          StreamEventType = "done"
	StreamError         StreamEventType = "error"
)

// StreamEvent is one unit of streamed output from a provider.
type StreamEvent struct {
	Type StreamEventType

	TextDelta     string
	ThinkingDelta string
	ToolCall      *ToolCall
	Usage         *Usage
	Err           error
}

// Provider is the LLM vendor abstraction the engine consumes. Each
// implementation is responsible for hiding its own wire-format quirks
// behind this contract.
type Provider interface {
	ID() string
	ModelInfo(ctx context.Context, model string) (ModelInfo, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	SupportsToolStreaming() bool
	Stream(ctx context.Context, req ChatRequest, events chan<- StreamEvent) error
	Complete(ctx context.Context, req ChatRequest) (Message, Usage, error)
}
