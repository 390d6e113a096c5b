package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"ionengine/internal/provider"

	oa "github.com/sashabaranov/go-openai"
)

// Compile-time check: Openai satisfies Provider.
var _ provider.Provider = (*Openai)(nil)

func TestNewRequiresAPIKeyOrBaseURL(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected error for missing API key and base URL")
	}
}

func TestNewAllowsBaseURLOnlyForLocalServers(t *testing.T) {
	p, err := New(Config{BaseURL: "http://localhost:8080/v1", ProviderLabel: "local"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID() != "local" {
		t.Errorf("ID() = %q, want local", p.ID())
	}
}

func TestIDDefaultsToOpenAI(t *testing.T) {
	p, _ := New(Config{APIKey: "test-key"})
	if p.ID() != "openai" {
		t.Errorf("ID() = %q, want openai", p.ID())
	}
	if !p.SupportsToolStreaming() {
		t.Error("expected SupportsToolStreaming to be true")
	}
}

func TestModelInfoKnownModel(t *testing.T) {
	p, _ := New(Config{APIKey: "test-key"})
	info, err := p.ModelInfo(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ContextWindow != 128_000 {
		t.Errorf("ContextWindow = %d, want 128000", info.ContextWindow)
	}
}

func TestIsOSeries(t *testing.T) {
	cases := map[string]bool{
		"o1": true, "o1-mini": true, "o3-mini": true, "o4-mini": true,
		"gpt-4o": false, "gpt-3.5-turbo": false,
	}
	for model, want := range cases {
		if got := isOSeries(model); got != want {
			t.Errorf("isOSeries(%q) = %v, want %v", model, got, want)
		}
	}
}

// --- request conversion ---

func TestToChatCompletionRequestDefaultMaxTokens(t *testing.T) {
	req := provider.ChatRequest{
		Model:    "gpt-4o",
		Messages: []provider.Message{provider.NewTextMessage(provider.RoleUser, "hi")},
	}
	out := toChatCompletionRequest(req)
	if out.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want 4096", out.MaxTokens)
	}
}

func TestToChatCompletionRequestOSeriesUsesMaxCompletionTokens(t *testing.T) {
	req := provider.ChatRequest{
		Model:     "o1",
		MaxTokens: 2048,
		Messages:  []provider.Message{provider.NewTextMessage(provider.RoleUser, "hi")},
	}
	out := toChatCompletionRequest(req)
	if out.MaxCompletionTokens != 2048 {
		t.Errorf("MaxCompletionTokens = %d, want 2048", out.MaxCompletionTokens)
	}
	if out.MaxTokens != 0 {
		t.Errorf("MaxTokens = %d, want 0 for o-series", out.MaxTokens)
	}
}

func TestToChatMessagesSystemBecomesDeveloperForOSeries(t *testing.T) {
	req := provider.ChatRequest{
		Model:  "o1",
		System: "be terse",
		Messages: []provider.Message{
			provider.NewTextMessage(provider.RoleUser, "hi"),
		},
	}
	out := toChatMessages(req)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].Role != chatMessageRoleDeveloper {
		t.Errorf("role = %q, want developer", out[0].Role)
	}
}

func TestToChatMessagesToolResultPerResult(t *testing.T) {
	req := provider.ChatRequest{
		Model: "gpt-4o",
		Messages: []provider.Message{
			{
				Role: provider.RoleToolResult,
				Content: []provider.ContentBlock{
					{Type: provider.BlockToolResult, ToolResultID: "call-1", Content: "42"},
				},
			},
		},
	}
	out := toChatMessages(req)
	if len(out) != 1 || out[0].Role != oa.ChatMessageRoleTool || out[0].ToolCallID != "call-1" {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestAssistantMessageEncodesToolCallArguments(t *testing.T) {
	m := provider.Message{
		Role: provider.RoleAssistant,
		Content: []provider.ContentBlock{
			{Type: provider.BlockToolCall, ToolCallID: "call-1", ToolName: "search", ToolInput: map[string]any{"q": "go"}},
		},
	}
	out := assistantMessage(m)
	if len(out.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(out.ToolCalls))
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(out.ToolCalls[0].Function.Arguments), &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["q"] != "go" {
		t.Errorf("args[q] = %v, want go", args["q"])
	}
}

// --- wrapErr ---

func TestWrapErrNilAndEOF(t *testing.T) {
	if wrapErr(nil, "model") != nil {
		t.Error("expected nil for nil input")
	}
	if wrapErr(io.EOF, "model") != io.EOF {
		t.Error("expected io.EOF to pass through unchanged")
	}
}

func TestWrapErrClassifiesAPIError(t *testing.T) {
	err := wrapErr(&oa.APIError{HTTPStatusCode: 429, Message: "rate limited"}, "gpt-4o")
	if !errors.Is(err, provider.ErrThrottled) {
		t.Errorf("expected ErrThrottled, got %v", err)
	}

	err = wrapErr(&oa.APIError{HTTPStatusCode: 401, Message: "bad key"}, "gpt-4o")
	if !errors.Is(err, provider.ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}

	err = wrapErr(&oa.APIError{HTTPStatusCode: 404, Message: "no such model"}, "gpt-4o")
	if !errors.Is(err, provider.ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
}

// --- stream pump ---

type fakeChatStream struct {
	responses []oa.ChatCompletionStreamResponse
	err       error
	i         int
	closed    bool
}

func (f *fakeChatStream) Recv() (oa.ChatCompletionStreamResponse, error) {
	if f.i < len(f.responses) {
		r := f.responses[f.i]
		f.i++
		return r, nil
	}
	if f.err != nil {
		return oa.ChatCompletionStreamResponse{}, f.err
	}
	return oa.ChatCompletionStreamResponse{}, io.EOF
}

func (f *fakeChatStream) Close() error {
	f.closed = true
	return nil
}

func TestPumpStreamTextDeltas(t *testing.T) {
	stream := &fakeChatStream{responses: []oa.ChatCompletionStreamResponse{
		{Choices: []oa.ChatCompletionStreamChoice{{Delta: oa.ChatCompletionStreamChoiceDelta{Content: "hel"}}}},
		{Choices: []oa.ChatCompletionStreamChoice{{Delta: oa.ChatCompletionStreamChoiceDelta{Content: "lo"}}}},
	}}
	events := make(chan provider.StreamEvent, 16)
	if err := pumpStream(stream, events, "gpt-4o"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(events)

	var text string
	var sawDone bool
	for ev := range events {
		switch ev.Type {
		case provider.StreamTextDelta:
			text += ev.TextDelta
		case provider.StreamDone:
			sawDone = true
		}
	}
	if text != "hello" {
		t.Errorf("text = %q, want hello", text)
	}
	if !sawDone {
		t.Error("expected a StreamDone event")
	}
	if !stream.closed {
		t.Error("expected stream to be closed")
	}
}

func TestPumpStreamAccumulatesToolCallByIndex(t *testing.T) {
	idx0 := 0
	stream := &fakeChatStream{responses: []oa.ChatCompletionStreamResponse{
		{Choices: []oa.ChatCompletionStreamChoice{{Delta: oa.ChatCompletionStreamChoiceDelta{
			ToolCalls: []oa.ToolCall{{Index: &idx0, ID: "call-1", Function: oa.FunctionCall{Name: "search"}}},
		}}}},
		{Choices: []oa.ChatCompletionStreamChoice{{Delta: oa.ChatCompletionStreamChoiceDelta{
			ToolCalls: []oa.ToolCall{{Index: &idx0, Function: oa.FunctionCall{Arguments: `{"q":`}}},
		}}}},
		{Choices: []oa.ChatCompletionStreamChoice{{
			Delta:        oa.ChatCompletionStreamChoiceDelta{ToolCalls: []oa.ToolCall{{Index: &idx0, Function: oa.FunctionCall{Arguments: `"go"}`}}}},
			FinishReason: oa.FinishReasonToolCalls,
		}}},
	}}
	events := make(chan provider.StreamEvent, 16)
	if err := pumpStream(stream, events, "gpt-4o"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(events)

	var calls []*provider.ToolCall
	for ev := range events {
		if ev.Type == provider.StreamToolCall {
			calls = append(calls, ev.ToolCall)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].ID != "call-1" || calls[0].Name != "search" {
		t.Errorf("unexpected tool call: %+v", calls[0])
	}
	if calls[0].Input["q"] != "go" {
		t.Errorf("Input[q] = %v, want go", calls[0].Input["q"])
	}
}

func TestPumpStreamPropagatesErr(t *testing.T) {
	stream := &fakeChatStream{err: errors.New("connection reset")}
	events := make(chan provider.StreamEvent, 8)
	err := pumpStream(stream, events, "gpt-4o")
	close(events)
	if err == nil {
		t.Fatal("expected error")
	}

	var sawErrorEvent bool
	for ev := range events {
		if ev.Type == provider.StreamError {
			sawErrorEvent = true
		}
	}
	if !sawErrorEvent {
		t.Error("expected a StreamError event")
	}
}
