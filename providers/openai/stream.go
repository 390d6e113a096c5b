package openai

import (
	"encoding/json"
	"io"

	"ionengine/internal/provider"

	oa "github.com/sashabaranov/go-openai"
)

// chatStream is the subset of *oa.ChatCompletionStream used by pumpStream.
// Defined as an interface for testability against a fake event sequence.
type chatStream interface {
	Recv() (oa.ChatCompletionStreamResponse, error)
	Close() error
}

// pendingCall accumulates a tool call's streamed argument-string deltas,
// keyed by the index OpenAI assigns each parallel call in a turn.
type pendingCall struct {
	id, name string
	args     string
}

// pumpStream drains a Chat Completions stream, translating each chunk into
// provider.StreamEvent values pushed onto events. Tool-call arguments arrive
// as string deltas addressed by index with no explicit close signal; they
// are flushed once FinishReason reports "tool_calls" or the stream ends.
func pumpStream(stream chatStream, events chan<- provider.StreamEvent, model string) error {
	defer stream.Close()

	calls := make(map[int]*pendingCall)
	var usage provider.Usage

	flush := func() {
		for _, idx := range sortedKeys(calls) {
			tc := calls[idx]
			if tc.id == "" || tc.name == "" {
				continue
			}
			var input map[string]any
			if tc.args != "" {
				_ = json.Unmarshal([]byte(tc.args), &input)
			}
			events <- provider.StreamEvent{
				Type:     provider.StreamToolCall,
				ToolCall: &provider.ToolCall{ID: tc.id, Name: tc.name, Input: input},
			}
		}
		calls = make(map[int]*pendingCall)
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				flush()
				events <- provider.StreamEvent{Type: provider.StreamDone}
				return nil
			}
			wrapped := wrapErr(err, model)
			events <- provider.StreamEvent{Type: provider.StreamError, Err: wrapped}
			return wrapped
		}

		if resp.Usage != nil {
			usage = provider.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
			events <- provider.StreamEvent{Type: provider.StreamUsage, Usage: &usage}
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			events <- provider.StreamEvent{Type: provider.StreamTextDelta, TextDelta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if calls[idx] == nil {
				calls[idx] = &pendingCall{}
			}
			if tc.ID != "" {
				calls[idx].id = tc.ID
			}
			if tc.Function.Name != "" {
				calls[idx].name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				calls[idx].args += tc.Function.Arguments
			}
		}

		if choice.FinishReason == oa.FinishReasonToolCalls {
			flush()
		}
	}
}

func sortedKeys(m map[int]*pendingCall) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
