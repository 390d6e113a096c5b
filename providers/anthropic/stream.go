package anthropic

import (
	"encoding/json"
	"strings"

	"ionengine/internal/provider"

	"github.com/anthropics/anthropic-sdk-go"
)

// eventStream is the subset of ssestream.Stream used by pumpStream. Defined
// as an interface for testability against a fake event sequence.
type eventStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

// pumpStream drains an Anthropic message stream, translating each SSE event
// into provider.StreamEvent values pushed onto events. Tool-use input
// arrives as incremental JSON deltas; they are buffered while the tool_use
// block is open and emitted as a single StreamToolCall once it closes.
func pumpStream(stream eventStream, events chan<- provider.StreamEvent, model string) error {
	var inputBuf strings.Builder
	var pendingID, pendingName string
	inTool := false
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			inputTokens = int(ms.Message.Usage.InputTokens)
			events <- provider.StreamEvent{
				Type:  provider.StreamUsage,
				Usage: &provider.Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
			}

		case "content_block_start":
			cbs := event.AsContentBlockStart()
			if cbs.ContentBlock.Type == "tool_use" {
				tu := cbs.ContentBlock.AsToolUse()
				inTool = true
				pendingID = tu.ID
				pendingName = tu.Name
				inputBuf.Reset()
			} else {
				inTool = false
			}

		case "content_block_delta":
			cbd := event.AsContentBlockDelta()
			switch cbd.Delta.Type {
			case "text_delta":
				if cbd.Delta.Text != "" {
					events <- provider.StreamEvent{Type: provider.StreamTextDelta, TextDelta: cbd.Delta.Text}
				}
			case "thinking_delta":
				if cbd.Delta.Thinking != "" {
					events <- provider.StreamEvent{Type: provider.StreamThinkingDelta, ThinkingDelta: cbd.Delta.Thinking}
				}
			case "input_json_delta":
				if cbd.Delta.PartialJSON != "" {
					inputBuf.WriteString(cbd.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if inTool {
				var input map[string]any
				if inputBuf.Len() > 0 {
					_ = json.Unmarshal([]byte(inputBuf.String()), &input)
				}
				events <- provider.StreamEvent{
					Type:     provider.StreamToolCall,
					ToolCall: &provider.ToolCall{ID: pendingID, Name: pendingName, Input: input},
				}
				inTool = false
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
				events <- provider.StreamEvent{
					Type:  provider.StreamUsage,
					Usage: &provider.Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
				}
			}

		case "message_stop":
			events <- provider.StreamEvent{Type: provider.StreamDone}
		}
	}

	if err := stream.Err(); err != nil {
		wrapped := wrapErr(err, model)
		events <- provider.StreamEvent{Type: provider.StreamError, Err: wrapped}
		return wrapped
	}

	return nil
}
