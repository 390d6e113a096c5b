package bedrock

import (
	"encoding/json"
	"fmt"

	"ionengine/internal/provider"

	"github.com/aws/aws-sdk-go-v2/aws"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// eventStream is the interface satisfied by bedrockruntime's ConverseStreamEventStream.
// Defined as an interface for testability.
type eventStream interface {
	Events() <-chan brtypes.ConverseStreamOutput
	Close() error
	Err() error
}

// pumpStream drains an eventStream, translating each frame into
// provider.StreamEvent values pushed onto events. Tool-use input arrives
// as incremental JSON deltas; they are buffered per block and emitted as
// a single StreamToolCall once the block closes.
func pumpStream(stream eventStream, events chan<- provider.StreamEvent) error {
	defer stream.Close()

	var pendingID, pendingName string
	var inputBuf []byte
	inTool := false

	for frame := range stream.Events() {
		switch v := frame.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockStart:
			if tu, ok := v.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
				inTool = true
				pendingID = aws.ToString(tu.Value.ToolUseId)
				pendingName = aws.ToString(tu.Value.Name)
				inputBuf = inputBuf[:0]
			} else {
				inTool = false
			}

		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := v.Value.Delta.(type) {
			case *brtypes.ContentBlockDeltaMemberText:
				events <- provider.StreamEvent{Type: provider.StreamTextDelta, TextDelta: delta.Value}
			case *brtypes.ContentBlockDeltaMemberToolUse:
				inputBuf = append(inputBuf, aws.ToString(delta.Value.Input)...)
			}

		case *brtypes.ConverseStreamOutputMemberContentBlockStop:
			if inTool {
				var input map[string]any
				if len(inputBuf) > 0 {
					_ = json.Unmarshal(inputBuf, &input)
				}
				events <- provider.StreamEvent{
					Type:     provider.StreamToolCall,
					ToolCall: &provider.ToolCall{ID: pendingID, Name: pendingName, Input: input},
				}
				inTool = false
			}

		case *brtypes.ConverseStreamOutputMemberMessageStop:
			events <- provider.StreamEvent{Type: provider.StreamDone}

		case *brtypes.ConverseStreamOutputMemberMetadata:
			if v.Value.Usage != nil {
				events <- provider.StreamEvent{
					Type: provider.StreamUsage,
					Usage: &provider.Usage{
						InputTokens:  int(aws.ToInt32(v.Value.Usage.InputTokens)),
						OutputTokens: int(aws.ToInt32(v.Value.Usage.OutputTokens)),
					},
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		wrapped := fmt.Errorf("bedrock stream: %w", classifyErr(err))
		events <- provider.StreamEvent{Type: provider.StreamError, Err: wrapped}
		return wrapped
	}
	return nil
}
