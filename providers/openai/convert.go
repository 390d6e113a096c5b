package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"ionengine/internal/provider"

	oa "github.com/sashabaranov/go-openai"
)

// toChatCompletionRequest converts a provider.ChatRequest into go-openai's
// request shape. The system prompt, if present, becomes the first message;
// o-series reasoning models reject max_tokens in favor of
// max_completion_tokens and have no notion of a system role.
func toChatCompletionRequest(req provider.ChatRequest) oa.ChatCompletionRequest {
	messages := toChatMessages(req)

	out := oa.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if isOSeries(req.Model) {
		out.MaxCompletionTokens = maxTokens
	} else {
		out.MaxTokens = maxTokens
		if req.Temperature > 0 {
			out.Temperature = float32(req.Temperature)
		}
	}

	if len(req.Tools) > 0 {
		out.Tools = toOpenAITools(req.Tools)
	}

	return out
}

func toChatMessages(req provider.ChatRequest) []oa.ChatCompletionMessage {
	out := make([]oa.ChatCompletionMessage, 0, len(req.Messages)+1)

	if req.System != "" {
		out = append(out, systemMessage(req.Model, req.System))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem:
			if req.System == "" {
				out = append(out, systemMessage(req.Model, m.Text()))
			}

		case provider.RoleToolResult:
			for _, b := range m.Content {
				if b.Type != provider.BlockToolResult {
					continue
				}
				out = append(out, oa.ChatCompletionMessage{
					Role:       oa.ChatMessageRoleTool,
					Content:    b.Content,
					ToolCallID: b.ToolResultID,
				})
			}

		case provider.RoleAssistant:
			out = append(out, assistantMessage(m))

		default: // RoleUser
			out = append(out, userMessage(m))
		}
	}

	return out
}

// chatMessageRoleDeveloper is the o-series replacement for the system role.
// Defined locally rather than relying on an SDK constant of the same name.
const chatMessageRoleDeveloper = "developer"

func systemMessage(model, text string) oa.ChatCompletionMessage {
	role := oa.ChatMessageRoleSystem
	if isOSeries(model) {
		role = chatMessageRoleDeveloper
	}
	return oa.ChatCompletionMessage{Role: role, Content: text}
}

func userMessage(m provider.Message) oa.ChatCompletionMessage {
	var parts []oa.ChatMessagePart
	var text string

	for _, b := range m.Content {
		switch b.Type {
		case provider.BlockText:
			text += b.Text
		case provider.BlockImage:
			parts = append(parts, oa.ChatMessagePart{
				Type: oa.ChatMessagePartTypeImageURL,
				ImageURL: &oa.ChatMessageImageURL{
					URL:    dataURL(b.MediaType, b.Data),
					Detail: oa.ImageURLDetailAuto,
				},
			})
		}
	}

	if len(parts) == 0 {
		return oa.ChatCompletionMessage{Role: oa.ChatMessageRoleUser, Content: text}
	}

	if text != "" {
		parts = append([]oa.ChatMessagePart{{Type: oa.ChatMessagePartTypeText, Text: text}}, parts...)
	}
	return oa.ChatCompletionMessage{Role: oa.ChatMessageRoleUser, MultiContent: parts}
}

func assistantMessage(m provider.Message) oa.ChatCompletionMessage {
	out := oa.ChatCompletionMessage{Role: oa.ChatMessageRoleAssistant}

	for _, b := range m.Content {
		switch b.Type {
		case provider.BlockText:
			out.Content += b.Text
		case provider.BlockThinking:
			// Chat Completions has no thinking-block wire format; fold it
			// back into the visible text so multi-turn context survives.
			out.Content += "<thought>\n" + b.Thinking + "\n</thought>\n"
		case provider.BlockToolCall:
			args, _ := json.Marshal(b.ToolInput)
			out.ToolCalls = append(out.ToolCalls, oa.ToolCall{
				ID:   b.ToolCallID,
				Type: oa.ToolTypeFunction,
				Function: oa.FunctionCall{
					Name:      b.ToolName,
					Arguments: string(args),
				},
			})
		}
	}

	return out
}

func dataURL(mediaType string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(data))
}

func toOpenAITools(tools []provider.ToolDefinition) []oa.Tool {
	out := make([]oa.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, oa.Tool{
			Type: oa.ToolTypeFunction,
			Function: &oa.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func messageFromChoice(choice oa.ChatCompletionChoice) provider.Message {
	msg := provider.Message{Role: provider.RoleAssistant}

	if choice.Message.Content != "" {
		msg.Content = append(msg.Content, provider.TextBlock(choice.Message.Content))
	}

	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		msg.Content = append(msg.Content, provider.ContentBlock{
			Type: provider.BlockToolCall, ToolCallID: tc.ID, ToolName: tc.Function.Name, ToolInput: input,
		})
	}

	return msg
}
