package anthropic

import (
	"encoding/base64"
	"encoding/json"

	"ionengine/internal/provider"

	"github.com/anthropics/anthropic-sdk-go"
)

// buildMessageParams converts a provider.ChatRequest into Anthropic's
// MessageNewParams. The system prompt is split out into its own field;
// Anthropic has no dedicated wire representation for thinking blocks in
// input, so prior thinking is folded back in as tagged text.
func buildMessageParams(req provider.ChatRequest) (anthropic.MessageNewParams, error) {
	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	system := req.System
	if system == "" {
		system = extractSystemPrompt(req.Messages)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	if req.Thinking != nil && req.Thinking.Enabled {
		budget := int64(req.Thinking.BudgetTokens)
		if budget < 1024 {
			budget = defaultThinkingBudget
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return params, nil
}

func extractSystemPrompt(messages []provider.Message) string {
	for _, m := range messages {
		if m.Role != provider.RoleSystem {
			continue
		}
		return m.Text()
	}
	return ""
}

func toAnthropicMessages(messages []provider.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam

	for _, m := range messages {
		if m.Role == provider.RoleSystem {
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Content {
			switch b.Type {
			case provider.BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case provider.BlockThinking:
				blocks = append(blocks, anthropic.NewTextBlock("<thought>\n"+b.Thinking+"\n</thought>\n"))
			case provider.BlockToolCall:
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolCallID, b.ToolInput, b.ToolName))
			case provider.BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResultID, b.Content, b.IsError))
			case provider.BlockImage:
				mt, ok := mediaTypeOf(b.MediaType)
				if !ok {
					continue
				}
				blocks = append(blocks, anthropic.NewImageBlock(anthropic.Base64ImageSourceParam{
					Data:      base64.StdEncoding.EncodeToString(b.Data),
					MediaType: mt,
				}))
			}
		}

		if len(blocks) == 0 {
			continue
		}

		if m.Role == provider.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			// RoleUser and RoleToolResult both map to Anthropic's "user".
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}

	return out, nil
}

func toAnthropicTools(tools []provider.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Properties: t.Parameters["properties"],
		}
		if required, ok := t.Parameters["required"].([]any); ok {
			req := make([]string, 0, len(required))
			for _, r := range required {
				if s, ok := r.(string); ok {
					req = append(req, s)
				}
			}
			schema.Required = req
		}

		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, param)
	}
	return out
}

func mediaTypeOf(mt string) (anthropic.Base64ImageSourceMediaType, bool) {
	switch mt {
	case "image/jpeg", "image/jpg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, true
	default:
		return "", false
	}
}

func messageFromResponse(resp *anthropic.Message) provider.Message {
	msg := provider.Message{Role: provider.RoleAssistant}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			tb := block.AsText()
			msg.Content = append(msg.Content, provider.TextBlock(tb.Text))
		case "thinking":
			th := block.AsThinking()
			msg.Content = append(msg.Content, provider.ContentBlock{Type: provider.BlockThinking, Thinking: th.Thinking})
		case "tool_use":
			tu := block.AsToolUse()
			var input map[string]any
			_ = json.Unmarshal(tu.Input, &input)
			msg.Content = append(msg.Content, provider.ContentBlock{
				Type: provider.BlockToolCall, ToolCallID: tu.ID, ToolName: tu.Name, ToolInput: input,
			})
		}
	}

	return msg
}
