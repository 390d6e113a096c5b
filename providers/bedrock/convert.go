package bedrock

import (
	"fmt"

	"ionengine/internal/provider"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brdocument "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const defaultMaxTokens = 4096

func buildConverseStreamInput(req provider.ChatRequest) (*bedrockruntime.ConverseStreamInput, error) {
	msgs, err := toBedrockMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: msgs,
	}

	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	input.InferenceConfig = &brtypes.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens)),
	}

	if len(req.Tools) > 0 {
		tc, err := toBedrockToolConfig(req.Tools)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = tc
	}

	return input, nil
}

func toBedrockMessages(msgs []provider.Message) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == provider.RoleSystem {
			continue
		}
		bm, err := toBedrockMessage(m)
		if err != nil {
			return nil, err
		}
		out = append(out, bm)
	}
	return out, nil
}

func toBedrockMessage(m provider.Message) (brtypes.Message, error) {
	role, err := toBedrockRole(m.Role)
	if err != nil {
		return brtypes.Message{}, err
	}

	msg := brtypes.Message{Role: role}

	for _, b := range m.Content {
		switch b.Type {
		case provider.BlockText:
			msg.Content = append(msg.Content, &brtypes.ContentBlockMemberText{Value: b.Text})
		case provider.BlockToolCall:
			msg.Content = append(msg.Content, &brtypes.ContentBlockMemberToolUse{
				Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(b.ToolCallID),
					Name:      aws.String(b.ToolName),
					Input:     brdocument.NewLazyDocument(b.ToolInput),
				},
			})
		case provider.BlockToolResult:
			status := brtypes.ToolResultStatusSuccess
			if b.IsError {
				status = brtypes.ToolResultStatusError
			}
			msg.Content = append(msg.Content, &brtypes.ContentBlockMemberToolResult{
				Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(b.ToolResultID),
					Status:    status,
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberText{Value: b.Content},
					},
				},
			})
		case provider.BlockImage:
			msg.Content = append(msg.Content, &brtypes.ContentBlockMemberImage{
				Value: brtypes.ImageBlock{
					Format: imageFormatFromMediaType(b.MediaType),
					Source: &brtypes.ImageSourceMemberBytes{Value: b.Data},
				},
			})
		}
	}

	if len(msg.Content) == 0 {
		return brtypes.Message{}, fmt.Errorf("message with role %q has no content (need text, tool calls, or tool results)", m.Role)
	}

	return msg, nil
}

func imageFormatFromMediaType(mediaType string) brtypes.ImageFormat {
	switch mediaType {
	case "image/png":
		return brtypes.ImageFormatPng
	case "image/gif":
		return brtypes.ImageFormatGif
	case "image/webp":
		return brtypes.ImageFormatWebp
	default:
		return brtypes.ImageFormatJpeg
	}
}

func toBedrockRole(r provider.Role) (brtypes.ConversationRole, error) {
	switch r {
	case provider.RoleUser, provider.RoleToolResult:
		return brtypes.ConversationRoleUser, nil
	case provider.RoleAssistant:
		return brtypes.ConversationRoleAssistant, nil
	default:
		return "", fmt.Errorf("unknown message role: %q", r)
	}
}

func toBedrockToolConfig(tools []provider.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	brTools := make([]brtypes.Tool, len(tools))
	for i, t := range tools {
		brTools[i] = &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{
					Value: brdocument.NewLazyDocument(t.Parameters),
				},
			},
		}
	}

	return &brtypes.ToolConfiguration{Tools: brTools}, nil
}
