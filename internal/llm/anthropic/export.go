package anthropic

import (
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/michaelbrown/convo/internal/llm"
)

// ExportTurns converts canonical turns to a system prompt and messages.
// Tool turns travel as user messages of tool_result blocks, and adjacent
// messages with the same role are merged since the API requires
// alternation.
func ExportTurns(turns []llm.Turn) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	var system []string
	var out []anthropic.MessageParam
	for _, t := range turns {
		var msg anthropic.MessageParam
		switch t.Role {
		case llm.RoleSystem:
			if text := t.Text(); text != "" {
				system = append(system, text)
			}
			continue
		case llm.RoleUser, llm.RoleTool:
			blocks, err := exportBlocks(t)
			if err != nil {
				return nil, nil, err
			}
			msg = anthropic.NewUserMessage(blocks...)
		case llm.RoleAssistant:
			blocks, err := exportBlocks(t)
			if err != nil {
				return nil, nil, err
			}
			msg = anthropic.NewAssistantMessage(blocks...)
		default:
			return nil, nil, fmt.Errorf("anthropic: cannot export role %q", t.Role)
		}
		if len(msg.Content) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == msg.Role {
			out[n-1].Content = append(out[n-1].Content, msg.Content...)
			continue
		}
		out = append(out, msg)
	}

	var sys []anthropic.TextBlockParam
	if len(system) > 0 {
		sys = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	return sys, out, nil
}

func exportBlocks(t llm.Turn) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, c := range t.Contents {
		switch v := c.(type) {
		case llm.Text:
			if v.Value == "" {
				continue
			}
			blocks = append(blocks, anthropic.NewTextBlock(v.Value))
		case llm.Image:
			img, err := v.Inline()
			if err != nil {
				return nil, err
			}
			if img.URL != "" {
				blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: img.URL}))
			} else {
				blocks = append(blocks, anthropic.NewImageBlockBase64(img.MediaType, img.Data))
			}
		case llm.ToolRequest:
			blocks = append(blocks, anthropic.NewToolUseBlock(v.ID, v.Arguments, v.Name))
		case llm.ToolResult:
			content := v.Text()
			if v.IsError() {
				content = v.Error
			}
			blocks = append(blocks, anthropic.NewToolResultBlock(v.RequestID, content, v.IsError()))
		}
	}
	return blocks, nil
}

// ExportTools converts tool definitions to Anthropic tool params.
func ExportTools(tools []llm.ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Properties: t.Parameters["properties"]}
		switch req := t.Parameters["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		tool := anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: schema,
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}
