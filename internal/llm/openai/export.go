package openai

import (
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/michaelbrown/convo/internal/llm"
)

var imageDetails = map[llm.ImageDetail]string{
	llm.DetailAuto: "auto",
	llm.DetailLow:  "low",
	llm.DetailHigh: "high",
}

// ExportTurns converts canonical turns to chat completion messages.
func ExportTurns(turns []llm.Turn) ([]openai.ChatCompletionMessageParamUnion, error) {
	var out []openai.ChatCompletionMessageParamUnion
	for _, t := range turns {
		switch t.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(t.Text()))
		case llm.RoleUser:
			msgs, err := exportUser(t)
			if err != nil {
				return nil, err
			}
			out = append(out, msgs...)
		case llm.RoleAssistant:
			msg, err := exportAssistant(t)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		case llm.RoleTool:
			out = append(out, exportToolResults(t)...)
		default:
			return nil, fmt.Errorf("openai: cannot export role %q", t.Role)
		}
	}
	return out, nil
}

func exportUser(t llm.Turn) ([]openai.ChatCompletionMessageParamUnion, error) {
	// Tool results must directly follow the assistant message that asked for them.
	out := exportToolResults(t)

	var parts []openai.ChatCompletionContentPartUnionParam
	textOnly := true
	for _, c := range t.Contents {
		switch v := c.(type) {
		case llm.Text:
			parts = append(parts, openai.TextContentPart(v.Value))
		case llm.Image:
			url, err := v.DataURL()
			if err != nil {
				return nil, err
			}
			detail, ok := imageDetails[v.Detail]
			if !ok {
				detail = "auto"
			}
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL:    url,
				Detail: detail,
			}))
			textOnly = false
		}
	}
	switch {
	case len(parts) == 0:
	case textOnly:
		out = append(out, openai.UserMessage(t.Text()))
	default:
		out = append(out, openai.UserMessage(parts))
	}
	return out, nil
}

func exportAssistant(t llm.Turn) (openai.ChatCompletionMessageParamUnion, error) {
	reqs := t.ToolRequests()
	if len(reqs) == 0 {
		return openai.AssistantMessage(t.Text()), nil
	}
	toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(reqs))
	for i, r := range reqs {
		argsJSON, err := json.Marshal(r.Arguments)
		if err != nil {
			return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: arguments of tool call %s: %w", r.ID, err)
		}
		toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
			ID: r.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      r.Name,
				Arguments: string(argsJSON),
			},
		}
	}
	assistant := openai.ChatCompletionAssistantMessageParam{
		ToolCalls: toolCalls,
	}
	if text := t.Text(); text != "" {
		assistant.Content.OfString = param.NewOpt(text)
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, nil
}

func exportToolResults(t llm.Turn) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, r := range t.ToolResults() {
		out = append(out, openai.ToolMessage(r.Text(), r.RequestID))
	}
	return out
}

// ExportTools converts tool definitions to function tools.
func ExportTools(tools []llm.ToolDef) []openai.ChatCompletionToolParam {
	var out []openai.ChatCompletionToolParam
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return out
}
