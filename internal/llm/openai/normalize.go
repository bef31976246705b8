package openai

import (
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/michaelbrown/convo/internal/llm"
)

var finishReasons = map[string]llm.FinishReason{
	"stop":           llm.FinishStop,
	"length":         llm.FinishLength,
	"tool_calls":     llm.FinishToolCalls,
	"function_call":  llm.FinishToolCalls,
	"content_filter": llm.FinishContentFilter,
}

func finishReason(raw string) llm.FinishReason {
	if raw == "" {
		return ""
	}
	if r, ok := finishReasons[raw]; ok {
		return r
	}
	return llm.FinishUnknown
}

func usage(u openai.CompletionUsage) llm.Usage {
	out := llm.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	extra := map[string]int64{}
	if n := u.PromptTokensDetails.CachedTokens; n > 0 {
		extra["cached_tokens"] = n
	}
	if n := u.CompletionTokensDetails.ReasoningTokens; n > 0 {
		extra["reasoning_tokens"] = n
	}
	if len(extra) > 0 {
		out.Extra = extra
	}
	return out
}

// NormalizeCompletion converts a chat completion into an assistant turn.
// Only the first choice is used.
func NormalizeCompletion(c openai.ChatCompletion) (llm.Turn, error) {
	if len(c.Choices) == 0 {
		return llm.Turn{}, &llm.NormalizationError{Provider: "openai", Reason: "completion has no choices", Raw: c.RawJSON()}
	}
	choice := c.Choices[0]
	msg := choice.Message

	turn := llm.Turn{Role: llm.RoleAssistant}
	if msg.Content != "" {
		turn.Contents = append(turn.Contents, llm.Text{Value: msg.Content})
	}
	if msg.Refusal != "" {
		turn.Contents = append(turn.Contents, llm.Text{Value: msg.Refusal})
	}
	for i, tc := range msg.ToolCalls {
		if tc.Type != "" && string(tc.Type) != "function" {
			return llm.Turn{}, &llm.NormalizationError{
				Provider: "openai",
				Reason:   fmt.Sprintf("unsupported tool call type %q", tc.Type),
				Raw:      tc.RawJSON(),
			}
		}
		args, err := llm.ParseArguments(tc.Function.Arguments)
		if err != nil {
			return llm.Turn{}, &llm.MalformedToolCallError{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments, Cause: err}
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		turn.Contents = append(turn.Contents, llm.NewToolRequest(id, tc.Function.Name, args))
	}

	raw := string(choice.FinishReason)
	turn.Metadata = llm.Metadata{
		FinishReason:    finishReason(raw),
		RawFinishReason: raw,
		Usage:           usage(c.Usage),
	}
	if r := c.RawJSON(); r != "" {
		turn.Metadata.Raw = json.RawMessage(r)
	}
	return turn, nil
}

// NormalizeChunk converts one streaming chunk into deltas.
func NormalizeChunk(chunk openai.ChatCompletionChunk) ([]llm.Delta, error) {
	var out []llm.Delta
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		d := choice.Delta
		if d.Content != "" {
			out = append(out, llm.TextDelta(d.Content))
		}
		if d.Refusal != "" {
			out = append(out, llm.TextDelta(d.Refusal))
		}
		for _, tc := range d.ToolCalls {
			if tc.Type != "" && string(tc.Type) != "function" {
				return nil, &llm.NormalizationError{
					Provider: "openai",
					Reason:   fmt.Sprintf("unsupported tool call type %q", tc.Type),
					Raw:      chunk.RawJSON(),
				}
			}
			out = append(out, llm.ToolRequestDelta(llm.ToolDelta{
				Index:     int(tc.Index),
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}))
		}
		if raw := string(choice.FinishReason); raw != "" {
			out = append(out, llm.MetadataDelta(llm.Metadata{FinishReason: finishReason(raw), RawFinishReason: raw}))
		}
	}
	if u := usage(chunk.Usage); !u.IsZero() {
		out = append(out, llm.MetadataDelta(llm.Metadata{Usage: u}))
	}
	return out, nil
}
