package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/michaelbrown/convo/internal/llm"
)

var stopReasons = map[string]llm.FinishReason{
	"end_turn":      llm.FinishStop,
	"stop_sequence": llm.FinishStop,
	"max_tokens":    llm.FinishLength,
	"tool_use":      llm.FinishToolCalls,
	"refusal":       llm.FinishContentFilter,
}

func finishReason(raw string) llm.FinishReason {
	if raw == "" {
		return ""
	}
	if r, ok := stopReasons[raw]; ok {
		return r
	}
	return llm.FinishUnknown
}

func usage(u anthropic.Usage) llm.Usage {
	out := llm.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
	extra := map[string]int64{}
	if u.CacheReadInputTokens > 0 {
		extra["cache_read_input_tokens"] = u.CacheReadInputTokens
	}
	if u.CacheCreationInputTokens > 0 {
		extra["cache_creation_input_tokens"] = u.CacheCreationInputTokens
	}
	if len(extra) > 0 {
		out.Extra = extra
	}
	return out
}

// unsupported reports a response shape with no canonical content variant,
// such as thinking blocks or citations. Nothing is dropped silently.
func unsupported(what, typ, raw string) error {
	return &llm.NormalizationError{
		Provider: "anthropic",
		Reason:   fmt.Sprintf("unsupported %s %q", what, typ),
		Raw:      raw,
	}
}

// NormalizeMessage converts a Messages API response into an assistant turn.
func NormalizeMessage(m anthropic.Message) (llm.Turn, error) {
	turn := llm.Turn{Role: llm.RoleAssistant}
	for _, block := range m.Content {
		switch block.Type {
		case "text":
			turn.Contents = append(turn.Contents, llm.Text{Value: block.Text})
		case "tool_use":
			args, err := llm.ParseArguments(string(block.Input))
			if err != nil {
				return llm.Turn{}, &llm.MalformedToolCallError{ID: block.ID, Name: block.Name, Arguments: string(block.Input), Cause: err}
			}
			turn.Contents = append(turn.Contents, llm.NewToolRequest(block.ID, block.Name, args))
		default:
			return llm.Turn{}, unsupported("content block", block.Type, m.RawJSON())
		}
	}
	raw := string(m.StopReason)
	turn.Metadata = llm.Metadata{
		FinishReason:    finishReason(raw),
		RawFinishReason: raw,
		Usage:           usage(m.Usage),
	}
	if r := m.RawJSON(); r != "" {
		turn.Metadata.Raw = json.RawMessage(r)
	}
	return turn, nil
}

// NormalizeEvent converts one stream event into deltas. Content block
// indexes become tool delta indexes, so fragments of a tool_use block are
// matched even though only the start event carries its id.
func NormalizeEvent(e anthropic.MessageStreamEventUnion) ([]llm.Delta, error) {
	switch e.Type {
	case "message_start":
		u := usage(e.Message.Usage)
		if u.IsZero() {
			return nil, nil
		}
		return []llm.Delta{llm.MetadataDelta(llm.Metadata{Usage: u})}, nil

	case "content_block_start":
		block := e.ContentBlock
		switch block.Type {
		case "text":
			if block.Text == "" {
				return nil, nil
			}
			return []llm.Delta{llm.TextDelta(block.Text)}, nil
		case "tool_use":
			return []llm.Delta{llm.ToolRequestDelta(llm.ToolDelta{Index: int(e.Index), ID: block.ID, Name: block.Name})}, nil
		}
		return nil, unsupported("content block", block.Type, e.RawJSON())

	case "content_block_delta":
		switch e.Delta.Type {
		case "text_delta":
			return []llm.Delta{llm.TextDelta(e.Delta.Text)}, nil
		case "input_json_delta":
			return []llm.Delta{llm.ToolRequestDelta(llm.ToolDelta{Index: int(e.Index), Arguments: e.Delta.PartialJSON})}, nil
		}
		return nil, unsupported("content delta", e.Delta.Type, e.RawJSON())

	case "content_block_stop":
		return []llm.Delta{llm.ToolRequestDelta(llm.ToolDelta{Index: int(e.Index), Done: true})}, nil

	case "message_delta":
		raw := string(e.Delta.StopReason)
		meta := llm.Metadata{
			FinishReason:    finishReason(raw),
			RawFinishReason: raw,
			Usage:           llm.Usage{OutputTokens: e.Usage.OutputTokens},
		}
		return []llm.Delta{llm.MetadataDelta(meta)}, nil

	case "message_stop", "ping":
		return nil, nil
	}
	return nil, unsupported("stream event", e.Type, e.RawJSON())
}
