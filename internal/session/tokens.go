package session

import (
	"encoding/json"

	"github.com/michaelbrown/convo/internal/llm"
)

// estimateTokens returns an approximate token count for a turn.
// Uses chars/4, which is close enough for budgeting prompts.
func estimateTokens(t llm.Turn) int {
	return max(estimateContents(t.Contents), 1)
}

func estimateContents(contents []llm.Content) int {
	tokens := 0
	for _, c := range contents {
		switch v := c.(type) {
		case llm.Text:
			tokens += len(v.Value) / 4
		case llm.ToolRequest:
			tokens += len(v.Name) / 4
			if args, err := json.Marshal(v.Arguments); err == nil {
				tokens += len(args) / 4
			}
		case llm.ToolResult:
			tokens += len(v.Text()) / 4
		case llm.Image:
			tokens += imageTokens
		}
	}
	return tokens
}

// imageTokens is the cost of one low-detail image.
const imageTokens = 85

// estimateHistoryTokens returns approximate total tokens for a turn slice.
func estimateHistoryTokens(turns []llm.Turn) int {
	total := 0
	for _, t := range turns {
		total += estimateTokens(t)
	}
	return total
}
