package session

import (
	"strings"
	"testing"

	"github.com/michaelbrown/convo/internal/llm"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		turn    llm.Turn
		wantMin int
		wantMax int
	}{
		{
			name:    "empty turn",
			turn:    llm.Turn{Role: llm.RoleUser},
			wantMin: 1,
			wantMax: 1,
		},
		{
			name:    "short user turn",
			turn:    llm.TextTurn(llm.RoleUser, "hello world"),
			wantMin: 2,
			wantMax: 4,
		},
		{
			name:    "long turn",
			turn:    llm.TextTurn(llm.RoleUser, strings.Repeat("a", 400)),
			wantMin: 99,
			wantMax: 101,
		},
		{
			name: "turn with tool requests",
			turn: llm.Turn{Role: llm.RoleAssistant, Contents: []llm.Content{
				llm.NewToolRequest("1", "shell_exec", map[string]any{"command": "ls -la"}),
			}},
			wantMin: 5,
			wantMax: 20,
		},
		{
			name: "turn with an image",
			turn: llm.Turn{Role: llm.RoleUser, Contents: []llm.Content{
				llm.Image{URL: "https://example.com/a.png", Encoding: llm.ImageRemote},
			}},
			wantMin: imageTokens,
			wantMax: imageTokens,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := estimateTokens(tt.turn)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("estimateTokens() = %d, want between %d and %d", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestEstimateHistoryTokens(t *testing.T) {
	turns := []llm.Turn{
		llm.TextTurn(llm.RoleSystem, "You are a helpful assistant."),
		llm.TextTurn(llm.RoleUser, "Hello"),
		llm.TextTurn(llm.RoleAssistant, "Hi there! How can I help?"),
	}
	total := estimateHistoryTokens(turns)
	if total < 10 {
		t.Errorf("estimateHistoryTokens() = %d, want at least 10", total)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, Backoff: 100}
	for attempt, want := range map[int]int64{1: 100, 2: 200, 3: 400} {
		if got := int64(p.delay(attempt)); got != want {
			t.Errorf("delay(%d) = %d, want %d", attempt, got, want)
		}
	}
	if (RetryPolicy{}).allows(1, &llm.ProviderError{Retryable: true}) {
		t.Error("zero policy should not retry")
	}
	if !p.allows(3, &llm.ProviderError{Retryable: true}) || p.allows(4, &llm.ProviderError{Retryable: true}) {
		t.Error("policy should allow attempts below MaxAttempts only")
	}
}
