package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTurnJSONRoundTrip(t *testing.T) {
	img, err := NewImageURL("https://example.com/a.png", DetailLow)
	require.NoError(t, err)
	turns := []Turn{
		TextTurn(RoleSystem, "be brief"),
		{Role: RoleUser, Contents: []Content{Text{Value: "what is this?"}, img}},
		{
			Role:     RoleAssistant,
			Contents: []Content{NewToolRequest("1", "lookup", map[string]any{"q": "cat"})},
			Metadata: Metadata{FinishReason: FinishToolCalls, Usage: Usage{InputTokens: 3, OutputTokens: 1, Extra: map[string]int64{"cached_tokens": 2}}},
		},
		{Role: RoleTool, Contents: []Content{ToolResult{RequestID: "1", Value: "a cat"}}},
	}
	data, err := json.Marshal(turns)
	require.NoError(t, err)

	var back []Turn
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back, len(turns))
	for i := range turns {
		require.True(t, turns[i].Equal(back[i]), "turn %d", i)
	}
	require.Equal(t, turns[2].Metadata.Usage, back[2].Metadata.Usage)
}

func TestTurnUnmarshalRejectsInvalid(t *testing.T) {
	var turn Turn
	require.Error(t, json.Unmarshal([]byte(`{"role":"robot","contents":[]}`), &turn))
	require.Error(t, json.Unmarshal([]byte(`{"role":"user","contents":[{"type":"image"}]}`), &turn))
}

func TestTurnCloneIsDeep(t *testing.T) {
	orig := Turn{
		Role:     RoleAssistant,
		Contents: []Content{NewToolRequest("1", "f", map[string]any{"nested": map[string]any{"a": 1}})},
		Metadata: Metadata{Usage: Usage{Extra: map[string]int64{"x": 1}}},
	}
	c := orig.Clone()
	c.Contents[0].(ToolRequest).Arguments["nested"].(map[string]any)["a"] = 2
	c.Metadata.Usage.Extra["x"] = 9

	require.Equal(t, 1, orig.Contents[0].(ToolRequest).Arguments["nested"].(map[string]any)["a"])
	require.Equal(t, int64(1), orig.Metadata.Usage.Extra["x"])
}

func TestValidateHistory(t *testing.T) {
	req := Turn{Role: RoleAssistant, Contents: []Content{NewToolRequest("r1", "f", nil)}}
	res := Turn{Role: RoleTool, Contents: []Content{ToolResult{RequestID: "r1", Value: "ok"}}}
	orphan := Turn{Role: RoleTool, Contents: []Content{ToolResult{RequestID: "nope", Value: "ok"}}}

	require.NoError(t, ValidateHistory([]Turn{TextTurn(RoleUser, "hi"), req, res}))
	require.ErrorIs(t, ValidateHistory([]Turn{TextTurn(RoleUser, "hi"), orphan}), ErrOrphanToolResult)
	require.ErrorIs(t, ValidateHistory([]Turn{res, req}), ErrOrphanToolResult, "result before its request")
}

func TestCheckCapabilities(t *testing.T) {
	img, err := NewImageURL("https://example.com/a.png", "")
	require.NoError(t, err)
	withImage := []Turn{{Role: RoleUser, Contents: []Content{img}}}
	withTools := []Turn{{Role: RoleAssistant, Contents: []Content{NewToolRequest("1", "f", nil)}}}

	var uce *UnsupportedCapabilityError
	require.ErrorAs(t, CheckCapabilities("p", Capabilities{AcceptsTools: true}, withImage, nil), &uce)
	require.Equal(t, "images", uce.Capability)
	require.ErrorAs(t, CheckCapabilities("p", Capabilities{AcceptsImages: true}, withTools, nil), &uce)
	require.Equal(t, "tools", uce.Capability)
	require.ErrorAs(t, CheckCapabilities("p", Capabilities{}, nil, []ToolDef{{Name: "f"}}), &uce)
	require.NoError(t, CheckCapabilities("p", Capabilities{AcceptsImages: true, AcceptsTools: true}, append(withImage, withTools...), nil))

	resolved := append(withTools, Turn{Role: RoleTool, Contents: []Content{ToolResult{RequestID: "1", Value: "ok"}}})
	require.NoError(t, CheckCapabilities("p", Capabilities{}, resolved, nil))
}

func TestToolTurnsAsText(t *testing.T) {
	turns := []Turn{
		TextTurn(RoleUser, "hi"),
		{Role: RoleAssistant, Contents: []Content{Text{Value: "checking"}, NewToolRequest("1", "f", map[string]any{"a": 1})}},
		{Role: RoleTool, Contents: []Content{ToolResult{RequestID: "1", Error: "boom"}}},
	}
	require.Len(t, UnresolvedRequests(turns[:2]), 1)
	require.Empty(t, UnresolvedRequests(turns))

	out := ToolTurnsAsText(turns)
	require.True(t, out[0].Equal(turns[0]))
	require.Equal(t, "checking[tool call 1: f({\"a\":1})]", out[1].Text())
	require.Empty(t, out[1].ToolRequests())
	require.Equal(t, RoleUser, out[2].Role)
	require.Equal(t, "[tool result 1]: Tool calling failed with error: 'boom'", out[2].Text())
	require.Len(t, turns[1].ToolRequests(), 1, "input must not be modified")
}

func TestUsageMerge(t *testing.T) {
	u := Usage{InputTokens: 10, Extra: map[string]int64{"a": 1}}.Merge(Usage{OutputTokens: 4, Extra: map[string]int64{"b": 2}})
	require.Equal(t, Usage{InputTokens: 10, OutputTokens: 4, Extra: map[string]int64{"a": 1, "b": 2}}, u)
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      ErrorKind
		retryable bool
	}{
		{401, KindAuth, false},
		{403, KindAuth, false},
		{429, KindRateLimit, true},
		{400, KindInvalidRequest, false},
		{404, KindInvalidRequest, false},
		{500, KindUnknown, true},
		{503, KindUnknown, true},
	}
	for _, tt := range tests {
		kind, retryable := KindForStatus(tt.status)
		require.Equal(t, tt.kind, kind, "status %d", tt.status)
		require.Equal(t, tt.retryable, retryable, "status %d", tt.status)
	}
}

func TestTransportError(t *testing.T) {
	canceled := fmt.Errorf("post: %w", context.Canceled)
	require.Same(t, canceled, TransportError("p", canceled))

	err := TransportError("p", fmt.Errorf("post: %w", context.DeadlineExceeded))
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, KindNetwork, pe.Kind)
	require.True(t, pe.Retryable)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	pe, ok = AsProviderError(TransportError("p", errors.New("boom")))
	require.True(t, ok)
	require.Equal(t, KindUnknown, pe.Kind)
	require.False(t, pe.Retryable)
}
