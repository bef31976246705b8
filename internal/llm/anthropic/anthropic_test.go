package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/convo/internal/llm"
)

func message(t *testing.T, raw string) anthropic.Message {
	t.Helper()
	var m anthropic.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func event(t *testing.T, raw string) anthropic.MessageStreamEventUnion {
	t.Helper()
	var e anthropic.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	return e
}

const toolUseMessage = `{
  "id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
  "content": [
    {"type": "text", "text": "I'll check."},
    {"type": "tool_use", "id": "toolu_1", "name": "weather", "input": {"city": "Paris"}}
  ],
  "stop_reason": "tool_use",
  "usage": {"input_tokens": 30, "output_tokens": 12, "cache_read_input_tokens": 5}
}`

func TestNormalizeMessage(t *testing.T) {
	turn, err := NormalizeMessage(message(t, toolUseMessage))
	require.NoError(t, err)
	require.Equal(t, "I'll check.", turn.Text())
	require.Equal(t, []llm.ToolRequest{llm.NewToolRequest("toolu_1", "weather", map[string]any{"city": "Paris"})}, turn.ToolRequests())
	require.Equal(t, llm.FinishToolCalls, turn.Metadata.FinishReason)
	require.Equal(t, "tool_use", turn.Metadata.RawFinishReason)
	require.Equal(t, int64(30), turn.Metadata.Usage.InputTokens)
	require.Equal(t, int64(5), turn.Metadata.Usage.Extra["cache_read_input_tokens"])
	require.NotEmpty(t, turn.Metadata.Raw)

	again, err := NormalizeMessage(message(t, toolUseMessage))
	require.NoError(t, err)
	require.True(t, turn.Equal(again))
}

func TestNormalizeMessageStopReasons(t *testing.T) {
	for raw, want := range map[string]llm.FinishReason{
		"end_turn":      llm.FinishStop,
		"stop_sequence": llm.FinishStop,
		"max_tokens":    llm.FinishLength,
		"refusal":       llm.FinishContentFilter,
		"pause_turn":    llm.FinishUnknown,
	} {
		m := message(t, `{"id":"m","type":"message","role":"assistant","content":[{"type":"text","text":"x"}],"stop_reason":"`+raw+`","usage":{"input_tokens":1,"output_tokens":1}}`)
		turn, err := NormalizeMessage(m)
		require.NoError(t, err)
		require.Equal(t, want, turn.Metadata.FinishReason, raw)
	}
}

func TestNormalizeMessageUnknownBlock(t *testing.T) {
	m := message(t, `{"id":"m","type":"message","role":"assistant","content":[{"type":"server_tool_use","id":"s","name":"web_search","input":{}}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	_, err := NormalizeMessage(m)
	var ne *llm.NormalizationError
	require.ErrorAs(t, err, &ne)
	require.NotEmpty(t, ne.Raw)
}

func TestNormalizeRejectsThinking(t *testing.T) {
	m := message(t, `{"id":"m","type":"message","role":"assistant","content":[{"type":"thinking","thinking":"hmm","signature":"sig"},{"type":"text","text":"4"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	_, err := NormalizeMessage(m)
	var ne *llm.NormalizationError
	require.ErrorAs(t, err, &ne)
	require.Contains(t, ne.Reason, "thinking")
	require.Contains(t, ne.Raw, "hmm")

	for _, raw := range []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"redacted_thinking","data":"xyz"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"citations_delta","citation":{"type":"char_location","cited_text":"a","document_index":0,"document_title":"d","start_char_index":0,"end_char_index":1}}}`,
	} {
		deltas, err := NormalizeEvent(event(t, raw))
		require.ErrorAs(t, err, &ne, raw)
		require.NotEmpty(t, ne.Raw, raw)
		require.Empty(t, deltas)
	}
}

func TestNormalizeEventsAssemble(t *testing.T) {
	raws := []string{
		`{"type":"message_start","message":{"id":"m","type":"message","role":"assistant","content":[],"model":"claude-test","usage":{"input_tokens":25,"output_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Looking"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" it up."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"weather","input":{}}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\": "}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Rome\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":17}}`,
		`{"type":"message_stop"}`,
	}
	a := llm.NewAssembler()
	for _, raw := range raws {
		deltas, err := NormalizeEvent(event(t, raw))
		require.NoError(t, err, raw)
		for _, d := range deltas {
			require.NoError(t, a.Add(d))
		}
	}
	turn, err := a.Finish()
	require.NoError(t, err)
	require.Equal(t, "Looking it up.", turn.Text())
	require.Equal(t, []llm.ToolRequest{llm.NewToolRequest("toolu_9", "weather", map[string]any{"city": "Rome"})}, turn.ToolRequests())
	require.Equal(t, llm.FinishToolCalls, turn.Metadata.FinishReason)
	require.Equal(t, llm.Usage{InputTokens: 25, OutputTokens: 17}, turn.Metadata.Usage)
}

func TestNormalizeEventMalformedToolInput(t *testing.T) {
	a := llm.NewAssembler()
	for _, raw := range []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"weather","input":{}}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\""}}`,
	} {
		deltas, err := NormalizeEvent(event(t, raw))
		require.NoError(t, err)
		for _, d := range deltas {
			require.NoError(t, a.Add(d))
		}
	}
	deltas, err := NormalizeEvent(event(t, `{"type":"content_block_stop","index":0}`))
	require.NoError(t, err)
	var mtc *llm.MalformedToolCallError
	require.ErrorAs(t, a.Add(deltas[0]), &mtc)
	require.Equal(t, "toolu_1", mtc.ID)
}

func TestExportTurns(t *testing.T) {
	img, err := llm.NewImageURL("data:image/png;base64,aGk=", "")
	require.NoError(t, err)
	system, msgs, err := ExportTurns([]llm.Turn{
		llm.TextTurn(llm.RoleSystem, "be brief"),
		{Role: llm.RoleUser, Contents: []llm.Content{llm.Text{Value: "what is this?"}, img}},
		{Role: llm.RoleAssistant, Contents: []llm.Content{llm.NewToolRequest("t1", "lookup", map[string]any{"q": "x"})}},
		{Role: llm.RoleTool, Contents: []llm.Content{llm.ToolResult{RequestID: "t1", Error: "no network"}}},
		llm.TextTurn(llm.RoleUser, "never mind"),
	})
	require.NoError(t, err)
	require.Equal(t, "be brief", system[0].Text)
	require.Len(t, msgs, 3, "tool results merge with the following user message")

	data, err := json.Marshal(msgs)
	require.NoError(t, err)
	var got []map[string]any
	require.NoError(t, json.Unmarshal(data, &got))

	userBlocks := got[0]["content"].([]any)
	require.Equal(t, "image", userBlocks[1].(map[string]any)["type"])
	source := userBlocks[1].(map[string]any)["source"].(map[string]any)
	require.Equal(t, "base64", source["type"])
	require.Equal(t, "image/png", source["media_type"])

	toolUse := got[1]["content"].([]any)[0].(map[string]any)
	require.Equal(t, "tool_use", toolUse["type"])
	require.Equal(t, map[string]any{"q": "x"}, toolUse["input"])

	last := got[2]["content"].([]any)
	require.Len(t, last, 2)
	result := last[0].(map[string]any)
	require.Equal(t, "tool_result", result["type"])
	require.Equal(t, "t1", result["tool_use_id"])
	require.Equal(t, true, result["is_error"])
}

func TestExportNormalizeRoundTrip(t *testing.T) {
	turn := llm.Turn{Role: llm.RoleAssistant, Contents: []llm.Content{
		llm.Text{Value: "Two calls."},
		llm.NewToolRequest("toolu_a", "weather", map[string]any{"city": "Paris"}),
		llm.NewToolRequest("toolu_b", "clock", nil),
	}}
	_, msgs, err := ExportTurns([]llm.Turn{turn})
	require.NoError(t, err)
	content, err := json.Marshal(msgs[0].Content)
	require.NoError(t, err)

	raw := `{"id":"m","type":"message","role":"assistant","model":"x","content":` + string(content) +
		`,"stop_reason":"tool_use","usage":{"input_tokens":1,"output_tokens":1}}`
	back, err := NormalizeMessage(message(t, raw))
	require.NoError(t, err)
	require.True(t, turn.Equal(back), "round trip changed %s", content)
}

func TestExportTools(t *testing.T) {
	tools := ExportTools([]llm.ToolDef{{
		Name:        "weather",
		Description: "current weather",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
			"required":   []any{"city"},
		},
	}})
	require.Len(t, tools, 1)
	require.Equal(t, []string{"city"}, tools[0].OfTool.InputSchema.Required)
}

func TestProviderSubmitAndStream(t *testing.T) {
	sse := "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"m\",\"type\":\"message\",\"role\":\"assistant\",\"content\":[],\"model\":\"claude-test\",\"usage\":{\"input_tokens\":4,\"output_tokens\":1}}}\n\n" +
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi there\"}}\n\n" +
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":3}}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

	var system any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		system = body["system"]
		if body["stream"] == true {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, sse)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, toolUseMessage)
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, APIKey: "k", Model: "claude-test"})
	history := []llm.Turn{llm.TextTurn(llm.RoleSystem, "be nice"), llm.TextTurn(llm.RoleUser, "hello")}

	turn, err := p.Submit(context.Background(), history, nil)
	require.NoError(t, err)
	require.Len(t, turn.ToolRequests(), 1)
	require.NotNil(t, system)

	streamed, err := llm.Collect(p.Stream(context.Background(), history, nil))
	require.NoError(t, err)
	require.Equal(t, "Hi there", streamed.Text())
	require.Equal(t, llm.FinishStop, streamed.Metadata.FinishReason)
	require.Equal(t, llm.Usage{InputTokens: 4, OutputTokens: 3}, streamed.Metadata.Usage)
}

func TestProviderClassifiesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, APIKey: "bad", Model: "claude-test"})
	_, err := p.Submit(context.Background(), []llm.Turn{llm.TextTurn(llm.RoleUser, "hi")}, nil)
	pe, ok := llm.AsProviderError(err)
	require.True(t, ok, "got %v", err)
	require.Equal(t, llm.KindAuth, pe.Kind)
	require.False(t, pe.Retryable)
}

func TestProviderListModels(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"type":"model","id":"claude-test","display_name":"Claude Test","created_at":"2025-05-14T00:00:00Z"}],"has_more":false,"first_id":"claude-test","last_id":"claude-test"}`)
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, APIKey: "k"})
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Equal(t, "/v1/models", path)
	require.Equal(t, []llm.ModelInfo{{Name: "claude-test", ModifiedAt: "2025-05-14T00:00:00Z"}}, models)
}
