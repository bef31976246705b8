package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/llm/llmtest"
	"github.com/michaelbrown/convo/internal/storage"
	"github.com/michaelbrown/convo/internal/storage/sqlite"
	"github.com/michaelbrown/convo/internal/tools"
)

type addArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func newTestServer(t *testing.T, p *llmtest.Provider) (*httptest.Server, storage.Store) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	add, err := tools.NewTyped("add", "add two numbers", func(_ context.Context, a addArgs) (float64, error) {
		return a.A + a.B, nil
	})
	require.NoError(t, err)
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(add))
	t.Cleanup(func() { registry.Close() })

	srv := New(testConfig(), store, registry,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithProviderFactory(func(string, string) (llm.Provider, error) { return p, nil }),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
	})
	return ts, store
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createConv(t *testing.T, ts *httptest.Server) storage.Conversation {
	t.Helper()
	var conv storage.Conversation
	status := doJSON(t, http.MethodPost, ts.URL+"/api/conversations", map[string]string{}, &conv)
	require.Equal(t, http.StatusCreated, status)
	return conv
}

func TestCreateAndGetConversation(t *testing.T) {
	ts, _ := newTestServer(t, llmtest.New())

	conv := createConv(t, ts)
	require.NotEmpty(t, conv.ID)
	require.Equal(t, "test", conv.Provider)
	require.Equal(t, "test-model", conv.Model)
	require.Equal(t, storage.StatusActive, conv.Status)

	var got storage.Conversation
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/conversations/"+conv.ID, nil, &got))
	require.Equal(t, conv.ID, got.ID)

	var list []storage.Conversation
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/conversations", nil, &list))
	require.Len(t, list, 1)

	require.Equal(t, http.StatusNoContent, doJSON(t, http.MethodDelete, ts.URL+"/api/conversations/"+conv.ID, nil, nil))
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, ts.URL+"/api/conversations/"+conv.ID, nil, nil))
}

func TestCreateConversationUnknownProvider(t *testing.T) {
	ts, _ := newTestServer(t, llmtest.New())
	status := doJSON(t, http.MethodPost, ts.URL+"/api/conversations", map[string]string{"provider": "nope"}, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestSendMessage(t *testing.T) {
	p := llmtest.New(
		llmtest.ToolCalls(llm.NewToolRequest("c1", "add", map[string]any{"a": 2, "b": 3})),
		llmtest.Text("five"),
	)
	ts, store := newTestServer(t, p)
	conv := createConv(t, ts)

	var resp sendMessageResponse
	status := doJSON(t, http.MethodPost, ts.URL+"/api/conversations/"+conv.ID+"/messages",
		map[string]string{"content": "what is 2+3?"}, &resp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "five", resp.Turn.Text())
	require.Equal(t, llm.Usage{InputTokens: 20, OutputTokens: 9}, resp.Usage)

	var turns []llm.Turn
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/conversations/"+conv.ID+"/turns", nil, &turns))
	require.Len(t, turns, 4)
	require.Equal(t, []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant},
		[]llm.Role{turns[0].Role, turns[1].Role, turns[2].Role, turns[3].Role})

	saved, err := store.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Equal(t, "what is 2+3?", saved.Title)
	require.Equal(t, storage.StatusCompleted, saved.Status)
	require.Equal(t, "be brief", saved.SystemPrompt)
	require.Equal(t, int64(20), saved.Usage.InputTokens)
}

func TestSendMessageErrors(t *testing.T) {
	p := llmtest.New(llmtest.Fail(&llm.ProviderError{Provider: "scripted", Kind: llm.KindRateLimit, Message: "slow down"}))
	ts, store := newTestServer(t, p)
	conv := createConv(t, ts)
	url := ts.URL + "/api/conversations/" + conv.ID + "/messages"

	require.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, url, map[string]string{"content": "  "}, nil))
	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, ts.URL+"/api/conversations/missing/messages",
		map[string]string{"content": "hi"}, nil))

	var body map[string]string
	require.Equal(t, http.StatusTooManyRequests, doJSON(t, http.MethodPost, url, map[string]string{"content": "hi"}, &body))
	require.Contains(t, body["error"], "slow down")

	saved, err := store.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, saved.Status)
	turns, err := store.LoadTurns(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestExport(t *testing.T) {
	ts, _ := newTestServer(t, llmtest.New(llmtest.Text("hello there")))
	conv := createConv(t, ts)
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/api/conversations/"+conv.ID+"/messages",
		map[string]string{"content": "hi"}, nil))

	get := func(query string) (int, string, string) {
		resp, err := http.Get(ts.URL + "/api/conversations/" + conv.ID + "/export" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, resp.Header.Get("Content-Type"), string(data)
	}

	status, ctype, body := get("")
	require.Equal(t, http.StatusOK, status)
	require.True(t, strings.HasPrefix(ctype, "text/markdown"))
	require.Contains(t, body, "## Assistant")
	require.Contains(t, body, "hello there")

	status, ctype, body = get("?format=html")
	require.Equal(t, http.StatusOK, status)
	require.True(t, strings.HasPrefix(ctype, "text/html"))
	require.Contains(t, body, "hello there")

	status, _, _ = get("?format=pdf")
	require.Equal(t, http.StatusBadRequest, status)
}

func TestListProvidersAndModels(t *testing.T) {
	ts, _ := newTestServer(t, llmtest.New())

	var infos []providerInfo
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/providers", nil, &infos))
	require.Len(t, infos, 1)
	require.Equal(t, "test", infos[0].Name)
	require.True(t, infos[0].Default)

	// The scripted provider cannot list models, so configured aliases are returned.
	var models []llm.ModelInfo
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/models/test", nil, &models))
	require.Equal(t, []llm.ModelInfo{{Name: "test-model", ModifiedAt: "default"}}, models)

	require.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, ts.URL+"/api/models/nope", nil, nil))
}

func TestWebSocketStreamsToolRounds(t *testing.T) {
	p := llmtest.New(
		llmtest.ToolCalls(llm.NewToolRequest("c1", "add", map[string]any{"a": 1, "b": 1})),
		llmtest.Text("two"),
	)
	ts, _ := newTestServer(t, p)
	conv := createConv(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/conversations/" + conv.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "content": "1+1?"}))

	var events []wsOutgoing
	for {
		var ev wsOutgoing
		require.NoError(t, conn.ReadJSON(&ev))
		events = append(events, ev)
		if ev.Type == "done" || ev.Type == "error" {
			break
		}
	}

	var types []string
	var text strings.Builder
	for _, ev := range events {
		if ev.Type == "text_delta" {
			text.WriteString(ev.Content)
			continue
		}
		types = append(types, ev.Type)
	}
	require.Equal(t, []string{"tool_call", "tool_result", "done"}, types)
	require.Equal(t, "add", events[0].Name)
	require.Equal(t, "two", text.String())

	last := events[len(events)-1]
	require.Equal(t, "two", last.Content)
	require.NotNil(t, last.Usage)

	for _, ev := range events {
		if ev.Type == "tool_result" {
			require.Equal(t, "add", ev.Name)
			require.Equal(t, "2", ev.Content)
			require.False(t, ev.IsError)
		}
	}
}

func TestWebSocketRejectsInvalidMessages(t *testing.T) {
	ts, _ := newTestServer(t, llmtest.New())
	conv := createConv(t, ts)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/conversations/" + conv.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "shout"}))
	var ev wsOutgoing
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "error", ev.Type)
	require.Equal(t, "invalid message", ev.Content)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message"}))
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "error", ev.Type)
	require.Equal(t, "content is required", ev.Content)
}
