package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func create(t *testing.T, s *Store, c *storage.Conversation) {
	t.Helper()
	if err := s.Create(context.Background(), c); err != nil {
		t.Fatalf("Create(%s): %v", c.ID, err)
	}
}

func TestCreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := &storage.Conversation{
		ID:           "abc12345-0000-0000-0000-000000000000",
		Title:        "test conversation",
		Provider:     "ollama",
		Model:        "qwen3:14b",
		Profile:      "default",
		SystemPrompt: "be brief",
	}
	create(t, s, c)

	got, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "test conversation" {
		t.Errorf("title = %q, want %q", got.Title, "test conversation")
	}
	if got.Status != storage.StatusActive {
		t.Errorf("status = %q, want %q", got.Status, storage.StatusActive)
	}
	if got.Provider != "ollama" || got.SystemPrompt != "be brief" {
		t.Errorf("got %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should not be zero")
	}
}

func TestGetByPrefix(t *testing.T) {
	s := testStore(t)
	c := &storage.Conversation{ID: "abc12345-0000-0000-0000-000000000000"}
	create(t, s, c)

	got, err := s.Get(context.Background(), "abc12345")
	if err != nil {
		t.Fatalf("Get by prefix: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("got ID %q, want %q", got.ID, c.ID)
	}
}

func TestGetAmbiguousPrefix(t *testing.T) {
	s := testStore(t)
	for _, id := range []string{
		"abc00000-0000-0000-0000-000000000000",
		"abc11111-0000-0000-0000-000000000000",
	} {
		create(t, s, &storage.Conversation{ID: id})
	}

	if _, err := s.Get(context.Background(), "abc"); err == nil {
		t.Fatal("expected error for ambiguous prefix")
	}
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)
	_, err := s.Get(context.Background(), "zzz")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	create(t, s, &storage.Conversation{ID: "a1"})
	create(t, s, &storage.Conversation{ID: "a2", Status: storage.StatusCompleted})
	create(t, s, &storage.Conversation{ID: "a3"})

	all, err := s.List(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d conversations, want 3", len(all))
	}

	active, err := s.List(ctx, storage.ListOptions{Status: storage.StatusActive})
	if err != nil {
		t.Fatalf("List active: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("got %d active conversations, want 2", len(active))
	}

	limited, err := s.List(ctx, storage.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("List limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d conversations, want 2", len(limited))
	}
}

func TestUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := &storage.Conversation{ID: "upd1"}
	create(t, s, c)

	c.Title = "updated title"
	c.Status = storage.StatusCompleted
	c.Usage = llm.Usage{InputTokens: 120, OutputTokens: 30, Extra: map[string]int64{"cached_tokens": 64}}
	if err := s.Update(ctx, c); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.Get(ctx, "upd1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "updated title" || got.Status != storage.StatusCompleted {
		t.Errorf("got %+v", got)
	}
	if got.Usage.InputTokens != 120 || got.Usage.Extra["cached_tokens"] != 64 {
		t.Errorf("usage = %+v", got.Usage)
	}

	if err := s.Update(ctx, &storage.Conversation{ID: "ghost"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Update missing = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	create(t, s, &storage.Conversation{ID: "del1"})
	if err := s.SaveTurns(ctx, "del1", []llm.Turn{llm.TextTurn(llm.RoleUser, "hello")}); err != nil {
		t.Fatalf("SaveTurns: %v", err)
	}

	if err := s.Delete(ctx, "del1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "del1"); err == nil {
		t.Fatal("expected error after delete")
	}

	turns, err := s.LoadTurns(ctx, "del1")
	if err != nil {
		t.Fatalf("LoadTurns after delete: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected no turns after delete, got %d", len(turns))
	}
}

func TestSaveAndLoadTurns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	create(t, s, &storage.Conversation{ID: "msg1"})

	img, err := llm.NewImageURL("data:image/png;base64,iVBORw0KGgo=", llm.DetailLow)
	if err != nil {
		t.Fatal(err)
	}
	turns := []llm.Turn{
		llm.TextTurn(llm.RoleSystem, "You are helpful."),
		{Role: llm.RoleUser, Contents: []llm.Content{llm.Text{Value: "What is this?"}, img}},
		{Role: llm.RoleAssistant, Contents: []llm.Content{
			llm.Text{Value: "I'll check that for you."},
			llm.NewToolRequest("tc1", "shell_exec", map[string]any{"command": "ls"}),
		}, Metadata: llm.Metadata{FinishReason: llm.FinishToolCalls, Usage: llm.Usage{InputTokens: 9, OutputTokens: 4}}},
		{Role: llm.RoleTool, Contents: []llm.Content{llm.ToolResult{RequestID: "tc1", Value: "file1.txt\nfile2.txt"}}},
		{Role: llm.RoleTool, Contents: []llm.Content{llm.ToolResult{RequestID: "tc1", Error: "permission denied"}}},
		llm.TextTurn(llm.RoleAssistant, "Here are the files."),
	}

	if err := s.SaveTurns(ctx, "msg1", turns); err != nil {
		t.Fatalf("SaveTurns: %v", err)
	}
	loaded, err := s.LoadTurns(ctx, "msg1")
	if err != nil {
		t.Fatalf("LoadTurns: %v", err)
	}

	if len(loaded) != 5 {
		t.Fatalf("got %d turns, want 5 (system turn is not stored)", len(loaded))
	}
	for i, want := range turns[1:] {
		if !want.Equal(loaded[i]) {
			t.Errorf("turn %d differs after reload: %+v", i, loaded[i])
		}
	}
	if loaded[1].Metadata.FinishReason != llm.FinishToolCalls || loaded[1].Metadata.Usage.InputTokens != 9 {
		t.Errorf("metadata = %+v", loaded[1].Metadata)
	}
	if !loaded[3].ToolResults()[0].IsError() {
		t.Error("error result should survive reload")
	}
	if err := llm.ValidateHistory(loaded); err != nil {
		t.Errorf("reloaded history invalid: %v", err)
	}
}

func TestSaveTurnsOverwrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	create(t, s, &storage.Conversation{ID: "ow1"})

	s.SaveTurns(ctx, "ow1", []llm.Turn{llm.TextTurn(llm.RoleUser, "first")})
	s.SaveTurns(ctx, "ow1", []llm.Turn{
		llm.TextTurn(llm.RoleUser, "first"),
		llm.TextTurn(llm.RoleAssistant, "second"),
	})

	loaded, err := s.LoadTurns(ctx, "ow1")
	if err != nil {
		t.Fatalf("LoadTurns: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("got %d turns, want 2", len(loaded))
	}
}

func TestLoadTurnsEmpty(t *testing.T) {
	s := testStore(t)
	turns, err := s.LoadTurns(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("LoadTurns: %v", err)
	}
	if turns != nil {
		t.Errorf("expected nil for nonexistent conversation, got %v", turns)
	}
}

func TestReopenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "convo.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	create(t, s, &storage.Conversation{ID: "keep"})
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Get(context.Background(), "keep"); err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
}
