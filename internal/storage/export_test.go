package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/michaelbrown/convo/internal/llm"
)

func sampleTurns() []llm.Turn {
	return []llm.Turn{
		llm.TextTurn(llm.RoleSystem, "ignored here"),
		llm.TextTurn(llm.RoleUser, "list files <please>"),
		{Role: llm.RoleAssistant, Contents: []llm.Content{
			llm.Text{Value: "Checking."},
			llm.NewToolRequest("tc1", "file_list", map[string]any{"path": "."}),
		}},
		{Role: llm.RoleTool, Contents: []llm.Content{llm.ToolResult{RequestID: "tc1", Value: "a.txt"}}},
		llm.TextTurn(llm.RoleAssistant, "There is a.txt."),
	}
}

func sampleConversation() *Conversation {
	return &Conversation{ID: "c1", Title: "Files", Provider: "ollama", Model: "llama3.2", SystemPrompt: "Be terse."}
}

func TestExportMarkdown(t *testing.T) {
	md := ExportMarkdown(sampleConversation(), sampleTurns(), ExportOptions{IncludeSystemPrompt: true})

	for _, want := range []string{"# Files\n", "## You\n\nlist files <please>", "## Assistant\n\nChecking.", "There is a.txt.",
		"<details><summary>System prompt</summary>\n\nBe terse."} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
	for _, unwanted := range []string{"file_list", "ignored here", "Tool Result"} {
		if strings.Contains(md, unwanted) {
			t.Errorf("text-only markdown should not contain %q", unwanted)
		}
	}

	all := ExportMarkdown(sampleConversation(), sampleTurns(), ExportOptions{Title: "Custom", IncludeTools: true})
	for _, want := range []string{"# Custom\n", "**Tool Call:** `file_list`", "**Tool Result** (`tc1`)", "a.txt"} {
		if !strings.Contains(all, want) {
			t.Errorf("markdown with tools missing %q", want)
		}
	}
	if strings.Contains(all, "System prompt") {
		t.Error("system prompt should be omitted unless requested")
	}
}

func TestExportHTMLEscapes(t *testing.T) {
	page, err := ExportHTML(sampleConversation(), sampleTurns(), ExportOptions{IncludeSystemPrompt: true})
	if err != nil {
		t.Fatalf("ExportHTML: %v", err)
	}
	if !strings.Contains(page, "list files &lt;please&gt;") {
		t.Error("user text should be escaped")
	}
	if !strings.Contains(page, `<div class="message user">`) || !strings.Contains(page, "<details><summary>System prompt</summary>") {
		t.Errorf("unexpected page:\n%s", page)
	}
}

func TestExportFile(t *testing.T) {
	dir := t.TempDir()
	conv := sampleConversation()
	turns := sampleTurns()

	md := filepath.Join(dir, "chat.md")
	if err := ExportFile(md, conv, turns, ExportOptions{}, false); err != nil {
		t.Fatalf("ExportFile md: %v", err)
	}
	if err := ExportFile(md, conv, turns, ExportOptions{}, false); err == nil {
		t.Error("existing file should not be overwritten")
	}
	if err := ExportFile(md, conv, turns, ExportOptions{}, true); err != nil {
		t.Errorf("overwrite: %v", err)
	}

	js := filepath.Join(dir, "chat.json")
	if err := ExportFile(js, conv, turns, ExportOptions{}, false); err != nil {
		t.Fatalf("ExportFile json: %v", err)
	}
	data, _ := os.ReadFile(js)
	if !strings.Contains(string(data), `"request_id": "tc1"`) {
		t.Errorf("json export missing tool result:\n%s", data)
	}

	if err := ExportFile(filepath.Join(dir, "chat.pdf"), conv, turns, ExportOptions{}, false); err == nil {
		t.Error("unsupported extension should fail")
	}
	if err := ExportFile(filepath.Join(dir, "empty.md"), conv, nil, ExportOptions{}, false); err == nil {
		t.Error("empty export should fail")
	}
}
