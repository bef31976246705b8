package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/michaelbrown/convo/internal/config"
	"github.com/michaelbrown/convo/internal/llm"
)

func TestParseImageArg(t *testing.T) {
	img, err := parseImageArg("https://example.com/cat.png high")
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if img.URL != "https://example.com/cat.png" || img.Detail != llm.DetailHigh {
		t.Fatalf("url image = %+v", img)
	}

	img, err = parseImageArg("data:image/png;base64,aGVsbG8=")
	if err != nil {
		t.Fatalf("data url: %v", err)
	}
	if img.MediaType != "image/png" || img.Data != "aGVsbG8=" {
		t.Fatalf("data url image = %+v", img)
	}

	path := filepath.Join(t.TempDir(), "pic.png")
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	img, err = parseImageArg(path)
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if img.Path != path || img.Detail != llm.DetailAuto {
		t.Fatalf("path image = %+v", img)
	}

	if _, err := parseImageArg(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Fatal("missing file should fail")
	}
	if _, err := parseImageArg(""); err == nil {
		t.Fatal("empty argument should fail")
	}
}

func TestResolveTarget(t *testing.T) {
	dir := t.TempDir()
	profile := "provider: remote\nmodel: big\nsystem_prompt: you review code\ntools: [file_read]\nmax_rounds: 3\n"
	if err := os.WriteFile(filepath.Join(dir, "coder.yaml"), []byte(profile), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg = &config.Config{
		DefaultProvider: "local",
		Providers: map[string]config.ProviderConfig{
			"local":  {Kind: config.KindOllama, Models: map[string]string{"default": "llama3.2"}},
			"remote": {Kind: config.KindOpenAI, Models: map[string]string{"default": "gpt-4o-mini", "big": "gpt-4o"}},
			"bare":   {Kind: config.KindOpenAI},
		},
		Agent: config.AgentConfig{ProfilesDir: dir, MaxRounds: 10},
	}
	t.Cleanup(func() { cfg = nil })

	tests := []struct {
		name                     string
		provider, model, profile string
		wantProvider, wantModel  string
		wantErr                  bool
	}{
		{name: "defaults", wantProvider: "local", wantModel: "llama3.2"},
		{name: "model alias", provider: "remote", model: "big", wantProvider: "remote", wantModel: "gpt-4o"},
		{name: "literal model", provider: "remote", model: "o3", wantProvider: "remote", wantModel: "o3"},
		{name: "profile", profile: "coder", wantProvider: "remote", wantModel: "gpt-4o"},
		{name: "flags beat profile", provider: "local", model: "qwen3", profile: "coder", wantProvider: "local", wantModel: "qwen3"},
		{name: "unknown provider", provider: "nope", wantErr: true},
		{name: "no default model", provider: "bare", wantErr: true},
		{name: "missing profile", profile: "ghost", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveTarget(tt.provider, tt.model, tt.profile)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveTarget() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.providerName != tt.wantProvider || got.model != tt.wantModel {
				t.Fatalf("resolveTarget() = %s/%s, want %s/%s", got.providerName, got.model, tt.wantProvider, tt.wantModel)
			}
		})
	}

	got, err := resolveTarget("", "", "coder")
	if err != nil {
		t.Fatal(err)
	}
	sc := got.sessionConfig()
	if sc.SystemPrompt != "you review code" || sc.MaxToolRounds != 3 {
		t.Fatalf("sessionConfig() = %+v, want the profile applied", sc)
	}
	if f := got.toolFilter(); len(f) != 1 || f[0] != "file_read" {
		t.Fatalf("toolFilter() = %v", f)
	}
}

func TestTitleAndTruncate(t *testing.T) {
	long := ""
	for range 100 {
		long += "é"
	}
	if got := titleFrom("  hello  "); got != "hello" {
		t.Errorf("titleFrom() = %q", got)
	}
	if got := []rune(titleFrom(long)); len(got) != 83 {
		t.Errorf("titleFrom(long) has %d runes, want 83", len(got))
	}
	if got := truncate("abcdef", 3); got != "abc.." {
		t.Errorf("truncate() = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID() = %q", got)
	}
}
