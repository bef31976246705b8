package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/convo/internal/config"
	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/llm/anthropic"
	"github.com/michaelbrown/convo/internal/llm/llmtest"
	"github.com/michaelbrown/convo/internal/llm/openai"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		DefaultProvider: "local",
		Providers: map[string]config.ProviderConfig{
			"local": {Kind: config.KindOllama, BaseURL: baseURL, Models: map[string]string{"default": "llama3.2"}},
			"claude": {Kind: config.KindAnthropic, APIKey: "k", Models: map[string]string{"default": "claude-sonnet-4-5"},
				Capabilities: &llm.Capabilities{AcceptsTools: true, SupportsStreaming: true}},
			"azure":    {Kind: config.KindAzure, APIKey: "k", Endpoint: "https://example.openai.azure.com", APIVersion: "2024-06-01"},
			"bad-az":   {Kind: config.KindAzure, APIKey: "k"},
			"mystery":  {Kind: "palm", Models: map[string]string{"default": "x"}},
			"no-model": {Kind: config.KindOpenAI},
		},
	}
}

func TestNewByKind(t *testing.T) {
	cfg := testConfig("http://localhost:11434/v1")

	p, err := New(cfg, "", "")
	require.NoError(t, err)
	op, ok := p.(*openai.Provider)
	require.True(t, ok)
	require.Equal(t, "local", op.Name())
	require.Equal(t, "llama3.2", op.Model())

	p, err = New(cfg, "claude", "claude-opus-4-1")
	require.NoError(t, err)
	ap, ok := p.(*anthropic.Provider)
	require.True(t, ok)
	require.Equal(t, "claude-opus-4-1", ap.Model())
	require.False(t, ap.Capabilities().AcceptsImages)

	p, err = New(cfg, "azure", "gpt-4o-deployment")
	require.NoError(t, err)
	require.Equal(t, "azure", p.Name())
}

func TestNewErrors(t *testing.T) {
	cfg := testConfig("http://localhost:11434/v1")
	tests := []struct{ name, model string }{
		{"bad-az", "deployment"},
		{"mystery", ""},
		{"no-model", ""},
		{"absent", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(cfg, tt.name, tt.model)
			require.Error(t, err)
		})
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[{"name":"llama3.2","size":2019393189,"modified_at":"2025-01-01T00:00:00Z"}]}`)
	}))
	defer srv.Close()

	p, err := New(testConfig(srv.URL+"/v1"), "local", "")
	require.NoError(t, err)
	models, err := ListModels(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, models, 1)
	require.Equal(t, "llama3.2", models[0].Name)

	_, err = ListModels(context.Background(), llmtest.New())
	var capErr *llm.UnsupportedCapabilityError
	require.True(t, errors.As(err, &capErr))
}
