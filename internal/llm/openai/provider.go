// Package openai adapts OpenAI chat completions, and any OpenAI-compatible
// endpoint such as Ollama or Azure OpenAI, to llm.Provider.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"

	"github.com/michaelbrown/convo/internal/llm"
)

// Config describes one OpenAI-compatible endpoint.
type Config struct {
	Name         string
	BaseURL      string
	APIKey       string
	Model        string
	MaxTokens    int64
	Seed         *int64
	Ollama       bool
	Capabilities llm.Capabilities
	HTTPClient   *http.Client
}

// DefaultCapabilities is what chat completion models accept.
var DefaultCapabilities = llm.Capabilities{AcceptsImages: true, AcceptsTools: true, SupportsStreaming: true}

// Provider implements llm.Provider over the chat completions API.
type Provider struct {
	client    openai.Client
	name      string
	model     string
	baseURL   string
	maxTokens int64
	seed      *int64
	ollama    bool
	caps      llm.Capabilities
}

// New creates a provider for OpenAI or an OpenAI-compatible API.
func New(cfg Config) *Provider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return newProvider(cfg, openai.NewClient(opts...))
}

// NewAzure creates a provider for an Azure OpenAI deployment. cfg.Model is
// the deployment name.
func NewAzure(cfg Config, endpoint, apiVersion string) *Provider {
	opts := []option.RequestOption{
		azure.WithEndpoint(endpoint, apiVersion),
		azure.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return newProvider(cfg, openai.NewClient(opts...))
}

func newProvider(cfg Config, client openai.Client) *Provider {
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	caps := cfg.Capabilities
	if caps == (llm.Capabilities{}) {
		caps = DefaultCapabilities
	}
	return &Provider{
		client:    client,
		name:      name,
		model:     cfg.Model,
		baseURL:   cfg.BaseURL,
		maxTokens: cfg.MaxTokens,
		seed:      cfg.Seed,
		ollama:    cfg.Ollama,
		caps:      caps,
	}
}

func (p *Provider) Name() string                   { return p.name }
func (p *Provider) Capabilities() llm.Capabilities { return p.caps }

// Model returns the model id sent with every request.
func (p *Provider) Model() string { return p.model }

// Submit sends the history and returns the normalized assistant turn.
func (p *Provider) Submit(ctx context.Context, history []llm.Turn, tools []llm.ToolDef) (llm.Turn, error) {
	params, err := p.params(history, tools)
	if err != nil {
		return llm.Turn{}, err
	}
	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Turn{}, classifyError(p.name, err)
	}
	turn, err := NormalizeCompletion(*completion)
	if err != nil {
		return llm.Turn{}, withProvider(err, p.name)
	}
	return turn, nil
}

func (p *Provider) params(history []llm.Turn, tools []llm.ToolDef) (openai.ChatCompletionNewParams, error) {
	if err := llm.CheckCapabilities(p.name, p.caps, history, tools); err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	if !p.caps.AcceptsTools {
		history = llm.ToolTurnsAsText(history)
	}
	messages, err := ExportTurns(history)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    p.model,
		Messages: messages,
	}
	if len(tools) > 0 {
		params.Tools = ExportTools(tools)
	}
	if name, ok := llm.ForcedTool(tools); ok {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionParamOfChatCompletionNamedToolChoice(
			openai.ChatCompletionNamedToolChoiceFunctionParam{Name: name})
	}
	if p.maxTokens > 0 {
		params.MaxTokens = openai.Int(p.maxTokens)
	}
	if p.seed != nil {
		params.Seed = openai.Int(*p.seed)
	}
	return params, nil
}

// ListModels returns the models the endpoint serves. Ollama endpoints are
// queried through their native /api/tags route.
func (p *Provider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	if p.ollama {
		return ListOllamaModels(ctx, p.baseURL)
	}
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, classifyError(p.name, err)
	}
	models := make([]llm.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, llm.ModelInfo{Name: m.ID})
	}
	return models, nil
}

// ListOllamaModels queries Ollama's native /api/tags endpoint.
// The baseURL is expected to end with /v1/ (OpenAI-compat); that suffix is
// stripped to reach the native API.
func ListOllamaModels(ctx context.Context, baseURL string) ([]llm.ModelInfo, error) {
	base := strings.TrimRight(baseURL, "/")
	base = strings.TrimSuffix(base, "/v1")
	url := base + "/api/tags"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, llm.TransportError("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		kind, retryable := llm.KindForStatus(resp.StatusCode)
		return nil, &llm.ProviderError{
			Provider:   "ollama",
			Kind:       kind,
			Retryable:  retryable,
			StatusCode: resp.StatusCode,
			Message:    "listing models failed",
			Raw:        string(body),
		}
	}

	var result struct {
		Models []struct {
			Name       string `json:"name"`
			Size       int64  `json:"size"`
			ModifiedAt string `json:"modified_at"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	models := make([]llm.ModelInfo, len(result.Models))
	for i, m := range result.Models {
		models[i] = llm.ModelInfo{
			Name:       m.Name,
			Size:       m.Size,
			ModifiedAt: m.ModifiedAt,
		}
	}
	return models, nil
}
