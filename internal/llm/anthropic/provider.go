// Package anthropic adapts the Anthropic Messages API to llm.Provider.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/michaelbrown/convo/internal/llm"
)

const defaultMaxTokens = 4096

// Config describes an Anthropic endpoint.
type Config struct {
	Name         string
	BaseURL      string
	APIKey       string
	Model        string
	MaxTokens    int64
	Capabilities llm.Capabilities
	HTTPClient   *http.Client
}

// DefaultCapabilities is what Claude models accept.
var DefaultCapabilities = llm.Capabilities{AcceptsImages: true, AcceptsTools: true, SupportsStreaming: true}

// Provider implements llm.Provider over the Messages API.
type Provider struct {
	client    anthropic.Client
	name      string
	model     string
	maxTokens int64
	caps      llm.Capabilities
}

// New creates an Anthropic provider.
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
	name := cfg.Name
	if name == "" {
		name = "anthropic"
	}
	caps := cfg.Capabilities
	if caps == (llm.Capabilities{}) {
		caps = DefaultCapabilities
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Provider{
		client:    anthropic.NewClient(opts...),
		name:      name,
		model:     cfg.Model,
		maxTokens: maxTokens,
		caps:      caps,
	}
}

func (p *Provider) Name() string                   { return p.name }
func (p *Provider) Capabilities() llm.Capabilities { return p.caps }

// Model returns the model id sent with every request.
func (p *Provider) Model() string { return p.model }

func (p *Provider) params(history []llm.Turn, tools []llm.ToolDef) (anthropic.MessageNewParams, error) {
	if err := llm.CheckCapabilities(p.name, p.caps, history, tools); err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if !p.caps.AcceptsTools {
		history = llm.ToolTurnsAsText(history)
	}
	system, messages, err := ExportTurns(history)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  messages,
		System:    system,
	}
	if len(tools) > 0 {
		params.Tools = ExportTools(tools)
	}
	if name, ok := llm.ForcedTool(tools); ok {
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: name}}
	}
	return params, nil
}

// Submit sends the history and returns the normalized assistant turn.
func (p *Provider) Submit(ctx context.Context, history []llm.Turn, tools []llm.ToolDef) (llm.Turn, error) {
	params, err := p.params(history, tools)
	if err != nil {
		return llm.Turn{}, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Turn{}, classifyError(p.name, err)
	}
	turn, err := NormalizeMessage(*msg)
	if err != nil {
		return llm.Turn{}, withProvider(err, p.name)
	}
	return turn, nil
}

// Stream yields normalized deltas for each server-sent event.
func (p *Provider) Stream(ctx context.Context, history []llm.Turn, tools []llm.ToolDef) iter.Seq2[llm.Delta, error] {
	return func(yield func(llm.Delta, error) bool) {
		params, err := p.params(history, tools)
		if err != nil {
			yield(llm.Delta{}, err)
			return
		}
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		message := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				yield(llm.Delta{}, &llm.NormalizationError{Provider: p.name, Reason: err.Error(), Raw: event.RawJSON()})
				return
			}
			deltas, err := NormalizeEvent(event)
			if err != nil {
				yield(llm.Delta{}, withProvider(err, p.name))
				return
			}
			for _, d := range deltas {
				if !yield(d, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield(llm.Delta{}, classifyError(p.name, err))
			return
		}

		var meta *llm.Metadata
		if raw, err := json.Marshal(message); err == nil {
			meta = &llm.Metadata{Raw: raw}
		}
		yield(llm.EndDelta(meta), nil)
	}
}

func classifyError(provider string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		kind, retryable := llm.KindForStatus(apiErr.StatusCode)
		return &llm.ProviderError{
			Provider:   provider,
			Kind:       kind,
			Retryable:  retryable,
			StatusCode: apiErr.StatusCode,
			Message:    err.Error(),
			Raw:        apiErr.RawJSON(),
			Cause:      err,
		}
	}
	return llm.TransportError(provider, err)
}

func withProvider(err error, provider string) error {
	var ne *llm.NormalizationError
	if errors.As(err, &ne) {
		ne.Provider = provider
	}
	return err
}

// ListModels returns the models available to the API key.
func (p *Provider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	page, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(100)})
	if err != nil {
		return nil, classifyError(p.name, err)
	}
	models := make([]llm.ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, llm.ModelInfo{Name: m.ID, ModifiedAt: m.CreatedAt.Format(time.RFC3339)})
	}
	return models, nil
}
