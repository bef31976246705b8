// Package providers builds llm.Providers from configuration.
package providers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/michaelbrown/convo/internal/config"
	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/llm/anthropic"
	"github.com/michaelbrown/convo/internal/llm/openai"
)

// ModelLister is implemented by providers that can enumerate models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]llm.ModelInfo, error)
}

// Option adjusts construction.
type Option func(*options)

type options struct {
	httpClient *http.Client
}

// WithHTTPClient routes provider traffic through c.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New builds the provider called name. model is an alias from the
// provider's models map or a literal model name; empty means the default.
func New(cfg *config.Config, name, model string, opts ...Option) (llm.Provider, error) {
	name, pc, err := cfg.Provider(name)
	if err != nil {
		return nil, err
	}
	return Build(name, pc, model, opts...)
}

// Build creates a provider from a single provider section.
func Build(name string, pc config.ProviderConfig, model string, opts ...Option) (llm.Provider, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	resolved := pc.Model(model)
	if resolved == "" {
		return nil, fmt.Errorf("provider %s: no model given and no default configured", name)
	}
	var caps llm.Capabilities
	if pc.Capabilities != nil {
		caps = *pc.Capabilities
	}

	switch pc.Kind {
	case config.KindOpenAI, config.KindOllama, "":
		return openai.New(openai.Config{
			Name:         name,
			BaseURL:      pc.BaseURL,
			APIKey:       apiKey(pc),
			Model:        resolved,
			MaxTokens:    pc.MaxTokens,
			Seed:         pc.Seed,
			Ollama:       pc.IsOllama(),
			Capabilities: caps,
			HTTPClient:   o.httpClient,
		}), nil
	case config.KindAzure:
		if pc.Endpoint == "" || pc.APIVersion == "" {
			return nil, fmt.Errorf("provider %s: azure needs endpoint and api_version", name)
		}
		return openai.NewAzure(openai.Config{
			Name:         name,
			APIKey:       pc.APIKey,
			Model:        resolved,
			MaxTokens:    pc.MaxTokens,
			Seed:         pc.Seed,
			Capabilities: caps,
			HTTPClient:   o.httpClient,
		}, pc.Endpoint, pc.APIVersion), nil
	case config.KindAnthropic:
		return anthropic.New(anthropic.Config{
			Name:         name,
			BaseURL:      pc.BaseURL,
			APIKey:       pc.APIKey,
			Model:        resolved,
			MaxTokens:    pc.MaxTokens,
			Capabilities: caps,
			HTTPClient:   o.httpClient,
		}), nil
	}
	return nil, fmt.Errorf("provider %s: unknown kind %q", name, pc.Kind)
}

// Ollama ignores the key but the client requires one.
func apiKey(pc config.ProviderConfig) string {
	if pc.APIKey == "" && pc.IsOllama() {
		return "ollama"
	}
	return pc.APIKey
}

// ListModels lists the models of p, if it supports listing.
func ListModels(ctx context.Context, p llm.Provider) ([]llm.ModelInfo, error) {
	l, ok := p.(ModelLister)
	if !ok {
		return nil, &llm.UnsupportedCapabilityError{Provider: p.Name(), Capability: "list models"}
	}
	return l.ListModels(ctx)
}
