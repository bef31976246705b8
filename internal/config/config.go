package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/logging"
	"github.com/michaelbrown/convo/internal/session"
	"github.com/michaelbrown/convo/internal/tools"
)

// Provider kinds understood by the provider factory.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindAzure     = "azure"
	KindOllama    = "ollama"
)

type ProviderConfig struct {
	Kind       string            `mapstructure:"kind"`
	BaseURL    string            `mapstructure:"base_url"`
	APIKey     string            `mapstructure:"api_key"`
	Endpoint   string            `mapstructure:"endpoint"`
	APIVersion string            `mapstructure:"api_version"`
	MaxTokens  int64             `mapstructure:"max_tokens"`
	Seed       *int64            `mapstructure:"seed"`
	Models     map[string]string `mapstructure:"models"`
	// Capabilities overrides what the provider kind declares by default.
	Capabilities *llm.Capabilities `mapstructure:"capabilities"`
}

type AgentConfig struct {
	MaxRounds       int                 `mapstructure:"max_rounds"`
	ToolConcurrency int                 `mapstructure:"tool_concurrency"`
	ProfilesDir     string              `mapstructure:"profiles_dir"`
	SystemPrompt    string              `mapstructure:"system_prompt"`
	Echo            string              `mapstructure:"echo"`
	Retry           session.RetryPolicy `mapstructure:"retry"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type Config struct {
	Providers       map[string]ProviderConfig         `mapstructure:"providers"`
	DefaultProvider string                            `mapstructure:"default_provider"`
	Agent           AgentConfig                       `mapstructure:"agent"`
	Server          ServerConfig                      `mapstructure:"server"`
	Storage         StorageConfig                     `mapstructure:"storage"`
	Log             logging.Config                    `mapstructure:"log"`
	Tools           map[string]tools.ToolServerConfig `mapstructure:"tools"`
}

// Load reads convo.yaml from path, or from . and $HOME/.convo when path is
// empty. A missing default config file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("convo")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.convo")
	}
	v.SetEnvPrefix("convo")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	home, _ := os.UserHomeDir()
	v.SetDefault("default_provider", "ollama")
	v.SetDefault("providers.ollama.kind", KindOllama)
	v.SetDefault("providers.ollama.base_url", "http://localhost:11434/v1")
	v.SetDefault("providers.ollama.models.default", "llama3.2")
	v.SetDefault("agent.max_rounds", session.DefaultMaxToolRounds)
	v.SetDefault("agent.tool_concurrency", session.DefaultToolConcurrency)
	v.SetDefault("agent.profiles_dir", filepath.Join(home, ".convo", "profiles"))
	v.SetDefault("agent.echo", string(session.EchoNone))
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.db_path", filepath.Join(home, ".convo", "convo.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	for name, p := range cfg.Providers {
		p.APIKey = expandEnv(p.APIKey)
		p.Endpoint = expandEnv(p.Endpoint)
		if p.Kind == "" {
			p.Kind = KindOpenAI
			if p.IsOllama() {
				p.Kind = KindOllama
			}
		}
		cfg.Providers[name] = p
	}
	if _, err := session.ParseEchoMode(cfg.Agent.Echo); err != nil {
		return nil, fmt.Errorf("parsing config: agent.echo: %w", err)
	}

	return &cfg, nil
}

// expandEnv resolves values written as ${VAR}.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// IsOllama returns true if this provider looks like an Ollama instance.
func (p ProviderConfig) IsOllama() bool {
	return p.Kind == KindOllama || strings.Contains(p.BaseURL, ":11434") || strings.Contains(strings.ToLower(p.BaseURL), "ollama")
}

// Model resolves a model alias; an empty alias means "default". Names that
// are not aliases are returned unchanged.
func (p ProviderConfig) Model(alias string) string {
	if alias == "" {
		alias = "default"
	}
	if m, ok := p.Models[alias]; ok {
		return m
	}
	if alias == "default" {
		return ""
	}
	return alias
}

// Provider returns the config for a named provider, falling back to the default.
func (c *Config) Provider(name string) (string, ProviderConfig, error) {
	if name == "" {
		name = c.DefaultProvider
	}
	p, ok := c.Providers[name]
	if !ok {
		return name, ProviderConfig{}, fmt.Errorf("unknown provider: %s", name)
	}
	return name, p, nil
}

// SessionConfig returns the session settings from the agent section.
func (c *Config) SessionConfig() session.Config {
	echo, _ := session.ParseEchoMode(c.Agent.Echo)
	return session.Config{
		SystemPrompt:    c.Agent.SystemPrompt,
		MaxToolRounds:   c.Agent.MaxRounds,
		ToolConcurrency: c.Agent.ToolConcurrency,
		Echo:            echo,
		Retry:           c.Agent.Retry,
	}
}
