package main

import (
	"context"
	"fmt"

	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/providers"
	"github.com/michaelbrown/convo/internal/session"
	"github.com/michaelbrown/convo/internal/storage"
	"github.com/michaelbrown/convo/internal/storage/sqlite"
	"github.com/michaelbrown/convo/internal/tools"
	"github.com/michaelbrown/convo/internal/tools/builtin"
)

func openStore() (storage.Store, error) {
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

// newRegistry starts the configured MCP tool servers. Without any, the
// builtin tools are served in-process.
func newRegistry(ctx context.Context) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	for name, toolCfg := range cfg.Tools {
		if err := registry.RegisterServer(ctx, name, toolCfg); err != nil {
			logger.Warn("failed to start tool server", "server", name, "error", err)
		}
	}
	if registry.HasTools() {
		return registry, nil
	}
	if err := builtin.Register(registry); err != nil {
		registry.Close()
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}
	return registry, nil
}

// target is what a session runs against, resolved from flags, the profile
// and the config, in that order.
type target struct {
	providerName string
	model        string
	profile      *session.Profile
}

func resolveTarget(providerName, model, profileName string) (target, error) {
	var t target
	if profileName != "" {
		p, err := session.FindProfile(cfg.Agent.ProfilesDir, profileName)
		if err != nil {
			return t, fmt.Errorf("loading profile: %w", err)
		}
		t.profile = p
		if providerName == "" {
			providerName = p.Provider
		}
		if model == "" {
			model = p.Model
		}
	}
	name, pc, err := cfg.Provider(providerName)
	if err != nil {
		return t, err
	}
	t.providerName = name
	t.model = pc.Model(model)
	if t.model == "" {
		return t, fmt.Errorf("provider %s: no model given and no default configured", name)
	}
	return t, nil
}

func (t target) provider() (llm.Provider, error) {
	return providers.New(cfg, t.providerName, t.model)
}

// sessionConfig merges the agent section with the profile.
func (t target) sessionConfig() session.Config {
	sc := cfg.SessionConfig()
	sc.Logger = logger
	if t.profile != nil {
		t.profile.Apply(&sc)
	}
	return sc
}

func (t target) toolFilter() []string {
	if t.profile == nil {
		return nil
	}
	return t.profile.Tools
}
