package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is a named preset for a session.
type Profile struct {
	Name         string   `yaml:"name"`
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
	SystemPrompt string   `yaml:"system_prompt"`
	Tools        []string `yaml:"tools"`
	MaxRounds    int      `yaml:"max_rounds"`
	Echo         EchoMode `yaml:"echo"`
}

// Apply copies the profile's non-empty settings onto cfg.
func (p *Profile) Apply(cfg *Config) {
	if p.SystemPrompt != "" {
		cfg.SystemPrompt = p.SystemPrompt
	}
	if p.MaxRounds != 0 {
		cfg.MaxToolRounds = p.MaxRounds
	}
	if p.Echo != "" {
		cfg.Echo = p.Echo
	}
}

// LoadProfile reads a profile from a YAML file. The name defaults to the
// file name without extension.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if p.Echo != "" {
		if p.Echo, err = ParseEchoMode(string(p.Echo)); err != nil {
			return nil, fmt.Errorf("profile %s: %w", path, err)
		}
	}
	return &p, nil
}

// FindProfile loads <dir>/<name>.yaml, falling back to .yml.
func FindProfile(dir, name string) (*Profile, error) {
	path := filepath.Join(dir, name+".yaml")
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(dir, name+".yml")
	}
	return LoadProfile(path)
}
