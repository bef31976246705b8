// Package sandbox runs model-written code in throwaway Docker containers.
package sandbox

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Language maps a language name to the image and command that run a
// source file mounted at /workspace/<File>.
type Language struct {
	Image   string
	File    string
	Command []string
}

// Policy bounds what a sandboxed run may use.
type Policy struct {
	Memory    string        // docker --memory value, e.g. "256m"
	Timeout   time.Duration // wall clock limit per run
	Network   bool
	Languages map[string]Language
}

// DefaultPolicy allows a few interpreters with no network.
func DefaultPolicy() Policy {
	return Policy{
		Memory:  "256m",
		Timeout: 30 * time.Second,
		Languages: map[string]Language{
			"python": {Image: "python:3.12-slim", File: "main.py", Command: []string{"python3", "main.py"}},
			"node":   {Image: "node:22-slim", File: "main.js", Command: []string{"node", "main.js"}},
			"go":     {Image: "golang:1.24-alpine", File: "main.go", Command: []string{"go", "run", "main.go"}},
			"ruby":   {Image: "ruby:3.3-slim", File: "main.rb", Command: []string{"ruby", "main.rb"}},
			"sh":     {Image: "alpine:3.20", File: "main.sh", Command: []string{"sh", "main.sh"}},
		},
	}
}

// Language returns the runtime for name.
func (p Policy) Language(name string) (Language, error) {
	lang, ok := p.Languages[name]
	if !ok {
		return Language{}, fmt.Errorf("unsupported language %q (have %v)", name, p.LanguageNames())
	}
	return lang, nil
}

// LanguageNames lists the allowed languages in sorted order.
func (p Policy) LanguageNames() []string {
	return slices.Sorted(maps.Keys(p.Languages))
}

// Request is one piece of code to run.
type Request struct {
	Language string
	Code     string
	Stdin    string
}

// Result is the output of a run. A non-zero ExitCode is not an error.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Runner executes code in isolation.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}
