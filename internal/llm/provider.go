package llm

import (
	"context"
	"iter"
)

// Capabilities declares what a provider accepts.
type Capabilities struct {
	AcceptsImages     bool `json:"images" mapstructure:"images"`
	AcceptsTools      bool `json:"tools" mapstructure:"tools"`
	SupportsStreaming bool `json:"streaming" mapstructure:"streaming"`
}

// Provider is a model backend. Implementations normalize their wire format
// into Turns and Deltas and never mutate the history they are given.
type Provider interface {
	Name() string
	Capabilities() Capabilities

	// Submit sends the history and blocks for one complete assistant turn.
	Submit(ctx context.Context, history []Turn, tools []ToolDef) (Turn, error)

	// Stream sends the history and yields deltas of one assistant turn as
	// they arrive. The sequence is single-pass; breaking out of it closes
	// the underlying connection.
	Stream(ctx context.Context, history []Turn, tools []ToolDef) iter.Seq2[Delta, error]
}

// CheckCapabilities fails fast when history or tools need something the
// provider cannot do. Without tool support, answered tool requests are
// allowed: providers send them as text (see ToolTurnsAsText).
func CheckCapabilities(provider string, caps Capabilities, history []Turn, tools []ToolDef) error {
	if !caps.AcceptsTools {
		if len(tools) > 0 || len(UnresolvedRequests(history)) > 0 {
			return &UnsupportedCapabilityError{Provider: provider, Capability: "tools"}
		}
	}
	if !caps.AcceptsImages {
		for _, t := range history {
			if t.HasImages() {
				return &UnsupportedCapabilityError{Provider: provider, Capability: "images"}
			}
		}
	}
	return nil
}

// ErrorSeq yields a single error.
func ErrorSeq(err error) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		yield(Delta{}, err)
	}
}
