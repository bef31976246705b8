// Package storage persists conversations for the front ends. The session
// engine itself keeps no state on disk; callers save the turn list here.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/convo/internal/llm"
)

// ErrNotFound is returned when no conversation matches an id or prefix.
var ErrNotFound = errors.New("conversation not found")

// Status represents the lifecycle state of a conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Conversation is the metadata for a saved conversation.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Status       Status    `json:"status"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Profile      string    `json:"profile"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Usage        llm.Usage `json:"usage"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListOptions controls filtering and pagination for List.
type ListOptions struct {
	Status Status
	Limit  int
	Offset int
}

// Store is the persistence interface for conversations and their turns.
type Store interface {
	// Create inserts a conversation. The ID field must be set by the caller.
	Create(ctx context.Context, c *Conversation) error

	// Get returns a conversation by ID or unique ID prefix.
	Get(ctx context.Context, id string) (*Conversation, error)

	// List returns conversations ordered by updated_at descending.
	List(ctx context.Context, opts ListOptions) ([]Conversation, error)

	// Update writes the mutable fields (title, status, system prompt, usage).
	Update(ctx context.Context, c *Conversation) error

	// Delete removes a conversation and its turns.
	Delete(ctx context.Context, id string) error

	// SaveTurns overwrites the stored turns of a conversation. System turns
	// are not stored; the prompt lives on the Conversation.
	SaveTurns(ctx context.Context, id string, turns []llm.Turn) error

	// LoadTurns returns the stored turns of a conversation.
	LoadTurns(ctx context.Context, id string) ([]llm.Turn, error)

	// Close releases resources.
	Close() error
}
