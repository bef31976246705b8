package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/storage"

	_ "modernc.org/sqlite"
)

// Store implements storage.Store backed by a SQLite database.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

const conversationColumns = `id, title, status, provider, model, profile, system_prompt, usage, created_at, updated_at`

func (s *Store) Create(ctx context.Context, c *storage.Conversation) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = storage.StatusActive
	}
	usage, err := json.Marshal(c.Usage)
	if err != nil {
		return fmt.Errorf("marshaling usage: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Status, c.Provider, c.Model, c.Profile, c.SystemPrompt, string(usage),
		c.CreatedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_turns (conversation_id, turns) VALUES (?, '[]')`, c.ID); err != nil {
		return fmt.Errorf("inserting turns: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (*storage.Conversation, error) {
	// Try exact match first, then prefix match
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous conversation prefix %q matches %d conversations", id, len(matches))
	}
}

func (s *Store) List(ctx context.Context, opts storage.ListOptions) ([]storage.Conversation, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	var args []any

	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}

	query += ` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []storage.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, c *storage.Conversation) error {
	c.UpdatedAt = time.Now().UTC()
	usage, err := json.Marshal(c.Usage)
	if err != nil {
		return fmt.Errorf("marshaling usage: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, status = ?, system_prompt = ?, usage = ?, updated_at = ?
		WHERE id = ?`,
		c.Title, c.Status, c.SystemPrompt, string(usage), c.UpdatedAt.Format(time.RFC3339), c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, c.ID)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	// Resolve prefix first
	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_turns WHERE conversation_id = ?`, c.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, c.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SaveTurns(ctx context.Context, id string, turns []llm.Turn) error {
	kept := make([]llm.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role != llm.RoleSystem {
			kept = append(kept, t)
		}
	}
	data, err := json.Marshal(kept)
	if err != nil {
		return fmt.Errorf("marshaling turns: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (conversation_id, turns, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET turns = excluded.turns, updated_at = excluded.updated_at`,
		id, string(data), now,
	)
	if err != nil {
		return fmt.Errorf("saving turns: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, id)
	return err
}

func (s *Store) LoadTurns(ctx context.Context, id string) ([]llm.Turn, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT turns FROM conversation_turns WHERE conversation_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}

	var turns []llm.Turn
	if err := json.Unmarshal([]byte(data), &turns); err != nil {
		return nil, fmt.Errorf("unmarshaling turns: %w", err)
	}
	return turns, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// scanner works with both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*storage.Conversation, error) {
	var c storage.Conversation
	var usage, createdAt, updatedAt string
	err := s.Scan(&c.ID, &c.Title, &c.Status, &c.Provider, &c.Model, &c.Profile,
		&c.SystemPrompt, &usage, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(usage), &c.Usage); err != nil {
		return nil, fmt.Errorf("unmarshaling usage: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &c, nil
}
