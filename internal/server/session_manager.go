package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/michaelbrown/convo/internal/config"
	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/session"
	"github.com/michaelbrown/convo/internal/storage"
	"github.com/michaelbrown/convo/internal/tools"
)

// ProviderFactory builds the provider for a conversation.
type ProviderFactory func(provider, model string) (llm.Provider, error)

// ActiveSession is a conversation loaded into memory.
type ActiveSession struct {
	Session *session.Session
	Conv    *storage.Conversation

	mu     sync.Mutex
	cancel context.CancelFunc
}

// begin registers the cancel func of a new ask; it fails if one is running.
func (as *ActiveSession) begin(cancel context.CancelFunc) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.cancel != nil {
		return false
	}
	as.cancel = cancel
	return true
}

func (as *ActiveSession) end() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.cancel = nil
}

// Cancel stops the in-flight ask, if any.
func (as *ActiveSession) Cancel() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.cancel != nil {
		as.cancel()
	}
}

// SessionManager tracks which conversations have a Session in memory.
type SessionManager struct {
	cfg         *config.Config
	store       storage.Store
	registry    *tools.Registry
	newProvider ProviderFactory
	log         *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*ActiveSession
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager(cfg *config.Config, store storage.Store, registry *tools.Registry, newProvider ProviderFactory, log *slog.Logger) *SessionManager {
	return &SessionManager{
		cfg:         cfg,
		store:       store,
		registry:    registry,
		newProvider: newProvider,
		log:         log,
		sessions:    make(map[string]*ActiveSession),
	}
}

// Get returns an active session if it exists.
func (sm *SessionManager) Get(id string) (*ActiveSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	as, ok := sm.sessions[id]
	return as, ok
}

// GetOrCreate returns the active session for conv, restoring it from the
// store on first use.
func (sm *SessionManager) GetOrCreate(ctx context.Context, conv *storage.Conversation) (*ActiveSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if as, ok := sm.sessions[conv.ID]; ok {
		return as, nil
	}

	scfg := sm.cfg.SessionConfig()
	scfg.Echo = session.EchoNone
	scfg.Logger = sm.log.With("conversation", conv.ID)

	var allow []string
	if conv.Profile != "" {
		profile, err := session.FindProfile(sm.cfg.Agent.ProfilesDir, conv.Profile)
		if err != nil {
			return nil, fmt.Errorf("loading profile: %w", err)
		}
		profile.Apply(&scfg)
		scfg.Echo = session.EchoNone
		allow = profile.Tools
	}
	if conv.SystemPrompt != "" {
		scfg.SystemPrompt = conv.SystemPrompt
	}

	provider, err := sm.newProvider(conv.Provider, conv.Model)
	if err != nil {
		return nil, fmt.Errorf("resolving provider: %w", err)
	}

	turns, err := sm.store.LoadTurns(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}
	s, err := session.New(provider, sm.registry, scfg, turns...)
	if err != nil {
		return nil, fmt.Errorf("restoring session: %w", err)
	}
	s.FilterTools(allow)

	as := &ActiveSession{Session: s, Conv: conv}
	sm.sessions[conv.ID] = as
	return as, nil
}

// Remove drops an active session and cancels any in-flight work.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if as, ok := sm.sessions[id]; ok {
		as.Cancel()
		delete(sm.sessions, id)
	}
}

// CloseAll cancels all active sessions.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for id, as := range sm.sessions {
		as.Cancel()
		delete(sm.sessions, id)
	}
}

// persist saves the session's turns and usage to the store.
func (sm *SessionManager) persist(ctx context.Context, as *ActiveSession, status storage.Status) error {
	if err := sm.store.SaveTurns(ctx, as.Conv.ID, as.Session.History()); err != nil {
		return fmt.Errorf("saving turns: %w", err)
	}
	as.Conv.Status = status
	as.Conv.SystemPrompt = as.Session.SystemPrompt()
	as.Conv.Usage = as.Session.TotalUsage()
	return sm.store.Update(ctx, as.Conv)
}
