package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/providers"
	"github.com/michaelbrown/convo/internal/session"
	"github.com/michaelbrown/convo/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// errorStatus maps session and provider errors to HTTP statuses.
func errorStatus(err error) int {
	var unsupported *llm.UnsupportedCapabilityError
	var loop *session.ToolLoopExceededError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.As(err, &unsupported):
		return http.StatusBadRequest
	case errors.As(err, &loop):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	if pe, ok := llm.AsProviderError(err); ok {
		switch pe.Kind {
		case llm.KindRateLimit:
			return http.StatusTooManyRequests
		case llm.KindInvalidRequest:
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// conversation loads the conversation named in the URL, writing the error
// response itself when that fails.
func (s *Server) conversation(w http.ResponseWriter, r *http.Request) (*storage.Conversation, bool) {
	conv, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return nil, false
	}
	return conv, true
}

// --- Conversation handlers ---

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{}

	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.Status(status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	convs, err := s.store.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if convs == nil {
		convs = []storage.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

type createConversationRequest struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Profile      string `json:"profile"`
	Title        string `json:"title"`
	SystemPrompt string `json:"system_prompt"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	name, pc, err := s.cfg.Provider(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	model := pc.Model(req.Model)
	if model == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("provider %s has no default model", name))
		return
	}
	if req.Profile != "" {
		if _, err := session.FindProfile(s.cfg.Agent.ProfilesDir, req.Profile); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	conv := &storage.Conversation{
		ID:           uuid.New().String(),
		Title:        req.Title,
		Status:       storage.StatusActive,
		Provider:     name,
		Model:        model,
		Profile:      req.Profile,
		SystemPrompt: req.SystemPrompt,
	}

	if err := s.store.Create(r.Context(), conv); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}

	s.sessions.Remove(conv.ID)

	if err := s.store.Delete(r.Context(), conv.ID); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Turn handlers ---

func (s *Server) handleGetTurns(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}

	turns, err := s.store.LoadTurns(r.Context(), conv.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if turns == nil {
		turns = []llm.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

// messageRequest is user input: text plus optional image URLs, which may
// be data URLs.
type messageRequest struct {
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

func (m messageRequest) contents() ([]llm.Content, error) {
	var out []llm.Content
	if strings.TrimSpace(m.Content) != "" {
		out = append(out, llm.Text{Value: m.Content})
	}
	for _, u := range m.Images {
		img, err := llm.NewImageURL(u, llm.ParseImageDetail(m.Detail))
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	if len(out) == 0 {
		return nil, errors.New("content is required")
	}
	return out, nil
}

type sendMessageResponse struct {
	Turn  llm.Turn  `json:"turn"`
	Usage llm.Usage `json:"usage"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	input, err := req.contents()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	as, err := s.sessions.GetOrCreate(r.Context(), conv)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("initializing session: %v", err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if !as.begin(cancel) {
		writeError(w, http.StatusConflict, session.ErrBusy.Error())
		return
	}
	defer as.end()

	s.startAsk(r.Context(), as, req.Content)

	turn, err := as.Session.Chat(ctx, input...)
	if saveErr := s.finishAsk(context.WithoutCancel(r.Context()), as, err); saveErr != nil {
		writeError(w, http.StatusInternalServerError, saveErr.Error())
		return
	}
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sendMessageResponse{Turn: turn, Usage: as.Session.TotalUsage()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	if as, ok := s.sessions.Get(conv.ID); ok {
		as.Cancel()
	}
	w.WriteHeader(http.StatusNoContent)
}

// startAsk marks the conversation running and titles it from the first
// message.
func (s *Server) startAsk(ctx context.Context, as *ActiveSession, content string) {
	if as.Conv.Title == "" {
		as.Conv.Title = generateTitle(content)
	}
	as.Conv.Status = storage.StatusRunning
	if err := s.store.Update(ctx, as.Conv); err != nil {
		s.log.Warn("marking conversation running", "conversation", as.Conv.ID, "error", err)
	}
}

// finishAsk persists the outcome of an ask. History is saved on failure
// too, since tool rounds committed before the error are kept.
func (s *Server) finishAsk(ctx context.Context, as *ActiveSession, askErr error) error {
	status := storage.StatusCompleted
	if askErr != nil {
		status = storage.StatusFailed
		s.log.Warn("ask failed", "conversation", as.Conv.ID, "error", askErr)
	}
	if err := s.sessions.persist(ctx, as, status); err != nil {
		s.log.Error("saving conversation", "conversation", as.Conv.ID, "error", err)
		return fmt.Errorf("saving conversation: %w", err)
	}
	return nil
}

// --- Export ---

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	turns, err := s.store.LoadTurns(r.Context(), conv.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	q := r.URL.Query()
	opts := storage.ExportOptions{
		IncludeTools:        q.Get("tools") == "true",
		IncludeSystemPrompt: q.Get("system") == "true",
	}

	switch format := q.Get("format"); format {
	case "", "md", "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, storage.ExportMarkdown(conv, turns, opts))
	case "html":
		page, err := storage.ExportHTML(conv, turns, opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, page)
	case "json":
		data, err := storage.ExportJSON(conv, turns)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	default:
		writeError(w, http.StatusBadRequest, "unknown export format: "+format)
	}
}

// --- Provider/Model handlers ---

type providerInfo struct {
	Name     string            `json:"name"`
	Kind     string            `json:"kind"`
	Models   map[string]string `json:"models"`
	IsOllama bool              `json:"is_ollama"`
	Default  bool              `json:"default"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	infos := []providerInfo{}
	for name, p := range s.cfg.Providers {
		infos = append(infos, providerInfo{
			Name:     name,
			Kind:     p.Kind,
			Models:   p.Models,
			IsOllama: p.IsOllama(),
			Default:  name == s.cfg.DefaultProvider,
		})
	}
	slices.SortFunc(infos, func(a, b providerInfo) int { return strings.Compare(a.Name, b.Name) })
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	name, pc, err := s.cfg.Provider(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	// Ask the provider itself when it can enumerate models.
	if p, err := s.newProvider(name, ""); err == nil {
		models, err := providers.ListModels(r.Context(), p)
		var unsupported *llm.UnsupportedCapabilityError
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, models)
			return
		case !errors.As(err, &unsupported):
			writeError(w, http.StatusBadGateway, fmt.Sprintf("querying models: %v", err))
			return
		}
	}

	// Otherwise return the configured aliases.
	models := []llm.ModelInfo{}
	for alias, model := range pc.Models {
		models = append(models, llm.ModelInfo{Name: model, ModifiedAt: alias})
	}
	slices.SortFunc(models, func(a, b llm.ModelInfo) int { return strings.Compare(a.Name, b.Name) })
	writeJSON(w, http.StatusOK, models)
}

// generateTitle creates a conversation title from the first user message.
func generateTitle(firstMessage string) string {
	t := strings.TrimSpace(firstMessage)
	if t == "" {
		return "Untitled"
	}
	if r := []rune(t); len(r) > 80 {
		t = string(r[:80]) + "..."
	}
	return t
}
