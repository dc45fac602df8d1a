// Package httpapi serves the bearer-authenticated REST surface on the
// internal HTTP port: task delegation for external tools plus a GitHub
// access probe. Browser traffic never lands here; it goes through the
// front door to the UI and websocket proxy.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/falleco/open-commander/internal/config"
	"github.com/falleco/open-commander/internal/github"
	"github.com/falleco/open-commander/internal/jobs"
	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/store"
)

// KeyResolver resolves a presented bearer key to its owner's user id.
// *auth.KeyVerifier satisfies it.
type KeyResolver interface {
	VerifyKey(ctx context.Context, presented string) (string, error)
}

// RepoVerifier checks repository access with the server-side token.
// *github.Client satisfies it.
type RepoVerifier interface {
	VerifyAccess(ctx context.Context, repository string) (*github.AccessResult, error)
}

// Server handles the /api routes.
type Server struct {
	store     *store.Store
	keys      KeyResolver
	queue     jobs.Queue
	github    RepoVerifier
	cfg       *config.Config
	startedAt time.Time
}

// New creates a Server. The queue hands agent-backed tasks to the job
// runner; gh answers verify-access probes.
func New(st *store.Store, keys KeyResolver, queue jobs.Queue, gh RepoVerifier, cfg *config.Config) *Server {
	return &Server{
		store:     st,
		keys:      keys,
		queue:     queue,
		github:    gh,
		cfg:       cfg,
		startedAt: time.Now(),
	}
}

// Handler returns the route mux. Everything under /api requires a bearer
// key; /healthz does not.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/tasks", s.requireKey(s.handleListTasks))
	mux.HandleFunc("POST /api/tasks", s.requireKey(s.handleCreateTask))
	mux.HandleFunc("GET /api/tasks/{id}", s.requireKey(s.handleGetTask))
	mux.HandleFunc("POST /api/github/verify-access", s.requireKey(s.handleVerifyAccess))
	return mux
}

// authedHandler is an http.HandlerFunc that also receives the user id the
// presented key resolved to.
type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// requireKey enforces "Authorization: Bearer <key>". Missing, malformed
// and unknown keys all read the same to the caller.
func (s *Server) requireKey(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || key == "" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		userID, err := s.keys.VerifyKey(r.Context(), key)
		if err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

type healthResponse struct {
	Status    string `json:"status"`
	StartedAt string `json:"startedAt"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		StartedAt: s.startedAt.Format(time.RFC3339),
	})
}

type verifyAccessRequest struct {
	Repository string `json:"repository"`
}

// handleVerifyAccess reports whether the server token can reach a
// repository. Only malformed names fail the request; token and network
// trouble come back inside the result.
func (s *Server) handleVerifyAccess(w http.ResponseWriter, r *http.Request, _ string) {
	var req verifyAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	result, err := s.github.VerifyAccess(r.Context(), req.Repository)
	if err != nil {
		if errors.Is(err, github.ErrInvalidRepository) {
			http.Error(w, `{"error":"invalid repository"}`, http.StatusBadRequest)
			return
		}
		log.Error("verify-access failed", "repo", req.Repository, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeJSON marshals v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// event appends to the audit trail. Append failures are logged and
// dropped; the trail never blocks a response.
func (s *Server) event(eventType, actorID, subjectID string, data any) {
	if _, err := s.store.AppendEvent(eventType, &actorID, &subjectID, data); err != nil {
		log.Debug("appending event", "type", eventType, "error", err)
	}
}
