package wsproxy

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/store"
)

// handleSessions streams the project's live session list: one JSON array
// on connect and again whenever the session service broadcasts a change.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("pid")

	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("sessions upgrade failed", "error", err)
		return
	}
	defer client.Close()

	userID, ok := s.resolveUser(client, r)
	if !ok {
		return
	}

	project, err := s.store.ProjectByID(projectID)
	if err != nil || !project.AccessibleBy(userID) {
		log.Debug("sessions access refused", "project", projectID, "user", userID, "error", err)
		closeWith(client, websocket.ClosePolicyViolation, "Project not found or access denied")
		return
	}

	done := make(chan struct{})
	defer close(done)
	s.pushOnNotify(client, "sessions:"+projectID, done, func() ([]byte, error) {
		live, err := s.liveSessions(projectID, userID, project.Shared)
		if err != nil {
			return nil, err
		}
		return json.Marshal(live)
	})

	// Clients only listen here; reading just tracks liveness.
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			return
		}
	}
}

// liveSessions returns the project's pending, starting, and running
// sessions, restricted to the caller's own unless the project is shared.
func (s *Server) liveSessions(projectID, userID string, shared bool) ([]*store.Session, error) {
	all, err := s.store.SessionsByProject(projectID)
	if err != nil {
		return nil, err
	}

	live := make([]*store.Session, 0, len(all))
	for _, sess := range all {
		switch sess.Status {
		case store.SessionPending, store.SessionStarting, store.SessionRunning:
		default:
			continue
		}
		if !shared && sess.OwnerUserID != userID {
			continue
		}
		live = append(live, sess)
	}
	return live, nil
}
