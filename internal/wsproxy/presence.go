package wsproxy

import (
	"encoding/json"
	"net/http"

	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/presence"
)

// presenceFrame is what the browser sends on a presence socket.
type presenceFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Status    string `json:"status,omitempty"`
}

// handlePresence fans the project's presence list out to the client and
// feeds its heartbeat and leave frames into the tracker.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("pid")

	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("presence upgrade failed", "error", err)
		return
	}
	defer client.Close()

	userID, ok := s.resolveUser(client, r)
	if !ok {
		return
	}

	done := make(chan struct{})
	defer close(done)
	s.pushOnNotify(client, "presence:"+projectID, done, func() ([]byte, error) {
		entries := s.presence.List(projectID)
		if entries == nil {
			entries = []presence.Entry{}
		}
		return json.Marshal(entries)
	})

	// The socket dropping counts as leaving with whatever the client
	// last asserted.
	var lastSession string
	defer func() {
		s.presence.Leave(projectID, userID, lastSession)
	}()

	for {
		_, data, err := client.ReadMessage()
		if err != nil {
			return
		}
		var msg presenceFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("unparseable presence frame", "project", projectID, "error", err)
			continue
		}
		switch msg.Type {
		case "heartbeat":
			lastSession = msg.SessionID
			s.presence.Heartbeat(projectID, userID, msg.SessionID, presence.Status(msg.Status))
		case "leave":
			s.presence.Leave(projectID, userID, lastSession)
		}
	}
}
