package wsproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/session"
	"github.com/falleco/open-commander/internal/store"
)

// handleTerminal bridges a browser to the terminal daemon inside the
// session's container.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	protos := websocket.Subprotocols(r)
	var respHeader http.Header
	if len(protos) > 0 {
		// Echo the first offered subprotocol so the browser's own
		// handshake check passes.
		respHeader = http.Header{"Sec-WebSocket-Protocol": {protos[0]}}
	} else {
		protos = []string{"tty"}
	}

	client, err := s.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		log.Debug("terminal upgrade failed", "error", err)
		return
	}
	defer client.Close()

	userID, ok := s.resolveUser(client, r)
	if !ok {
		return
	}

	sess, err := s.authorizeTerminal(r.PathValue("id"), userID)
	if err != nil {
		log.Debug("terminal access refused", "session", r.PathValue("id"), "user", userID, "error", err)
		closeWith(client, websocket.ClosePolicyViolation, "Session not found, not running, or access denied")
		return
	}

	name := sess.ContainerName
	if name == "" {
		name = session.ContainerName(sess.ID)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Client frames land in the buffer from the moment the socket is up;
	// whatever arrives while the upstream is still coming up is replayed
	// in order once it is.
	buf := newFrameBuffer(maxPreconnectBytes)
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			mtype, data, err := client.ReadMessage()
			if err != nil {
				return
			}
			if err := buf.Push(mtype, data); err != nil {
				if errors.Is(err, errBufferFull) {
					closeWith(client, websocket.CloseMessageTooBig, "Message Too Big")
				}
				return
			}
		}
	}()
	go func() {
		<-clientGone
		cancel()
	}()

	upstream, err := s.upstream.Dial(ctx, name, protos)
	if err != nil {
		log.Warn("terminal upstream unavailable", "container", name, "error", err)
		closeWith(client, websocket.CloseInternalServerErr, "Could not connect to terminal")
		return
	}
	defer upstream.Close()

	go func() {
		<-clientGone
		upstream.Close()
	}()

	if err := buf.Connect(upstream); err != nil {
		log.Debug("replaying buffered frames", "container", name, "error", err)
		closeWith(client, websocket.CloseInternalServerErr, "Could not connect to terminal")
		return
	}

	log.Debug("terminal bridged", "session", sess.ID, "container", name, "user", userID)

	for {
		mtype, data, err := upstream.ReadMessage()
		if err != nil {
			// Carry the daemon's close code to the browser when there
			// is one. 1005 is reserved and may not go on the wire.
			code, text := websocket.CloseNormalClosure, ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseNoStatusReceived {
				code, text = ce.Code, ce.Text
			}
			closeWith(client, code, text)
			return
		}
		if err := client.WriteMessage(mtype, data); err != nil {
			return
		}
	}
}

// authorizeTerminal loads the session and applies the terminal access
// rule: running, and either owned by userID or in a shared project.
func (s *Server) authorizeTerminal(id, userID string) (*store.Session, error) {
	sess, err := s.store.SessionByID(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != store.SessionRunning {
		return nil, fmt.Errorf("session %s is %s", id, sess.Status)
	}
	if sess.OwnerUserID == userID {
		return sess, nil
	}
	if sess.ProjectID != nil {
		project, err := s.store.ProjectByID(*sess.ProjectID)
		if err == nil && project.Shared {
			return sess, nil
		}
	}
	return nil, fmt.Errorf("user %s may not attach to session %s", userID, id)
}
