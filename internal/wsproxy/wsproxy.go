// Package wsproxy serves the browser-facing WebSocket endpoints: terminal
// bridging into session containers, presence fan-out, and live session
// lists. The front door routes upgrade traffic here; everything else goes
// to the HTTP application.
package wsproxy

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/falleco/open-commander/internal/auth"
	"github.com/falleco/open-commander/internal/broadcast"
	"github.com/falleco/open-commander/internal/docker"
	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/presence"
	"github.com/falleco/open-commander/internal/store"
)

const (
	// dialAttempts and dialSpacing bound how long a terminal client waits
	// for a freshly started container's daemon to accept connections.
	dialAttempts = 10
	dialSpacing  = 500 * time.Millisecond
	// handshakeTimeout bounds one direct WebSocket open toward a container.
	handshakeTimeout = 1500 * time.Millisecond

	// maxCloseText is the longest close reason that fits in a control
	// frame alongside the two-byte status code.
	maxCloseText = 123
	// closeGrace is how long a close frame write may take before the
	// socket is torn down regardless.
	closeGrace = time.Second
)

// Server holds the proxy's collaborators. One instance serves all three
// endpoints.
type Server struct {
	auth     auth.Resolver
	store    *store.Store
	hub      *broadcast.Hub
	presence *presence.Tracker
	upstream upstreamDialer

	upgrader websocket.Upgrader
}

// New wires a Server. terminalPort is the port the terminal daemon listens
// on inside session containers; driver carries the exec fallback for
// engines whose container network is not routable from the broker.
func New(resolver auth.Resolver, st *store.Store, hub *broadcast.Hub, tracker *presence.Tracker, driver docker.Driver, terminalPort int) *Server {
	return &Server{
		auth:     resolver,
		store:    st,
		hub:      hub,
		presence: tracker,
		upstream: &containerDialer{
			driver:   driver,
			port:     terminalPort,
			attempts: dialAttempts,
			spacing:  dialSpacing,
			timeout:  handshakeTimeout,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The cookie is the access check, not the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the proxy's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /terminal/{id}", s.handleTerminal)
	mux.HandleFunc("GET /presence/{pid}", s.handlePresence)
	mux.HandleFunc("GET /sessions/{pid}", s.handleSessions)
	return mux
}

// resolveUser authenticates an upgraded connection from the request's
// Cookie header. Upgrades are accepted before auth runs so failures reach
// the browser as a 1008 close frame.
func (s *Server) resolveUser(client *websocket.Conn, r *http.Request) (string, bool) {
	userID, err := s.auth.ResolveUser(r.Context(), r.Header.Get("Cookie"))
	if err != nil {
		log.Debug("websocket auth failed", "path", r.URL.Path, "error", err)
		closeWith(client, websocket.ClosePolicyViolation, "Unauthorized")
		return "", false
	}
	return userID, true
}

// pushOnNotify sends render()'s payload to client once now and again after
// every notify on topic. A single writer goroutine owns all data writes;
// notifies landing mid-write coalesce into one pending nudge, so the last
// one always produces a fresh render. The subscription ends when done
// closes or a client write fails.
func (s *Server) pushOnNotify(client *websocket.Conn, topic string, done <-chan struct{}, render func() ([]byte, error)) {
	nudge := make(chan struct{}, 1)
	nudge <- struct{}{}

	unsubscribe := s.hub.Subscribe(topic, func() {
		select {
		case nudge <- struct{}{}:
		default:
		}
	})

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-done:
				return
			case <-nudge:
			}
			payload, err := render()
			if err != nil {
				log.Warn("rendering websocket push", "topic", topic, "error", err)
				continue
			}
			if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}()
}

// closeWith delivers a close frame with code and reason. Reasons longer
// than a control frame allows are trimmed.
func closeWith(conn *websocket.Conn, code int, text string) {
	if len(text) > maxCloseText {
		text = text[:maxCloseText]
	}
	msg := websocket.FormatCloseMessage(code, text)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)); err != nil {
		log.Debug("writing close frame", "code", code, "error", err)
	}
}
