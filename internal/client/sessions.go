package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/store"
)

// SessionListClient follows one project's live-session feed. Like
// PresenceClient it keeps the last pushed list across reconnect gaps;
// only Close clears it.
type SessionListClient struct {
	url     string
	cookie  string
	dialer  *websocket.Dialer
	backoff time.Duration

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	sessions []*store.Session
}

// NewSessionListClient builds a client for one project's session feed.
func NewSessionListClient(baseURL, projectID, cookieHeader string) *SessionListClient {
	return &SessionListClient{
		url:     wsURL(baseURL, "/sessions/"+projectID),
		cookie:  cookieHeader,
		dialer:  websocket.DefaultDialer,
		backoff: initialBackoff,
		done:    make(chan struct{}),
	}
}

// Snapshot returns a copy of the last list the proxy pushed.
func (c *SessionListClient) Snapshot() []*store.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*store.Session(nil), c.sessions...)
}

// Run follows the feed until ctx ends or Close is called.
func (c *SessionListClient) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	followSocket(ctx, "sessions", c.backoff, func(ctx context.Context) (*websocket.Conn, error) {
		return dialWS(ctx, c.dialer, c.url, c.cookie)
	}, c.serve)
}

func (c *SessionListClient) serve(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close() // unblocks the read below
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sessions []*store.Session
		if err := json.Unmarshal(data, &sessions); err != nil {
			log.Debug("unparseable session list", "error", err)
			continue
		}
		c.mu.Lock()
		c.sessions = sessions
		c.mu.Unlock()
	}
}

// Close stops Run and drops the retained list.
func (c *SessionListClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.sessions = nil
		c.mu.Unlock()
	})
	return nil
}
