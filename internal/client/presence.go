package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/presence"
)

// presenceFrame is the client→proxy message shape on a presence socket.
type presenceFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Status    string `json:"status,omitempty"`
}

// PresenceClient follows one project's presence feed and asserts our own
// presence with periodic heartbeats. The retained list survives
// disconnects so a consumer never renders an empty flash while the
// reconnect back-off runs; only Close clears it.
type PresenceClient struct {
	url     string
	cookie  string
	dialer  *websocket.Dialer
	backoff time.Duration

	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	conn         *websocket.Conn
	entries      []presence.Entry
	sessionID    string
	lastInteract time.Time

	wmu sync.Mutex // serializes frame writes
}

// NewPresenceClient builds a client for one project's presence feed.
// cookieHeader goes out verbatim as the Cookie header; leave it empty when
// the proxy runs with auth disabled.
func NewPresenceClient(baseURL, projectID, cookieHeader string) *PresenceClient {
	return &PresenceClient{
		url:          wsURL(baseURL, "/presence/"+projectID),
		cookie:       cookieHeader,
		dialer:       websocket.DefaultDialer,
		backoff:      initialBackoff,
		done:         make(chan struct{}),
		lastInteract: time.Now(),
	}
}

// SetSession changes which session our heartbeats assert. A change is
// pushed out right away instead of waiting for the next tick.
func (c *PresenceClient) SetSession(id string) {
	c.mu.Lock()
	changed := c.sessionID != id
	c.sessionID = id
	c.mu.Unlock()
	if changed {
		c.heartbeat()
	}
}

// Interact records a user interaction now. Status grades presence by the
// time elapsed since the most recent one.
func (c *PresenceClient) Interact() {
	c.mu.Lock()
	c.lastInteract = time.Now()
	c.mu.Unlock()
}

// Status is what the next heartbeat will claim: active under 30 seconds
// since the last interaction, viewing under two minutes, inactive after.
func (c *PresenceClient) Status() presence.Status {
	c.mu.Lock()
	last := c.lastInteract
	c.mu.Unlock()

	switch age := time.Since(last); {
	case age < activeWindow:
		return presence.StatusActive
	case age < viewingWindow:
		return presence.StatusViewing
	default:
		return presence.StatusInactive
	}
}

// Snapshot returns a copy of the last list the proxy pushed.
func (c *PresenceClient) Snapshot() []presence.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]presence.Entry(nil), c.entries...)
}

// Run follows the feed until ctx ends or Close is called.
func (c *PresenceClient) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	followSocket(ctx, "presence", c.backoff, func(ctx context.Context) (*websocket.Conn, error) {
		return dialWS(ctx, c.dialer, c.url, c.cookie)
	}, c.serve)
}

// serve owns one live socket: announce ourselves, keep heartbeating, and
// swallow pushed lists until the socket drops.
func (c *PresenceClient) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.heartbeat()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				conn.Close() // unblocks the read below
				return
			case <-ticker.C:
				c.heartbeat()
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var entries []presence.Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			log.Debug("unparseable presence list", "error", err)
			continue
		}
		c.mu.Lock()
		c.entries = entries
		c.mu.Unlock()
	}
}

// heartbeat asserts (session, status) on the live socket; a no-op while
// disconnected.
func (c *PresenceClient) heartbeat() {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	c.write(presenceFrame{Type: "heartbeat", SessionID: sessionID, Status: string(c.Status())})
}

func (c *PresenceClient) write(f presenceFrame) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		log.Debug("presence write failed", "error", err)
	}
}

// Close sends a best-effort leave, stops Run, and drops the retained
// list. When the proxy is unreachable the tracker ages the entry out
// instead.
func (c *PresenceClient) Close() error {
	c.closeOnce.Do(func() {
		c.write(presenceFrame{Type: "leave"})
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.entries = nil
		c.mu.Unlock()
	})
	return nil
}
