// Package client is the Go counterpart of the browser hooks that talk to
// the WebSocket proxy: reconnecting followers for the presence and
// session-list feeds, and a terminal client that speaks the in-container
// daemon's framed protocol.
package client

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/falleco/open-commander/internal/log"
)

const (
	// initialBackoff and maxBackoff bound the reconnect wait: it doubles
	// after every drop and resets after a successful open.
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	// heartbeatEvery is the presence cadence after the immediate
	// heartbeat sent on open.
	heartbeatEvery = 15 * time.Second

	// activeWindow and viewingWindow grade the time since the last user
	// interaction into the status heartbeats assert.
	activeWindow  = 30 * time.Second
	viewingWindow = 120 * time.Second
)

// wsURL joins the proxy base URL ("ws://host:port") with an endpoint path.
func wsURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}

// dialWS opens a socket with the auth cookie attached.
func dialWS(ctx context.Context, dialer *websocket.Dialer, url, cookie string) (*websocket.Conn, error) {
	header := http.Header{}
	if cookie != "" {
		header.Set("Cookie", cookie)
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}

// followSocket keeps one feed followed for the life of ctx: dial, serve
// until the socket drops, wait, redial. Retry state is local to the call,
// so overlapping follows of different feeds never share a timer.
func followSocket(ctx context.Context, feed string, initial time.Duration, dial func(context.Context) (*websocket.Conn, error), serve func(context.Context, *websocket.Conn)) {
	if initial <= 0 {
		initial = initialBackoff
	}
	delay := initial
	for {
		conn, err := dial(ctx)
		if err == nil {
			delay = initial
			serve(ctx, conn)
			conn.Close()
		} else if ctx.Err() == nil {
			log.Debug("feed dial failed", "feed", feed, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
}
