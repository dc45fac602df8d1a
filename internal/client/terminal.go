package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/termwire"
)

var errNotConnected = errors.New("terminal not connected")

// TerminalEvent is one decoded daemon→client frame.
type TerminalEvent struct {
	// Data is terminal output with the type prefix stripped.
	Data []byte
	// Title is set when the daemon renamed the window.
	Title string
	// End reports that the output announced the in-container session is
	// over (multiplexer shut down, shell exited).
	End bool
}

// TerminalClient attaches to a running session's terminal through the
// proxy. One goroutine may call Next while others call Send and Resize.
type TerminalClient struct {
	url    string
	cookie string
	dialer *websocket.Dialer

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn
}

// NewTerminalClient builds a client for one session's terminal.
func NewTerminalClient(baseURL, sessionID, cookieHeader string) *TerminalClient {
	dialer := *websocket.DefaultDialer
	dialer.Subprotocols = []string{"tty"}
	return &TerminalClient{
		url:    wsURL(baseURL, "/terminal/"+sessionID),
		cookie: cookieHeader,
		dialer: &dialer,
	}
}

// Dial connects and performs the opening handshake with our terminal
// geometry.
func (c *TerminalClient) Dial(ctx context.Context, columns, rows int) error {
	conn, err := dialWS(ctx, c.dialer, c.url, c.cookie)
	if err != nil {
		return fmt.Errorf("connecting terminal: %w", err)
	}

	hello, err := termwire.EncodeHandshake(columns, rows)
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return fmt.Errorf("sending handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Send writes user input as a data frame, with mouse reports stripped.
func (c *TerminalClient) Send(text string) error {
	return c.write(termwire.EncodeData(text))
}

// Resize tells the daemon our new geometry.
func (c *TerminalClient) Resize(columns, rows int) error {
	frame, err := termwire.EncodeResize(columns, rows)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *TerminalClient) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Next blocks for the next daemon frame. Reserved and unrecognized frame
// types are skipped. Once the bridge is gone it returns the socket's read
// error; use Close to unblock a pending call.
func (c *TerminalClient) Next() (TerminalEvent, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return TerminalEvent{}, errNotConnected
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return TerminalEvent{}, err
		}
		kind, payload, err := termwire.Decode(raw)
		if err != nil {
			log.Debug("short terminal frame", "error", err)
			continue
		}
		switch kind {
		case termwire.TypeData:
			return TerminalEvent{Data: payload, End: termwire.SessionEnded(string(payload))}, nil
		case termwire.TypeTitle:
			return TerminalEvent{Title: string(payload)}, nil
		default:
			continue
		}
	}
}

// Close tears the socket down, unblocking any pending Next.
func (c *TerminalClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
