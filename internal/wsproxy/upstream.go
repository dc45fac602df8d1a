package wsproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/falleco/open-commander/internal/docker"
	"github.com/falleco/open-commander/internal/log"
)

// upstreamDialer opens the WebSocket leg toward a session's terminal
// daemon.
type upstreamDialer interface {
	Dial(ctx context.Context, containerName string, protocols []string) (*websocket.Conn, error)
}

// containerDialer reaches the daemon first over the container network and
// falls back to tunneling through the engine's exec API, the only route on
// desktop engines where container addresses are not routable from the
// host.
type containerDialer struct {
	driver   docker.Driver
	port     int
	attempts int
	spacing  time.Duration
	timeout  time.Duration
}

// Dial tries direct-then-tunnel up to attempts times with spacing between
// rounds. A freshly started container needs a few rounds before its
// daemon listens.
func (d *containerDialer) Dial(ctx context.Context, name string, protocols []string) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.spacing):
			}
		}

		conn, err := d.direct(ctx, name, protocols)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Debug("direct terminal dial failed", "container", name, "attempt", attempt, "error", err)

		conn, err = d.tunnel(ctx, name, protocols)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Debug("terminal exec tunnel failed", "container", name, "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("connecting to terminal in %s: %w", name, lastErr)
}

func (d *containerDialer) direct(ctx context.Context, name string, protocols []string) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: d.timeout,
		Subprotocols:     protocols,
	}
	conn, _, err := dialer.DialContext(ctx, fmt.Sprintf("ws://%s:%d/ws", name, d.port), nil)
	return conn, err
}

// tunnel opens a single-shot loopback listener, dials it, and services the
// accepted socket by splicing it onto nc exec'd inside the container. The
// WebSocket handshake rides through the splice to the daemon.
func (d *containerDialer) tunnel(ctx context.Context, name string, protocols []string) (*websocket.Conn, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("opening tunnel listener: %w", err)
	}

	go d.serveTunnel(ctx, ln, name)

	dialer := &websocket.Dialer{
		HandshakeTimeout: d.timeout,
		Subprotocols:     protocols,
	}
	conn, _, err := dialer.DialContext(ctx, "ws://"+ln.Addr().String()+"/ws", nil)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("dialing exec tunnel: %w", err)
	}
	return conn, nil
}

// serveTunnel accepts exactly one connection, closes the listener, and
// splices the socket onto the container-side nc until either side ends.
func (d *containerDialer) serveTunnel(ctx context.Context, ln net.Listener, name string) {
	tcp, err := ln.Accept()
	ln.Close()
	if err != nil {
		return
	}

	stream, err := d.driver.ExecStream(ctx, name, []string{"nc", "localhost", strconv.Itoa(d.port)})
	if err != nil {
		log.Debug("terminal exec stream failed", "container", name, "error", err)
		tcp.Close()
		return
	}
	splice(tcp, stream)
}

// splice copies both directions until one side ends, then closes both.
func splice(a, b io.ReadWriteCloser) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		io.Copy(a, b)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		io.Copy(b, a)
	}()
	wg.Wait()
}
