// Package frontdoor is the single public TCP port. Each connection's
// first bytes are sniffed: WebSocket upgrades for the live endpoints go
// to the proxy port, everything else to the HTTP application. Sniffing at
// the TCP level keeps upgrade handling independent of either server's
// HTTP machinery.
package frontdoor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/falleco/open-commander/internal/log"
)

const (
	// sniffBytes is the most we inspect before routing; a browser's
	// upgrade request line and headers start well inside it.
	sniffBytes = 512
	// sniffTimeout is how long a client may stay silent before the
	// connection is dropped unrouted.
	sniffTimeout = 2 * time.Second

	dialTimeout = 5 * time.Second
)

// wsPrefixes are the request-line prefixes owned by the WebSocket proxy.
var wsPrefixes = []string{"GET /terminal/", "GET /presence/", "GET /sessions/"}

// Forwarder routes front-door connections to the proxy or app listener.
type Forwarder struct {
	proxyAddr string
	appAddr   string

	// sniff overrides sniffTimeout in tests.
	sniff time.Duration
}

// New returns a Forwarder splitting traffic between proxyAddr and appAddr.
func New(proxyAddr, appAddr string) *Forwarder {
	return &Forwarder{
		proxyAddr: proxyAddr,
		appAddr:   appAddr,
		sniff:     sniffTimeout,
	}
}

// Serve accepts connections until ctx is done or the listener fails.
func (f *Forwarder) Serve(ctx context.Context, ln net.Listener) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go f.forward(conn)
	}
}

// forward sniffs one inbound connection and splices it to its target.
func (f *Forwarder) forward(client net.Conn) {
	chunk, err := f.readChunk(client)
	if err != nil {
		log.Debug("sniffing connection", "remote", client.RemoteAddr(), "error", err)
		client.Close()
		return
	}

	target := f.appAddr
	if isUpgrade(chunk) {
		target = f.proxyAddr
	}

	upstream, err := net.DialTimeout("tcp", target, dialTimeout)
	if err != nil {
		log.Warn("front door dial failed", "target", target, "error", err)
		client.Close()
		return
	}

	// The sniffed bytes go first; nothing else may pass until they have.
	if _, err := upstream.Write(chunk); err != nil {
		log.Debug("replaying sniffed bytes", "target", target, "error", err)
		client.Close()
		upstream.Close()
		return
	}

	splice(client, upstream)
}

// readChunk reads whatever the client sends first, up to sniffBytes, then
// clears the deadline so the splice is not bounded by it.
func (f *Forwarder) readChunk(conn net.Conn) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(f.sniff)); err != nil {
		return nil, err
	}
	buf := make([]byte, sniffBytes)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// isUpgrade reports whether the first bytes are a WebSocket handshake for
// one of the proxy's endpoints. The header match is case-insensitive; the
// request line is not.
func isUpgrade(chunk []byte) bool {
	if !bytes.Contains(bytes.ToLower(chunk), []byte("upgrade: websocket")) {
		return false
	}
	for _, prefix := range wsPrefixes {
		if bytes.HasPrefix(chunk, []byte(prefix)) {
			return true
		}
	}
	return false
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
