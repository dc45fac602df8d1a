package wsproxy

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// maxPreconnectBytes caps what a terminal client may send while its
// upstream is still being reached.
const maxPreconnectBytes = 1 << 20

var errBufferFull = errors.New("pre-connect buffer full")

type frame struct {
	mtype int
	data  []byte
}

// frameBuffer queues client frames until an upstream socket is attached,
// then becomes a straight pass-through. Push and Connect serialize all
// upstream writes under one lock, so the drain finishes before any later
// frame goes out.
type frameBuffer struct {
	max int

	mu     sync.Mutex
	queued []frame
	size   int
	sink   *websocket.Conn
}

func newFrameBuffer(max int) *frameBuffer {
	return &frameBuffer{max: max}
}

// Push forwards one client frame, queueing it while no sink is attached.
// Returns errBufferFull when queueing would exceed the cap.
func (b *frameBuffer) Push(mtype int, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sink != nil {
		return b.sink.WriteMessage(mtype, data)
	}
	if b.size+len(data) > b.max {
		return errBufferFull
	}
	b.queued = append(b.queued, frame{mtype: mtype, data: data})
	b.size += len(data)
	return nil
}

// Connect drains queued frames into upstream in arrival order and attaches
// it as the sink for everything after.
func (b *frameBuffer) Connect(upstream *websocket.Conn) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range b.queued {
		if err := upstream.WriteMessage(f.mtype, f.data); err != nil {
			return err
		}
	}
	b.queued = nil
	b.size = 0
	b.sink = upstream
	return nil
}
