// Package broadcast is the in-process change-notification hub. Services
// publish "something under this topic changed" signals and watchers
// re-fetch state in response; no payload travels with a notification.
//
// Topic names are plain strings. The broker uses "presence:<projectID>"
// and "sessions:<projectID>".
package broadcast

import (
	"sync"

	"github.com/falleco/open-commander/internal/log"
)

// Handler receives one notification. Handlers run synchronously on the
// notifying goroutine, so they should hand real work to a channel or
// goroutine of their own.
type Handler func()

// Hub is a thread-safe topic registry. The zero value is not usable; call
// NewHub.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[string]map[int]Handler
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]Handler)}
}

// Subscribe registers fn for topic and returns a function that removes the
// subscription. Once Subscribe returns, any later Notify on the topic will
// reach fn. The returned function is safe to call more than once.
func (h *Hub) Subscribe(topic string, fn Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++

	m, ok := h.subs[topic]
	if !ok {
		m = make(map[int]Handler)
		h.subs[topic] = m
	}
	m[id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if m, ok := h.subs[topic]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(h.subs, topic)
			}
		}
	}
}

// Notify runs every handler subscribed to topic before returning. A
// panicking handler is logged and skipped; the remaining handlers still
// run. Handlers may subscribe or unsubscribe from inside the call.
func (h *Hub) Notify(topic string) {
	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.subs[topic]))
	for _, fn := range h.subs[topic] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		invoke(topic, fn)
	}
}

// Subscribers returns how many handlers topic currently has.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

func invoke(topic string, fn Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("broadcast handler panicked", "topic", topic, "panic", r)
		}
	}()
	fn()
}
