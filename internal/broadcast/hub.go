package broadcast

import (
	"log/slog"
	"sync"

	"github.com/roach88/reactor/internal/message"
)

// Hub fans locally published topic events out to every other reactor in the
// process that shares it, the way browser tabs of one app share a channel.
//
// Thread-safety: safe for concurrent use. Deliver callbacks run on the
// publisher's goroutine and must hand off (the broadcast actor dispatches).
type Hub struct {
	mu      sync.Mutex
	members map[string]func(message.BroadcastLocal)
	order   []string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[string]func(message.BroadcastLocal))}
}

// Join registers deliver under id. Joining twice with the same id replaces
// the earlier registration. The returned function is idempotent.
func (h *Hub) Join(id string, deliver func(message.BroadcastLocal)) (leave func()) {
	h.mu.Lock()
	if _, ok := h.members[id]; !ok {
		h.order = append(h.order, id)
	}
	h.members[id] = deliver
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.members, id)
			for i, m := range h.order {
				if m == id {
					h.order = append(h.order[:i:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers msg to every member except msg.Origin, in join order.
func (h *Hub) Publish(msg message.BroadcastLocal) {
	h.mu.Lock()
	targets := make([]func(message.BroadcastLocal), 0, len(h.order))
	for _, id := range h.order {
		if id != msg.Origin {
			targets = append(targets, h.members[id])
		}
	}
	h.mu.Unlock()

	for _, deliver := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("hub member panicked", "room", msg.RoomID, "topic", msg.Topic, "panic", r)
				}
			}()
			deliver(msg)
		}()
	}
}

// Members returns the number of joined members.
func (h *Hub) Members() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}
