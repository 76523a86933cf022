// Package bus is the type-keyed publish/subscribe register the actor tree
// communicates over.
package bus

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/reactor/internal/message"
)

// Handler receives messages emitted on the bus.
type Handler func(message.Message)

type registration struct {
	fn Handler
}

// Bus delivers each emitted message to the handlers registered for its type,
// in subscription order, followed by wildcard handlers.
//
// Emit snapshots the handler lists under the lock and calls them outside it,
// so handlers may subscribe, unsubscribe or emit without deadlocking.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]*registration
	wildcard []*registration
	logger   *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for dropped messages and handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]*registration),
		logger:   slog.Default().With("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers h for messages of messageType. The returned function removes
// the registration and is safe to call more than once.
func (b *Bus) On(messageType string, h Handler) (unsubscribe func()) {
	reg := &registration{fn: h}

	b.mu.Lock()
	b.handlers[messageType] = append(b.handlers[messageType], reg)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.handlers[messageType]
			if i := slices.Index(list, reg); i >= 0 {
				list = slices.Delete(slices.Clone(list), i, i+1)
				if len(list) == 0 {
					delete(b.handlers, messageType)
				} else {
					b.handlers[messageType] = list
				}
			}
		})
	}
}

// OnAny registers h for every message. Wildcard handlers run after the typed
// handlers of each emit.
func (b *Bus) OnAny(h Handler) (unsubscribe func()) {
	reg := &registration{fn: h}

	b.mu.Lock()
	b.wildcard = append(b.wildcard, reg)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if i := slices.Index(b.wildcard, reg); i >= 0 {
				b.wildcard = slices.Delete(slices.Clone(b.wildcard), i, i+1)
			}
		})
	}
}

// Emit delivers msg. A message without a type is logged and dropped.
// A panicking handler is recovered and logged; the remaining handlers still
// run.
func (b *Bus) Emit(msg message.Message) {
	typ := message.TypeOf(msg)
	if typ == "" {
		b.logger.Debug("dropping message without type", "message", fmt.Sprintf("%#v", msg))
		return
	}

	b.mu.Lock()
	typed := b.handlers[typ]
	wildcard := b.wildcard
	b.mu.Unlock()

	for _, reg := range typed {
		b.call(reg, msg)
	}
	for _, reg := range wildcard {
		b.call(reg, msg)
	}
}

func (b *Bus) call(reg *registration, msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked",
				"type", msg.Type(),
				"message", fmt.Sprintf("%+v", msg),
				"panic", r,
			)
		}
	}()
	reg.fn(msg)
}

// Clear removes every handler. Only used during teardown.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]*registration)
	b.wildcard = nil
}

// HandlerCount reports the number of registered handlers for messageType.
func (b *Bus) HandlerCount(messageType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[messageType])
}
