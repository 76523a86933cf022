package actor

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/reactor/internal/message"
)

type subscription struct {
	fn Subscriber
}

type options struct {
	logger     *slog.Logger
	dispatcher Dispatcher
}

// Option configures a Base.
type Option func(*options)

// WithLogger overrides the actor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDispatcher sets how asynchronous completions re-enter the actor.
func WithDispatcher(d Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// Base holds an actor's state, subscriber list and lifecycle flag.
//
// State is replaced through SetState, never mutated in place, so the value
// returned by State is a consistent snapshot. Callers must not modify it.
type Base[S any] struct {
	name string

	mu         sync.Mutex
	state      S
	subs       []*subscription
	shutdown   bool
	dispatcher Dispatcher
	logger     *slog.Logger

	unhandled atomic.Int64
}

// NewBase creates a base named name holding initial.
func NewBase[S any](name string, initial S, opts ...Option) *Base[S] {
	o := options{dispatcher: Inline}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.dispatcher == nil {
		o.dispatcher = Inline
	}
	return &Base[S]{
		name:       name,
		state:      initial,
		dispatcher: o.dispatcher,
		logger:     o.logger.With("actor", name),
	}
}

// Name returns the actor's name.
func (b *Base[S]) Name() string { return b.name }

// Logger returns the actor's logger.
func (b *Base[S]) Logger() *slog.Logger { return b.logger }

// State returns the current state snapshot.
func (b *Base[S]) State() S {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetState replaces the state. Ignored after Shutdown.
func (b *Base[S]) SetState(s S) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return
	}
	b.state = s
}

// Update replaces the state with fn(current) and returns the new value.
func (b *Base[S]) Update(fn func(S) S) S {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return b.state
	}
	b.state = fn(b.state)
	return b.state
}

// Subscribe appends fn to the subscriber list. The returned function is
// idempotent and removes only fn's registration.
func (b *Base[S]) Subscribe(fn Subscriber) (unsubscribe func()) {
	sub := &subscription{fn: fn}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if i := slices.Index(b.subs, sub); i >= 0 {
				b.subs = slices.Delete(slices.Clone(b.subs), i, i+1)
			}
		})
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Base[S]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers msg to every subscriber in order. It tolerates zero
// subscribers, drops messages without a type and does nothing after
// Shutdown.
func (b *Base[S]) Publish(msg message.Message) {
	if !message.Valid(msg) {
		b.logger.Warn("dropping published message without type")
		return
	}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(sub, msg)
	}
}

func (b *Base[S]) deliver(sub *subscription, msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"type", msg.Type(),
				"message", fmt.Sprintf("%+v", msg),
				"panic", r,
			)
		}
	}()
	sub.fn(msg)
}

// Unhandled records a message that reached the default arm of Receive.
func (b *Base[S]) Unhandled(msg message.Message) {
	b.unhandled.Add(1)
	b.logger.Warn("unhandled message", "type", message.TypeOf(msg))
}

// UnhandledCount reports how many messages reached the default arm.
func (b *Base[S]) UnhandledCount() int64 {
	return b.unhandled.Load()
}

// Drop logs a message that was recognised but discarded, such as one without
// a type or one from a stale connection generation.
func (b *Base[S]) Drop(msg message.Message, reason string) {
	b.logger.Debug("dropping message", "type", message.TypeOf(msg), "reason", reason)
}

// SetDispatcher replaces the dispatcher. The supervisor installs its queue
// before any asynchronous work starts.
func (b *Base[S]) SetDispatcher(d Dispatcher) {
	if d == nil {
		d = Inline
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatcher = d
}

// Dispatch runs fn on the actor tree's goroutine unless the actor has shut
// down by the time it would run.
func (b *Base[S]) Dispatch(fn func()) {
	b.mu.Lock()
	d := b.dispatcher
	b.mu.Unlock()

	d.Dispatch(func() {
		if b.IsShutdown() {
			return
		}
		fn()
	})
}

// Shutdown clears the subscriber list and marks the actor inert. Idempotent.
func (b *Base[S]) Shutdown() {
	b.BeginShutdown()
}

// BeginShutdown is Shutdown for embedding actors that own resources: it
// reports whether this call performed the shutdown, so they release those
// resources exactly once.
func (b *Base[S]) BeginShutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return false
	}
	b.shutdown = true
	b.subs = nil
	return true
}

// IsShutdown reports whether Shutdown has run.
func (b *Base[S]) IsShutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shutdown
}
