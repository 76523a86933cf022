package actor

import (
	"errors"

	"github.com/roach88/reactor/internal/message"
)

// ErrShutdown settles requests still waiting when their actor shuts down.
var ErrShutdown = errors.New("reactor shut down")

// Subscriber receives messages an actor publishes.
type Subscriber func(message.Message)

// Actor is the contract the supervisor drives.
type Actor interface {
	// Name identifies the actor in logs and crash reports.
	Name() string

	// Receive folds msg into the actor's state. It must not block.
	Receive(msg message.Message)

	// Handles lists the message types Receive accepts.
	Handles() []string

	// Subscribe appends fn to the subscriber list.
	Subscribe(fn Subscriber) (unsubscribe func())

	// Shutdown releases resources and makes the actor inert. Idempotent.
	Shutdown()
}

// Restarter is implemented by actors that can reset themselves after their
// Receive panicked.
type Restarter interface {
	Restart()
}

// Dispatcher schedules fn on the goroutine that owns the actor tree.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(fn func())

// Dispatch calls f(fn).
func (f DispatcherFunc) Dispatch(fn func()) { f(fn) }

// Inline runs dispatched work immediately on the calling goroutine. It is
// the default for actors used outside a supervisor.
var Inline Dispatcher = DispatcherFunc(func(fn func()) { fn() })
