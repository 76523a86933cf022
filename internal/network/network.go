// Package network tracks connectivity as reported by a platform listener and
// publishes transitions.
package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/message"
)

// Listener is the platform connectivity source.
type Listener interface {
	IsOnline(ctx context.Context) (bool, error)
	Listen(fn func(isOnline bool)) (unsubscribe func())
}

// AlwaysOnline is the listener for processes that have no connectivity
// signal, such as servers and the CLI.
type AlwaysOnline struct{}

// IsOnline always reports true.
func (AlwaysOnline) IsOnline(context.Context) (bool, error) { return true, nil }

// Listen never fires.
func (AlwaysOnline) Listen(func(bool)) func() { return func() {} }

// State is the network actor's state.
type State struct {
	IsOnline bool
}

// Actor owns connectivity detection. It publishes network:online or
// network:offline followed by network:status, and only on an actual flip.
type Actor struct {
	*actor.Base[State]

	listener Listener

	mu          sync.Mutex
	initialized bool
	unlisten    func()
}

// New creates a network actor over listener. It starts offline until
// Initialize seeds the real status.
func New(listener Listener, opts ...actor.Option) *Actor {
	if listener == nil {
		listener = AlwaysOnline{}
	}
	return &Actor{
		Base:     actor.NewBase("network", State{}, opts...),
		listener: listener,
	}
}

// Handles implements actor.Actor.
func (a *Actor) Handles() []string {
	return []string{
		message.NetworkQuery{}.Type(),
		message.NetworkSetOnline{}.Type(),
	}
}

// Initialize queries the listener once, seeds the state without publishing,
// then registers for changes. Calls after the first successful one, and calls
// after Shutdown, do nothing.
func (a *Actor) Initialize(ctx context.Context) error {
	a.mu.Lock()
	if a.initialized || a.IsShutdown() {
		a.mu.Unlock()
		return nil
	}
	a.initialized = true
	a.mu.Unlock()

	online, err := a.listener.IsOnline(ctx)
	if err != nil {
		a.mu.Lock()
		a.initialized = false
		a.mu.Unlock()
		return fmt.Errorf("query network status: %w", err)
	}
	a.SetState(State{IsOnline: online})

	unlisten := a.listener.Listen(func(isOnline bool) {
		a.Dispatch(func() {
			a.Receive(message.NetworkSetOnline{IsOnline: isOnline})
		})
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.IsShutdown() {
		// Shutdown raced with the status query.
		unlisten()
		return nil
	}
	a.unlisten = unlisten
	return nil
}

// IsOnline returns the last observed status.
func (a *Actor) IsOnline() bool {
	return a.State().IsOnline
}

// Receive implements actor.Actor.
func (a *Actor) Receive(msg message.Message) {
	if a.IsShutdown() {
		return
	}
	switch m := msg.(type) {
	case message.NetworkQuery:
		a.Publish(message.NetworkStatus{IsOnline: a.IsOnline()})
	case message.NetworkSetOnline:
		a.setOnline(m.IsOnline)
	default:
		a.Unhandled(msg)
	}
}

func (a *Actor) setOnline(online bool) {
	if a.State().IsOnline == online {
		return
	}
	a.SetState(State{IsOnline: online})
	a.Logger().Info("network status changed", "online", online)

	if online {
		a.Publish(message.NetworkOnline{})
	} else {
		a.Publish(message.NetworkOffline{})
	}
	a.Publish(message.NetworkStatus{IsOnline: online})
}

// Shutdown unregisters the listener and makes the actor inert. Safe before
// Initialize and safe to repeat.
func (a *Actor) Shutdown() {
	if !a.BeginShutdown() {
		return
	}
	a.mu.Lock()
	unlisten := a.unlisten
	a.unlisten = nil
	a.mu.Unlock()
	if unlisten != nil {
		unlisten()
	}
}
