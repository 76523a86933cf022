// Package router demultiplexes inbound transport frames into routed
// messages typed by op.
package router

import (
	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/message"
)

// State is the router's state.
type State struct {
	MessageCount int
}

// Actor turns ws:message into ws:<op>. It knows nothing about connection
// generations; the WsID is forwarded so the session gate can discard stale
// frames.
type Actor struct {
	*actor.Base[State]
}

// New creates a router.
func New(opts ...actor.Option) *Actor {
	return &Actor{Base: actor.NewBase("router", State{}, opts...)}
}

// Handles implements actor.Actor.
func (a *Actor) Handles() []string {
	return []string{message.WSMessage{}.Type()}
}

// MessageCount returns the number of frames routed so far.
func (a *Actor) MessageCount() int {
	return a.State().MessageCount
}

// Restart implements actor.Restarter. The frame counter starts over.
func (a *Actor) Restart() {
	a.SetState(State{})
}

// Receive implements actor.Actor. Frames without an op are logged and
// dropped without counting.
func (a *Actor) Receive(msg message.Message) {
	if a.IsShutdown() {
		return
	}
	switch m := msg.(type) {
	case message.WSMessage:
		op := m.Message.Op()
		if op == "" {
			a.Logger().Warn("dropping frame without op", "ws_id", m.WsID, "frame", m.Message)
			return
		}
		a.Update(func(s State) State {
			return State{MessageCount: s.MessageCount + 1}
		})
		a.Publish(message.Routed{Op: op, WsID: m.WsID, Payload: m.Message})
	default:
		a.Unhandled(msg)
	}
}
