// Package auth owns the current user identity.
//
// The auth actor does not verify tokens. IsAuthenticated only reports that
// an identity is present; the session actor confirms the backend accepted it.
package auth

import (
	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/message"
)

// State is the auth actor's state. IsLoading stays true until the first
// user is set or restored.
type State struct {
	User      *message.User
	Error     error
	IsLoading bool
}

// Actor publishes auth:changed whenever the identity changes or is asked for.
type Actor struct {
	*actor.Base[State]
}

// New creates an auth actor with no user.
func New(opts ...actor.Option) *Actor {
	return &Actor{Base: actor.NewBase("auth", State{IsLoading: true}, opts...)}
}

// Handles implements actor.Actor.
func (a *Actor) Handles() []string {
	return []string{
		message.AuthSetUser{}.Type(),
		message.AuthGetUser{}.Type(),
		message.AuthSignOut{}.Type(),
		message.AuthError{}.Type(),
	}
}

// Receive implements actor.Actor.
func (a *Actor) Receive(msg message.Message) {
	if a.IsShutdown() {
		return
	}
	switch m := msg.(type) {
	case message.AuthSetUser:
		a.setUser(m.User)
	case message.AuthSignOut:
		a.setUser(nil)
	case message.AuthGetUser:
		a.publishChanged()
	case message.AuthError:
		a.Update(func(s State) State {
			return State{User: s.User, Error: m.Err, IsLoading: false}
		})
		a.Logger().Warn("auth error", "error", m.Err)
		a.publishChanged()
	default:
		a.Unhandled(msg)
	}
}

func (a *Actor) setUser(u *message.User) {
	if u != nil {
		cp := *u
		u = &cp
	}
	a.SetState(State{User: u})
	a.publishChanged()
}

func (a *Actor) publishChanged() {
	s := a.State()
	a.Publish(message.AuthChanged{User: s.User, Err: s.Error})
}

// User returns the current user, or nil.
func (a *Actor) User() *message.User {
	return a.State().User
}

// IsAuthenticated reports whether a user is present.
func (a *Actor) IsAuthenticated() bool {
	return a.State().User != nil
}
