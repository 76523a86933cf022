// Package session negotiates the init handshake and gates traffic until the
// backend accepts it for the current connection generation.
package session

import (
	"errors"
	"fmt"

	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/ids"
	"github.com/roach88/reactor/internal/message"
)

// Phase is where the handshake stands.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseHandshaking Phase = "handshaking"
	PhaseReady       Phase = "ready"
	PhaseErrored     Phase = "errored"
)

// Config identifies the client to the backend.
type Config struct {
	AppID   string
	Version string
}

// State is the session actor's state.
type State struct {
	Phase      Phase
	Generation int64
	SessionID  string
	Attrs      []any
	User       *message.User
	Err        error
}

// Ready reports whether gated traffic may flow.
func (s State) Ready() bool {
	return s.Phase == PhaseReady
}

// Actor runs the handshake on every new socket.
type Actor struct {
	*actor.Base[State]

	cfg Config
	gen ids.Generator
}

// New creates a session actor.
func New(cfg Config, gen ids.Generator, opts ...actor.Option) *Actor {
	if gen == nil {
		gen = ids.UUIDv7Generator{}
	}
	return &Actor{
		Base: actor.NewBase("session", State{Phase: PhaseIdle}, opts...),
		cfg:  cfg,
		gen:  gen,
	}
}

// Handles implements actor.Actor.
func (a *Actor) Handles() []string {
	return []string{
		message.AuthChanged{}.Type(),
		message.ConnectionStatusChanged{}.Type(),
		message.RoutedType(message.OpInitOK),
		message.RoutedType(message.OpError),
	}
}

// Accepts reports whether a routed message tagged wsID belongs to the
// socket the session is negotiating or has negotiated.
func (a *Actor) Accepts(wsID int64) bool {
	s := a.State()
	return wsID == s.Generation && (s.Phase == PhaseHandshaking || s.Phase == PhaseReady)
}

// Receive implements actor.Actor.
func (a *Actor) Receive(msg message.Message) {
	if a.IsShutdown() {
		return
	}
	switch m := msg.(type) {
	case message.AuthChanged:
		a.authChanged(m.User)
	case message.ConnectionStatusChanged:
		a.connectionStatus(m)
	case message.Routed:
		switch m.Op {
		case message.OpInitOK:
			a.initOK(m)
		case message.OpError:
			a.initError(m)
		default:
			a.Unhandled(msg)
		}
	default:
		a.Unhandled(msg)
	}
}

func (a *Actor) authChanged(u *message.User) {
	prev := a.State()
	a.Update(func(s State) State {
		s.User = u
		return s
	})
	if message.SameUser(prev.User, u) {
		return
	}
	if prev.Phase == PhaseHandshaking || prev.Phase == PhaseReady {
		a.Logger().Info("user changed, restarting connection")
		a.Publish(message.ConnectionRestart{})
	}
}

func (a *Actor) connectionStatus(m message.ConnectionStatusChanged) {
	switch m.Status {
	case message.ConnOpened:
		a.lose()
		s := a.Update(func(s State) State {
			s.Phase = PhaseHandshaking
			s.Generation = m.Generation
			s.SessionID = ""
			s.Err = nil
			return s
		})
		a.Publish(message.ConnectionSend{EventID: a.gen.Generate(), Frame: a.initFrame(s.User)})
	case message.ConnConnecting, message.ConnClosed:
		a.lose()
	case message.ConnErrored, message.ConnAuthenticated:
		// Errored is reported by this actor itself; authenticated follows
		// the init-ok already handled here.
	}
}

// lose ends the current session, if any.
func (a *Actor) lose() {
	prev := a.State()
	if prev.Phase != PhaseHandshaking && prev.Phase != PhaseReady {
		return
	}
	a.Update(func(s State) State {
		s.Phase = PhaseIdle
		s.SessionID = ""
		return s
	})
	a.Publish(message.SessionLost{Generation: prev.Generation})
}

func (a *Actor) initFrame(u *message.User) message.Frame {
	f := message.Frame{
		"op":     message.OpInit,
		"app-id": a.cfg.AppID,
	}
	if u != nil && u.RefreshToken != "" {
		f["refresh-token"] = u.RefreshToken
	}
	if a.cfg.Version != "" {
		f["versions"] = map[string]any{"reactor": a.cfg.Version}
	}
	return f
}

func (a *Actor) initOK(m message.Routed) {
	s := a.State()
	if s.Phase != PhaseHandshaking || m.WsID != s.Generation {
		a.Drop(m, "init-ok for stale generation")
		return
	}
	attrs, _ := m.Payload["attrs"].([]any)
	s = a.Update(func(s State) State {
		s.Phase = PhaseReady
		s.SessionID = m.Payload.String("session-id")
		s.Attrs = attrs
		return s
	})
	a.Logger().Info("session ready", "generation", s.Generation, "session_id", s.SessionID)
	a.Publish(message.SessionReady{Generation: s.Generation, SessionID: s.SessionID})
}

// ErrInit is wrapped by handshake failures reported by the backend.
var ErrInit = errors.New("init failed")

func (a *Actor) initError(m message.Routed) {
	if m.Payload.Object("original-event").Op() != message.OpInit {
		// Transaction and query errors belong to other actors.
		return
	}
	s := a.State()
	if m.WsID != s.Generation {
		a.Drop(m, "init error for stale generation")
		return
	}
	if m.Payload.String("type") == "record-not-found" &&
		m.Payload.Object("hint").String("record-type") == "app-user" {
		a.Logger().Info("backend no longer knows the user, signing out")
		a.Publish(message.AuthSignOut{})
		return
	}

	text := m.Payload.String("message")
	if text == "" {
		text = "unknown error"
	}
	err := fmt.Errorf("%w: %s", ErrInit, text)
	a.Update(func(s State) State {
		s.Phase = PhaseErrored
		s.Err = err
		return s
	})
	a.Logger().Error("session init failed", "generation", s.Generation, "error", err)
	a.Publish(message.SessionError{Generation: s.Generation, Err: err})
}
