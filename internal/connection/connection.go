// Package connection owns the backend socket: dialing, reading, writing,
// reconnect backoff and connection generations.
//
// Every dial draws a new generation from a logical clock. Events produced by
// a socket carry the generation it was dialed for; once a newer dial starts,
// those events are stale and dropped. Frames read from the current socket are
// published as ws:message with WsID set to the generation.
package connection

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/ids"
	"github.com/roach88/reactor/internal/message"
	"github.com/roach88/reactor/internal/transport"
)

// Config describes the backend endpoint and reconnect policy.
type Config struct {
	URI   string
	AppID string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// Jitter is the backoff randomization factor in [0, 1).
	Jitter float64
}

// State is the connection actor's state.
type State struct {
	Status     message.ConnectionStatus
	Generation int64
	IsOnline   bool
	Err        error
	// NextRetry is the delay of the scheduled reconnect, zero when none.
	NextRetry time.Duration
}

// Actor owns the socket. No other component holds a transport.Conn.
type Actor struct {
	*actor.Base[State]

	cfg       Config
	dialer    transport.Dialer
	scheduler actor.Scheduler
	clock     *ids.Clock
	backoff   *backoff.ExponentialBackOff

	// Owned by the actor goroutine.
	conn       transport.Conn
	dialCancel context.CancelFunc
	retry      actor.Timer

	// Connections dialed but not yet claimed by ConnectionOpened.
	mu      sync.Mutex
	pending map[int64]transport.Conn
	dialing sync.WaitGroup
}

// New creates a connection actor. It does nothing until connection:start or
// network:online.
func New(cfg Config, dialer transport.Dialer, scheduler actor.Scheduler, opts ...actor.Option) *Actor {
	if scheduler == nil {
		scheduler = actor.WallScheduler{}
	}
	b := backoff.NewExponentialBackOff()
	if cfg.ReconnectInitial > 0 {
		b.InitialInterval = cfg.ReconnectInitial
	}
	if cfg.ReconnectMax > 0 {
		b.MaxInterval = cfg.ReconnectMax
	}
	b.RandomizationFactor = cfg.Jitter
	b.Reset()

	return &Actor{
		Base:      actor.NewBase("connection", State{Status: message.ConnClosed, IsOnline: true}, opts...),
		cfg:       cfg,
		dialer:    dialer,
		scheduler: scheduler,
		clock:     ids.NewClock(),
		backoff:   b,
		pending:   make(map[int64]transport.Conn),
	}
}

// Handles implements actor.Actor.
func (a *Actor) Handles() []string {
	return []string{
		message.ConnectionStart{}.Type(),
		message.ConnectionRestart{}.Type(),
		message.ConnectionSend{}.Type(),
		message.ConnectionOpened{}.Type(),
		message.ConnectionFrame{}.Type(),
		message.ConnectionClosed{}.Type(),
		message.ConnectionReconnect{}.Type(),
		message.NetworkOnline{}.Type(),
		message.NetworkOffline{}.Type(),
		message.NetworkStatus{}.Type(),
		message.SessionError{}.Type(),
		message.RoutedType(message.OpInitOK),
	}
}

// Receive implements actor.Actor.
func (a *Actor) Receive(msg message.Message) {
	if a.IsShutdown() {
		return
	}
	switch m := msg.(type) {
	case message.ConnectionStart:
		a.start()
	case message.ConnectionRestart:
		a.restart()
	case message.NetworkOnline:
		a.setOnline(true)
		a.start()
	case message.NetworkOffline:
		a.setOnline(false)
		a.goOffline()
	case message.NetworkStatus:
		a.setOnline(m.IsOnline)
	case message.ConnectionSend:
		a.send(m)
	case message.ConnectionOpened:
		a.opened(m.Generation)
	case message.ConnectionFrame:
		if !a.current(m.Generation) {
			a.Drop(msg, "stale generation")
			return
		}
		a.Publish(message.WSMessage{WsID: m.Generation, Message: m.Frame})
	case message.ConnectionClosed:
		a.closed(m.Generation, m.Err)
	case message.ConnectionReconnect:
		a.reconnect(m.Generation)
	case message.SessionError:
		if a.current(m.Generation) {
			a.setStatus(message.ConnErrored, m.Err)
		}
	case message.Routed:
		if m.Op != message.OpInitOK {
			a.Unhandled(msg)
			return
		}
		if !a.current(m.WsID) {
			a.Drop(msg, "stale generation")
			return
		}
		a.backoff.Reset()
		a.setStatus(message.ConnAuthenticated, nil)
	default:
		a.Unhandled(msg)
	}
}

// current reports whether gen is the live socket's generation.
func (a *Actor) current(gen int64) bool {
	return a.conn != nil && gen == a.State().Generation
}

func (a *Actor) setOnline(online bool) {
	a.Update(func(s State) State {
		s.IsOnline = online
		return s
	})
}

func (a *Actor) setStatus(status message.ConnectionStatus, err error) {
	s := a.Update(func(s State) State {
		s.Status = status
		s.Err = err
		return s
	})
	a.Logger().Info("connection status", "status", status, "generation", s.Generation, "error", err)
	a.Publish(message.ConnectionStatusChanged{Status: status, Generation: s.Generation, Err: err})
}

func (a *Actor) start() {
	s := a.State()
	if !s.IsOnline {
		a.Logger().Info("offline, not starting socket")
		return
	}
	if a.dialCancel != nil {
		a.Logger().Debug("already connecting, not starting new socket")
		return
	}
	if a.conn != nil {
		return
	}
	a.dial()
}

func (a *Actor) restart() {
	a.closeCurrent()
	a.backoff.Reset()
	if !a.State().IsOnline {
		a.setStatus(message.ConnClosed, nil)
		return
	}
	a.dial()
}

func (a *Actor) goOffline() {
	a.closeCurrent()
	a.setStatus(message.ConnClosed, nil)
}

// closeCurrent drops the socket, any dial in flight and any scheduled
// reconnect. Events still arriving from them are stale afterwards.
func (a *Actor) closeCurrent() {
	a.cancelRetry()
	if a.dialCancel != nil {
		// A dial that still succeeds is closed when its opened event finds
		// no dial in flight.
		a.dialCancel()
		a.dialCancel = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

func (a *Actor) cancelRetry() {
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
	a.Update(func(s State) State {
		s.NextRetry = 0
		return s
	})
}

func (a *Actor) dial() {
	a.cancelRetry()
	gen := a.clock.Next()
	a.Update(func(s State) State {
		s.Generation = gen
		return s
	})

	ctx, cancel := context.WithCancel(context.Background())
	a.dialCancel = cancel
	target := a.endpoint()
	a.setStatus(message.ConnConnecting, nil)
	a.Logger().Info("starting socket", "generation", gen)

	a.dialing.Add(1)
	go func() {
		conn, err := a.dialer.Dial(ctx, target)
		if err != nil {
			a.Dispatch(func() { a.Receive(message.ConnectionClosed{Generation: gen, Err: err}) })
			a.dialing.Done()
			return
		}

		a.mu.Lock()
		a.pending[gen] = conn
		a.mu.Unlock()
		if a.IsShutdown() {
			a.releasePending()
		}

		a.Dispatch(func() { a.Receive(message.ConnectionOpened{Generation: gen}) })
		a.dialing.Done()
		a.readLoop(gen, conn)
	}()
}

func (a *Actor) readLoop(gen int64, conn transport.Conn) {
	for {
		f, err := conn.Receive()
		if err != nil {
			a.Dispatch(func() { a.Receive(message.ConnectionClosed{Generation: gen, Err: err}) })
			_ = conn.Close()
			return
		}
		a.Dispatch(func() { a.Receive(message.ConnectionFrame{Generation: gen, Frame: f}) })
	}
}

func (a *Actor) endpoint() string {
	if a.cfg.AppID == "" {
		return a.cfg.URI
	}
	u, err := url.Parse(a.cfg.URI)
	if err != nil {
		return a.cfg.URI
	}
	q := u.Query()
	q.Set("app_id", a.cfg.AppID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (a *Actor) opened(gen int64) {
	a.mu.Lock()
	conn, ok := a.pending[gen]
	delete(a.pending, gen)
	a.mu.Unlock()
	if !ok {
		return
	}
	if gen != a.State().Generation || a.dialCancel == nil {
		a.Logger().Debug("closing socket from stale dial", "generation", gen)
		_ = conn.Close()
		return
	}
	a.dialCancel()
	a.dialCancel = nil
	a.conn = conn
	a.setStatus(message.ConnOpened, nil)
}

func (a *Actor) closed(gen int64, err error) {
	s := a.State()
	if gen != s.Generation || (a.conn == nil && a.dialCancel == nil) {
		a.Logger().Debug("ignoring close of stale socket", "generation", gen)
		return
	}
	if a.dialCancel != nil {
		a.dialCancel()
		a.dialCancel = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	if errors.Is(err, transport.ErrClosed) {
		err = nil
	}
	a.setStatus(message.ConnClosed, err)
	a.scheduleReconnect(gen)
}

func (a *Actor) scheduleReconnect(gen int64) {
	if !a.State().IsOnline {
		a.Logger().Info("offline, not reconnecting")
		return
	}
	delay := a.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = a.backoff.MaxInterval
	}
	a.cancelRetry()
	a.Update(func(s State) State {
		s.NextRetry = delay
		return s
	})
	a.Logger().Info("reconnecting", "after", delay, "generation", gen)
	a.retry = a.scheduler.AfterFunc(delay, func() {
		a.Dispatch(func() { a.Receive(message.ConnectionReconnect{Generation: gen}) })
	})
}

func (a *Actor) reconnect(gen int64) {
	if gen != a.State().Generation || a.conn != nil || a.dialCancel != nil {
		return
	}
	a.retry = nil
	a.start()
}

func (a *Actor) send(m message.ConnectionSend) {
	status := a.State().Status
	if a.conn == nil || (status != message.ConnOpened && status != message.ConnAuthenticated) {
		a.Logger().Debug("socket not open, dropping frame", "op", m.Frame.Op(), "event_id", m.EventID)
		return
	}
	frame := m.Frame
	if m.EventID != "" {
		frame = frame.With("client-event-id", m.EventID)
	}
	if err := a.conn.Send(frame); err != nil {
		a.Logger().Warn("send failed", "op", frame.Op(), "error", err)
	}
}

// Status returns the current status.
func (a *Actor) Status() message.ConnectionStatus {
	return a.State().Status
}

// WaitDialing blocks until every started dial has produced its opened or
// closed event.
func (a *Actor) WaitDialing() {
	a.dialing.Wait()
}

func (a *Actor) releasePending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for gen, conn := range a.pending {
		_ = conn.Close()
		delete(a.pending, gen)
	}
}

// Shutdown cancels timers and dials, closes the socket and makes the actor
// inert.
func (a *Actor) Shutdown() {
	if !a.BeginShutdown() {
		return
	}
	if a.retry != nil {
		a.retry.Stop()
	}
	if a.dialCancel != nil {
		a.dialCancel()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.releasePending()
}
