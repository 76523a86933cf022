// Package mutation owns the pending-transaction queue. Every transaction
// gets a client sequence number before it leaves the process; the ordered
// queue is published after each change so the query actor can layer it over
// server results.
package mutation

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/ids"
	"github.com/roach88/reactor/internal/message"
)

var (
	// ErrTimedOut is reported when the server does not confirm a
	// transaction within its window.
	ErrTimedOut = errors.New("transaction timed out")

	// ErrAttemptsExhausted is reported when a transaction was submitted
	// MaxAttempts times without an answer.
	ErrAttemptsExhausted = errors.New("transaction attempts exhausted")

	// ErrRejected wraps the server's message for a refused transaction.
	ErrRejected = errors.New("transaction rejected")

	// ErrInvalid wraps local validation failures.
	ErrInvalid = errors.New("invalid transaction")
)

// Defaults applied by New for zero Config fields.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultMaxAttempts = 3
)

// Validator checks a transaction before it is queued. *schema.Schema
// implements it.
type Validator interface {
	Validate(ops []message.Op) error
}

// Config tunes the mutation actor.
type Config struct {
	// Timeout is the base confirmation window. A transaction sent while n
	// others are in flight waits max(Timeout, n*Timeout).
	Timeout time.Duration
	// MaxAttempts bounds submissions of one transaction across
	// reconnects.
	MaxAttempts int
	// Now stamps CreatedAt. Defaults to time.Now.
	Now func() time.Time
}

// State is the mutation actor's published snapshot.
type State struct {
	Pending       []message.Pending
	Ready         bool
	Generation    int64
	IsOnline      bool
	ProcessedTxID int64
}

type entry struct {
	p     message.Pending
	reply chan<- message.MutationOutcome
	timer actor.Timer
}

// Actor queues, submits and reconciles transactions. Fields below Base are
// touched only from Receive and Shutdown.
type Actor struct {
	*actor.Base[State]

	cfg       Config
	validator Validator
	scheduler actor.Scheduler
	clock     *ids.Clock
	gen       ids.Generator

	entries map[string]*entry
}

// New creates a mutation actor. validator may be nil.
func New(cfg Config, validator Validator, scheduler actor.Scheduler, gen ids.Generator, opts ...actor.Option) *Actor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if scheduler == nil {
		scheduler = actor.WallScheduler{}
	}
	if gen == nil {
		gen = ids.UUIDv7Generator{}
	}
	return &Actor{
		Base:      actor.NewBase("mutation", State{IsOnline: true}, opts...),
		cfg:       cfg,
		validator: validator,
		scheduler: scheduler,
		clock:     ids.NewClock(),
		gen:       gen,
		entries:   make(map[string]*entry),
	}
}

// Handles implements actor.Actor.
func (a *Actor) Handles() []string {
	return []string{
		message.MutationTransact{}.Type(),
		message.MutationTimeout{}.Type(),
		message.MutationRestore{}.Type(),
		message.RoutedType(message.OpTransactOK),
		message.RoutedType(message.OpError),
		message.SessionReady{}.Type(),
		message.SessionLost{}.Type(),
		message.NetworkStatus{}.Type(),
		message.QueryProcessed{}.Type(),
	}
}

// Receive implements actor.Actor.
func (a *Actor) Receive(msg message.Message) {
	if a.IsShutdown() {
		return
	}
	switch m := msg.(type) {
	case message.MutationTransact:
		a.transact(m)
	case message.MutationTimeout:
		a.timeout(m)
	case message.MutationRestore:
		a.restore(m.Pending)
	case message.Routed:
		switch m.Op {
		case message.OpTransactOK:
			a.transactOK(m)
		case message.OpError:
			a.rejected(m)
		default:
			a.Unhandled(msg)
		}
	case message.SessionReady:
		a.Update(func(s State) State {
			s.Ready = true
			s.Generation = m.Generation
			return s
		})
		a.flush()
	case message.SessionLost:
		a.sessionLost()
	case message.NetworkStatus:
		a.Update(func(s State) State {
			s.IsOnline = m.IsOnline
			return s
		})
	case message.QueryProcessed:
		a.processed(m.TxID)
	default:
		a.Unhandled(msg)
	}
}

func (a *Actor) transact(m message.MutationTransact) {
	id := m.ID
	if id == "" {
		id = a.gen.Generate()
	}
	if _, dup := a.entries[id]; dup {
		a.finish(&entry{p: message.Pending{ID: id}, reply: m.Reply}, message.StatusFailed,
			fmt.Errorf("%w: duplicate id %q", ErrInvalid, id))
		return
	}
	if err := a.validate(m.Ops); err != nil {
		a.Logger().Warn("transaction rejected locally", "id", id, "error", err)
		a.finish(&entry{p: message.Pending{ID: id, Ops: m.Ops}, reply: m.Reply}, message.StatusFailed, err)
		return
	}

	e := &entry{
		p: message.Pending{
			ID:        id,
			Seq:       a.clock.Next(),
			Ops:       m.Ops,
			Status:    message.StatusQueued,
			CreatedAt: a.cfg.Now(),
		},
		reply: m.Reply,
	}
	a.entries[id] = e
	a.Publish(message.MutationStatusChanged{ID: id, Status: message.StatusQueued})
	if a.sendable() {
		a.send(e)
	}
	a.publishPending()
}

func (a *Actor) validate(ops []message.Op) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: no operations", ErrInvalid)
	}
	if a.validator == nil {
		return nil
	}
	if err := a.validator.Validate(ops); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func (a *Actor) sendable() bool {
	s := a.State()
	return s.Ready && s.IsOnline
}

// flush submits every queued transaction, and every transaction sent on an
// older generation, in sequence order.
func (a *Actor) flush() {
	if !a.sendable() {
		return
	}
	gen := a.State().Generation
	for _, e := range a.ordered() {
		switch {
		case e.p.Status == message.StatusQueued:
		case e.p.Status == message.StatusSent && e.p.Generation < gen:
		default:
			continue
		}
		a.send(e)
	}
	a.publishPending()
}

func (a *Actor) send(e *entry) {
	if e.p.Attempts >= a.cfg.MaxAttempts {
		a.Logger().Warn("transaction attempts exhausted", "id", e.p.ID, "attempts", e.p.Attempts)
		a.finish(e, message.StatusFailed, ErrAttemptsExhausted)
		return
	}

	gen := a.State().Generation
	e.p.Attempts++
	e.p.Status = message.StatusSent
	e.p.Generation = gen

	steps := make([]any, len(e.p.Ops))
	for i, op := range e.p.Ops {
		steps[i] = op.Step()
	}
	a.Publish(message.ConnectionSend{
		EventID: e.p.ID,
		Frame:   message.Frame{"op": message.OpTransact, "tx-steps": steps},
	})
	a.Publish(message.MutationStatusChanged{ID: e.p.ID, Status: message.StatusSent})

	if e.timer != nil {
		e.timer.Stop()
	}
	id := e.p.ID
	e.timer = a.scheduler.AfterFunc(a.window(), func() {
		a.Dispatch(func() { a.Receive(message.MutationTimeout{ID: id, Generation: gen}) })
	})
}

// window is max(Timeout, inFlight*Timeout).
func (a *Actor) window() time.Duration {
	n := 0
	for _, e := range a.entries {
		if e.p.Status == message.StatusQueued || e.p.Status == message.StatusSent {
			n++
		}
	}
	return max(a.cfg.Timeout, time.Duration(n)*a.cfg.Timeout)
}

func (a *Actor) timeout(m message.MutationTimeout) {
	if !a.State().IsOnline {
		a.Drop(m, "offline")
		return
	}
	e, ok := a.entries[m.ID]
	if !ok || e.p.Status != message.StatusSent || e.p.Generation != m.Generation {
		return
	}
	a.Logger().Warn("transaction timed out", "id", m.ID, "generation", m.Generation)
	a.finish(e, message.StatusTimedOut, ErrTimedOut)
	a.publishPending()
}

func (a *Actor) transactOK(m message.Routed) {
	id := m.Payload.String("client-event-id")
	e, ok := a.entries[id]
	if !ok || e.p.Status.Terminal() {
		a.Drop(m, "no pending transaction")
		return
	}
	txID, _ := m.Payload.Int("tx-id")
	e.p.TxID = txID
	a.finish(e, message.StatusConfirmed, nil)
	if txID > 0 && txID <= a.State().ProcessedTxID {
		delete(a.entries, id)
	}
	a.publishPending()
}

func (a *Actor) rejected(m message.Routed) {
	id := m.Payload.String("client-event-id")
	if id == "" {
		orig := m.Payload.Object("original-event")
		if orig.Op() != message.OpTransact {
			return
		}
		id = orig.String("client-event-id")
	}
	e, ok := a.entries[id]
	if !ok || e.p.Status.Terminal() {
		return
	}
	text := m.Payload.String("message")
	if text == "" {
		text = "unknown error"
	}
	a.Logger().Warn("transaction rejected by server", "id", id, "error", text)
	a.finish(e, message.StatusFailed, fmt.Errorf("%w: %s", ErrRejected, text))
	a.publishPending()
}

func (a *Actor) sessionLost() {
	a.Update(func(s State) State {
		s.Ready = false
		return s
	})
	// Sent transactions are resubmitted on the next session; their windows
	// restart then.
	for _, e := range a.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

func (a *Actor) processed(txID int64) {
	if txID <= a.State().ProcessedTxID {
		return
	}
	a.Update(func(s State) State {
		s.ProcessedTxID = txID
		return s
	})
	removed := false
	for id, e := range a.entries {
		if e.p.Status == message.StatusConfirmed && e.p.TxID > 0 && e.p.TxID <= txID {
			delete(a.entries, id)
			removed = true
		}
	}
	if removed {
		a.publishPending()
	}
}

// restore seeds the queue with transactions persisted by an earlier run.
// They resume as queued; the sequence clock continues after the highest
// restored number.
func (a *Actor) restore(pending []message.Pending) {
	var maxSeq int64
	for _, p := range pending {
		maxSeq = max(maxSeq, p.Seq)
		if _, ok := a.entries[p.ID]; ok || p.ID == "" {
			continue
		}
		if p.Status != message.StatusQueued && p.Status != message.StatusSent {
			continue
		}
		p.Status = message.StatusQueued
		p.Generation = 0
		a.entries[p.ID] = &entry{p: p}
	}
	a.clock.AdvanceTo(maxSeq)
	a.Logger().Info("restored pending transactions", "count", len(a.entries))
	a.flush()
	a.publishPending()
}

// finish moves e to a terminal status and answers its caller. Failed and
// timed-out transactions leave the queue at once; confirmed ones stay until
// the query store has processed their transaction.
func (a *Actor) finish(e *entry, status message.MutationStatus, err error) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.p.Status = status
	if err != nil {
		e.p.Error = err.Error()
	}
	if status != message.StatusConfirmed && a.entries[e.p.ID] == e {
		delete(a.entries, e.p.ID)
	}
	if e.reply != nil {
		select {
		case e.reply <- message.MutationOutcome{ID: e.p.ID, Status: status, TxID: e.p.TxID, Err: err}:
		default:
			a.Logger().Warn("transaction reply channel full", "id", e.p.ID)
		}
		e.reply = nil
	}
	a.Publish(message.MutationStatusChanged{ID: e.p.ID, Status: status, TxID: e.p.TxID, Err: err})
}

func (a *Actor) ordered() []*entry {
	return slices.SortedFunc(maps.Values(a.entries), func(x, y *entry) int {
		return cmp.Compare(x.p.Seq, y.p.Seq)
	})
}

func (a *Actor) publishPending() {
	ordered := a.ordered()
	snapshot := make([]message.Pending, len(ordered))
	for i, e := range ordered {
		snapshot[i] = e.p
	}
	a.Update(func(s State) State {
		s.Pending = snapshot
		return s
	})
	a.Publish(message.MutationPendingChanged{Pending: snapshot})
}

// Shutdown answers every waiting caller with actor.ErrShutdown.
func (a *Actor) Shutdown() {
	if !a.BeginShutdown() {
		return
	}
	for _, e := range a.ordered() {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.reply != nil {
			select {
			case e.reply <- message.MutationOutcome{ID: e.p.ID, Status: e.p.Status, Err: actor.ErrShutdown}:
			default:
			}
			e.reply = nil
		}
	}
}
