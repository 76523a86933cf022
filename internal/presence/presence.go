// Package presence tracks room membership, the local user's presence data
// and what peers in each room have shared.
package presence

import (
	"maps"
	"slices"
	"time"

	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/ids"
	"github.com/roach88/reactor/internal/message"
)

// DefaultFlushWindow coalesces local presence writes on a joined room.
const DefaultFlushWindow = 50 * time.Millisecond

// JoinStatus is where a room's join stands.
type JoinStatus string

const (
	JoinPending JoinStatus = "pending"
	JoinJoined  JoinStatus = "joined"
	JoinErrored JoinStatus = "errored"
)

// Config tunes the presence actor.
type Config struct {
	FlushWindow time.Duration
}

// State is the presence actor's published snapshot.
type State struct {
	Rooms      map[string]message.PresenceSnapshot
	Ready      bool
	Generation int64
	SessionID  string
}

type room struct {
	id      string
	status  JoinStatus
	user    map[string]any
	peers   map[string]map[string]any
	err     string
	dirty   bool
	flushAt actor.Timer
}

// Actor owns rooms. Fields below Base are touched only from Receive and
// Shutdown.
type Actor struct {
	*actor.Base[State]

	cfg       Config
	scheduler actor.Scheduler
	gen       ids.Generator

	rooms map[string]*room
	// leaving holds rooms left while their join was in flight; the leave
	// is sent once the join is acknowledged.
	leaving map[string]bool
}

// New creates a presence actor.
func New(cfg Config, scheduler actor.Scheduler, gen ids.Generator, opts ...actor.Option) *Actor {
	if cfg.FlushWindow <= 0 {
		cfg.FlushWindow = DefaultFlushWindow
	}
	if scheduler == nil {
		scheduler = actor.WallScheduler{}
	}
	if gen == nil {
		gen = ids.UUIDv7Generator{}
	}
	return &Actor{
		Base:      actor.NewBase("presence", State{Rooms: map[string]message.PresenceSnapshot{}}, opts...),
		cfg:       cfg,
		scheduler: scheduler,
		gen:       gen,
		rooms:     make(map[string]*room),
		leaving:   make(map[string]bool),
	}
}

// Handles implements actor.Actor.
func (a *Actor) Handles() []string {
	return []string{
		message.PresenceJoinRoom{}.Type(),
		message.PresenceLeaveRoom{}.Type(),
		message.PresenceSet{}.Type(),
		message.PresenceFlush{}.Type(),
		message.RoutedType(message.OpJoinRoomOK),
		message.RoutedType(message.OpJoinRoomError),
		message.RoutedType(message.OpRefreshPresence),
		message.RoutedType(message.OpPatchPresence),
		message.SessionReady{}.Type(),
		message.SessionLost{}.Type(),
	}
}

// Room returns the snapshot for roomID.
func (a *Actor) Room(roomID string) (message.PresenceSnapshot, bool) {
	p, ok := a.State().Rooms[roomID]
	return p, ok
}

// Receive implements actor.Actor.
func (a *Actor) Receive(msg message.Message) {
	if a.IsShutdown() {
		return
	}
	switch m := msg.(type) {
	case message.PresenceJoinRoom:
		a.join(m.RoomID, m.Initial)
	case message.PresenceLeaveRoom:
		a.leave(m.RoomID)
	case message.PresenceSet:
		a.set(m.RoomID, m.Data)
	case message.PresenceFlush:
		a.flush(m)
	case message.Routed:
		switch m.Op {
		case message.OpJoinRoomOK:
			a.joined(m.Payload.String("room-id"))
		case message.OpJoinRoomError:
			a.joinError(m.Payload)
		case message.OpRefreshPresence:
			a.refresh(m.Payload)
		case message.OpPatchPresence:
			a.patch(m.Payload)
		default:
			a.Unhandled(msg)
		}
	case message.SessionReady:
		a.sessionReady(m)
	case message.SessionLost:
		a.sessionLost()
	default:
		a.Unhandled(msg)
	}
}

func (a *Actor) join(roomID string, initial map[string]any) {
	if roomID == "" {
		return
	}
	r, ok := a.rooms[roomID]
	if !ok {
		r = &room{id: roomID, status: JoinPending, user: map[string]any{}, peers: map[string]map[string]any{}}
		a.rooms[roomID] = r
	}
	delete(a.leaving, roomID)
	maps.Copy(r.user, initial)
	if !ok && a.State().Ready {
		a.sendJoin(r)
	}
	a.notify(r)
}

func (a *Actor) sendJoin(r *room) {
	r.status = JoinPending
	r.dirty = false
	a.send(message.Frame{"op": message.OpJoinRoom, "room-id": r.id, "data": maps.Clone(r.user)})
}

func (a *Actor) leave(roomID string) {
	r, ok := a.rooms[roomID]
	if !ok {
		return
	}
	a.stopFlush(r)
	delete(a.rooms, roomID)
	a.Update(func(s State) State {
		rooms := maps.Clone(s.Rooms)
		delete(rooms, roomID)
		s.Rooms = rooms
		return s
	})
	if !a.State().Ready {
		return
	}
	switch r.status {
	case JoinJoined:
		a.send(message.Frame{"op": message.OpLeaveRoom, "room-id": roomID})
	case JoinPending:
		a.leaving[roomID] = true
	}
}

func (a *Actor) set(roomID string, data map[string]any) {
	r, ok := a.rooms[roomID]
	if !ok {
		a.Logger().Debug("presence for unknown room", "room", roomID)
		return
	}
	maps.Copy(r.user, data)
	r.dirty = true
	if r.status == JoinJoined && r.flushAt == nil {
		gen := a.State().Generation
		r.flushAt = a.scheduler.AfterFunc(a.cfg.FlushWindow, func() {
			a.Dispatch(func() { a.Receive(message.PresenceFlush{RoomID: roomID, Generation: gen}) })
		})
	}
	a.notify(r)
}

func (a *Actor) flush(m message.PresenceFlush) {
	r, ok := a.rooms[m.RoomID]
	if !ok {
		return
	}
	r.flushAt = nil
	s := a.State()
	if !s.Ready || m.Generation != s.Generation || r.status != JoinJoined {
		return
	}
	a.sendPresence(r)
}

func (a *Actor) sendPresence(r *room) {
	if !r.dirty {
		return
	}
	r.dirty = false
	a.send(message.Frame{"op": message.OpSetPresence, "room-id": r.id, "data": maps.Clone(r.user)})
}

func (a *Actor) joined(roomID string) {
	r, ok := a.rooms[roomID]
	if !ok {
		if a.leaving[roomID] {
			delete(a.leaving, roomID)
			a.send(message.Frame{"op": message.OpLeaveRoom, "room-id": roomID})
		}
		return
	}
	r.status = JoinJoined
	r.err = ""
	a.stopFlush(r)
	a.sendPresence(r)
	a.notify(r)
}

func (a *Actor) joinError(p message.Frame) {
	r, ok := a.rooms[p.String("room-id")]
	if !ok {
		return
	}
	r.status = JoinErrored
	r.err = p.String("error")
	if r.err == "" {
		r.err = p.String("message")
	}
	if r.err == "" {
		r.err = "join failed"
	}
	a.Logger().Warn("room join failed", "room", r.id, "error", r.err)
	a.notify(r)
}

func (a *Actor) refresh(p message.Frame) {
	r, ok := a.rooms[p.String("room-id")]
	if !ok {
		return
	}
	self := a.State().SessionID
	peers := make(map[string]map[string]any)
	for sess, raw := range p.Object("data") {
		if sess == self {
			continue
		}
		peers[sess] = unwrapPeer(raw)
	}
	r.peers = peers
	a.notify(r)
}

// patch applies presence edits of the form [path, op, value], where op is
// "+" (add), "r" (replace) or "-" (remove) and path starts with the peer's
// session id.
func (a *Actor) patch(p message.Frame) {
	r, ok := a.rooms[p.String("room-id")]
	if !ok {
		return
	}
	self := a.State().SessionID
	edits, _ := p["edits"].([]any)
	for _, raw := range edits {
		edit, ok := raw.([]any)
		if !ok || len(edit) < 2 {
			continue
		}
		path := stringPath(edit[0])
		op, _ := edit[1].(string)
		if len(path) == 0 || path[0] == self {
			continue
		}
		var value any
		if len(edit) > 2 {
			value = edit[2]
		}
		applyEdit(r.peers, path, op, value)
	}
	a.notify(r)
}

func applyEdit(peers map[string]map[string]any, path []string, op string, value any) {
	sess, rest := path[0], path[1:]
	if len(rest) > 0 && rest[0] == "data" {
		rest = rest[1:]
	}
	if len(rest) == 0 {
		switch op {
		case "+", "r":
			peers[sess] = unwrapPeer(value)
		case "-":
			delete(peers, sess)
		}
		return
	}

	peer := maps.Clone(peers[sess])
	if peer == nil {
		peer = map[string]any{}
	}
	node := peer
	for _, key := range rest[:len(rest)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			child = map[string]any{}
		} else {
			child = maps.Clone(child)
		}
		node[key] = child
		node = child
	}
	leaf := rest[len(rest)-1]
	switch op {
	case "+", "r":
		node[leaf] = value
	case "-":
		delete(node, leaf)
	}
	peers[sess] = peer
}

func unwrapPeer(raw any) map[string]any {
	obj, _ := raw.(map[string]any)
	if data, ok := obj["data"].(map[string]any); ok {
		return data
	}
	if obj == nil {
		return map[string]any{}
	}
	return obj
}

func stringPath(raw any) []string {
	switch p := raw.(type) {
	case []string:
		return p
	case []any:
		out := make([]string, 0, len(p))
		for _, elem := range p {
			s, ok := elem.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	case string:
		return []string{p}
	default:
		return nil
	}
}

func (a *Actor) sessionReady(m message.SessionReady) {
	a.Update(func(s State) State {
		s.Ready = true
		s.Generation = m.Generation
		s.SessionID = m.SessionID
		return s
	})
	for _, id := range slices.Sorted(maps.Keys(a.rooms)) {
		a.sendJoin(a.rooms[id])
	}
}

func (a *Actor) sessionLost() {
	a.Update(func(s State) State {
		s.Ready = false
		return s
	})
	clear(a.leaving)
	for _, id := range slices.Sorted(maps.Keys(a.rooms)) {
		r := a.rooms[id]
		a.stopFlush(r)
		r.status = JoinPending
		r.peers = map[string]map[string]any{}
		a.notify(r)
	}
}

func (a *Actor) stopFlush(r *room) {
	if r.flushAt != nil {
		r.flushAt.Stop()
		r.flushAt = nil
	}
}

func (a *Actor) send(f message.Frame) {
	a.Publish(message.ConnectionSend{EventID: a.gen.Generate(), Frame: f})
}

func (a *Actor) notify(r *room) {
	snap := message.PresenceSnapshot{
		User:      maps.Clone(r.user),
		Peers:     make(map[string]map[string]any, len(r.peers)),
		IsLoading: r.status == JoinPending,
		Error:     r.err,
	}
	for k, v := range r.peers {
		snap.Peers[k] = maps.Clone(v)
	}
	s := a.Update(func(s State) State {
		rooms := maps.Clone(s.Rooms)
		rooms[r.id] = snap
		s.Rooms = rooms
		return s
	})
	a.Publish(message.PresenceUpdated{RoomID: r.id, SessionID: s.SessionID, Presence: snap})
}

// Shutdown stops pending flush timers.
func (a *Actor) Shutdown() {
	if !a.BeginShutdown() {
		return
	}
	for _, r := range a.rooms {
		a.stopFlush(r)
	}
}
