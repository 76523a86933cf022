// Package broadcast implements topic pub/sub inside presence rooms.
//
// A publish reaches the server only for a room joined on the current
// connection generation. Until the join is acknowledged, publishes queue
// for that generation; the queue dies with the session, so events are never
// replayed across a disconnect.
package broadcast

import (
	"maps"
	"slices"

	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/ids"
	"github.com/roach88/reactor/internal/message"
)

// State is the broadcast actor's published snapshot.
type State struct {
	Subscriptions int
	Queued        int
	Joined        []string
	Ready         bool
	Generation    int64
}

type topicKey struct {
	room  string
	topic string
}

type subscriber struct {
	id string
	cb message.BroadcastCallback
}

type queued struct {
	room  string
	topic string
	data  any
	gen   int64
}

// Actor routes topic events. Fields below Base are touched only from
// Receive and Shutdown.
type Actor struct {
	*actor.Base[State]

	gen ids.Generator
	id  string

	hub       *Hub
	leaveHub  func()
	subs      map[topicKey][]subscriber
	joined    map[string]int64
	queue     []queued
	presences map[string]message.PresenceUpdated
}

// New creates a broadcast actor.
func New(gen ids.Generator, opts ...actor.Option) *Actor {
	if gen == nil {
		gen = ids.UUIDv7Generator{}
	}
	return &Actor{
		Base:      actor.NewBase("broadcast", State{}, opts...),
		gen:       gen,
		id:        gen.Generate(),
		subs:      make(map[topicKey][]subscriber),
		joined:    make(map[string]int64),
		presences: make(map[string]message.PresenceUpdated),
	}
}

// Attach joins hub so local publishes reach other reactors sharing it and
// theirs reach this one. Events from the hub re-enter through the actor's
// dispatcher.
func (a *Actor) Attach(hub *Hub) {
	if hub == nil || a.IsShutdown() {
		return
	}
	if a.leaveHub != nil {
		a.leaveHub()
	}
	a.hub = hub
	a.leaveHub = hub.Join(a.id, func(m message.BroadcastLocal) {
		a.Dispatch(func() { a.Receive(m) })
	})
}

// Handles implements actor.Actor.
func (a *Actor) Handles() []string {
	return []string{
		message.BroadcastSubscribe{}.Type(),
		message.BroadcastUnsubscribe{}.Type(),
		message.BroadcastPublish{}.Type(),
		message.BroadcastLocal{}.Type(),
		message.RoutedType(message.OpJoinRoomOK),
		message.RoutedType(message.OpJoinRoomError),
		message.RoutedType(message.OpServerBroadcast),
		message.PresenceUpdated{}.Type(),
		message.PresenceLeaveRoom{}.Type(),
		message.SessionReady{}.Type(),
		message.SessionLost{}.Type(),
	}
}

// Receive implements actor.Actor.
func (a *Actor) Receive(msg message.Message) {
	if a.IsShutdown() {
		return
	}
	switch m := msg.(type) {
	case message.BroadcastSubscribe:
		k := topicKey{m.RoomID, m.Topic}
		a.subs[k] = append(a.subs[k], subscriber{id: m.SubscriberID, cb: m.Callback})
	case message.BroadcastUnsubscribe:
		k := topicKey{m.RoomID, m.Topic}
		a.subs[k] = slices.DeleteFunc(a.subs[k], func(s subscriber) bool { return s.id == m.SubscriberID })
		if len(a.subs[k]) == 0 {
			delete(a.subs, k)
		}
	case message.BroadcastPublish:
		a.publish(m)
	case message.BroadcastLocal:
		if m.Origin == a.id {
			return
		}
		var peer map[string]any
		if p, ok := a.presences[m.RoomID]; ok {
			peer = p.Presence.User
		}
		a.deliver(m.RoomID, m.Topic, m.Data, peer)
	case message.Routed:
		switch m.Op {
		case message.OpJoinRoomOK:
			a.roomJoined(m.Payload.String("room-id"), m.WsID)
		case message.OpJoinRoomError:
			a.dropRoom(m.Payload.String("room-id"))
		case message.OpServerBroadcast:
			a.serverBroadcast(m.Payload)
		default:
			a.Unhandled(msg)
		}
	case message.PresenceUpdated:
		a.presences[m.RoomID] = m
	case message.PresenceLeaveRoom:
		delete(a.joined, m.RoomID)
		delete(a.presences, m.RoomID)
		a.dropRoom(m.RoomID)
	case message.SessionReady:
		a.Update(func(s State) State {
			s.Ready = true
			s.Generation = m.Generation
			return s
		})
		clear(a.joined)
	case message.SessionLost:
		a.Update(func(s State) State {
			s.Ready = false
			return s
		})
		if len(a.queue) > 0 {
			a.Logger().Debug("dropping queued broadcasts", "count", len(a.queue))
		}
		a.queue = nil
		clear(a.joined)
	default:
		a.Unhandled(msg)
	}
	a.refreshState()
}

func (a *Actor) publish(m message.BroadcastPublish) {
	if a.hub != nil {
		a.hub.Publish(message.BroadcastLocal{RoomID: m.RoomID, Topic: m.Topic, Data: m.Data, Origin: a.id})
	}

	s := a.State()
	if !s.Ready {
		a.Drop(m, "no session")
		return
	}
	if gen, ok := a.joined[m.RoomID]; ok && gen == s.Generation {
		a.send(m.RoomID, m.Topic, m.Data)
		return
	}
	a.queue = append(a.queue, queued{room: m.RoomID, topic: m.Topic, data: m.Data, gen: s.Generation})
}

func (a *Actor) roomJoined(roomID string, wsID int64) {
	s := a.State()
	if !s.Ready || wsID != s.Generation {
		return
	}
	a.joined[roomID] = wsID

	var keep []queued
	for _, q := range a.queue {
		switch {
		case q.room != roomID:
			keep = append(keep, q)
		case q.gen == wsID:
			a.send(q.room, q.topic, q.data)
		}
	}
	a.queue = keep
}

// dropRoom discards publishes queued for a room that will not be joined.
func (a *Actor) dropRoom(roomID string) {
	n := len(a.queue)
	a.queue = slices.DeleteFunc(a.queue, func(q queued) bool { return q.room == roomID })
	if dropped := n - len(a.queue); dropped > 0 {
		a.Logger().Debug("dropping queued broadcasts", "room_id", roomID, "count", dropped)
	}
}

func (a *Actor) send(roomID, topic string, data any) {
	a.Publish(message.ConnectionSend{
		EventID: a.gen.Generate(),
		Frame: message.Frame{
			"op":      message.OpClientBroadcast,
			"room-id": roomID,
			"topic":   topic,
			"data":    data,
		},
	})
}

func (a *Actor) serverBroadcast(p message.Frame) {
	roomID := p.String("room-id")
	body := p.Object("data")
	peerID := body.String("peer-id")

	var peer map[string]any
	if pres, ok := a.presences[roomID]; ok {
		if peerID != "" && peerID == pres.SessionID {
			peer = pres.Presence.User
		} else {
			peer = pres.Presence.Peers[peerID]
		}
	}
	a.deliver(roomID, p.String("topic"), body["data"], peer)
}

func (a *Actor) deliver(roomID, topic string, data any, peer map[string]any) {
	for _, s := range slices.Clone(a.subs[topicKey{roomID, topic}]) {
		a.call(s, data, peer)
	}
}

func (a *Actor) call(s subscriber, data any, peer map[string]any) {
	if s.cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.Logger().Error("broadcast subscriber panicked", "subscriber", s.id, "panic", r)
		}
	}()
	s.cb(data, peer)
}

func (a *Actor) refreshState() {
	n := 0
	for _, subs := range a.subs {
		n += len(subs)
	}
	joined := slices.Sorted(maps.Keys(a.joined))
	pending := len(a.queue)
	a.Update(func(s State) State {
		s.Subscriptions = n
		s.Queued = pending
		s.Joined = joined
		return s
	})
}

// Shutdown leaves the hub and drops queued events.
func (a *Actor) Shutdown() {
	if !a.BeginShutdown() {
		return
	}
	if a.leaveHub != nil {
		a.leaveHub()
	}
	a.queue = nil
}
