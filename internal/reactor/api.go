package reactor

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/roach88/reactor/internal/ir"
	"github.com/roach88/reactor/internal/message"
)

// SubscribeQuery registers cb for q. cb runs on the loop goroutine with the
// cached result first, when there is one, then with every change. The
// returned function unsubscribes and is safe to call more than once.
func (r *Reactor) SubscribeQuery(q ir.IRObject, cb message.QueryCallback) (unsubscribe func(), err error) {
	hash, err := ir.QueryHash(q)
	if err != nil {
		return nil, err
	}
	subID := r.ids.Generate()
	if !r.post(message.QuerySubscribe{Hash: hash, Q: q, SubscriberID: subID, Callback: cb}) {
		return nil, r.shutdownErr()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			r.post(message.QueryUnsubscribe{Hash: hash, SubscriberID: subID})
		})
	}, nil
}

// QueryOnce returns the next server result for q. It fails with a timeout
// RuntimeError when the server does not answer within the configured
// window, and with ctx's error when ctx ends first.
func (r *Reactor) QueryOnce(ctx context.Context, q ir.IRObject) (message.QueryResult, error) {
	reply, err := r.queryOnce(q)
	if err != nil {
		return message.QueryResult{}, err
	}
	select {
	case res := <-reply:
		return res, queryError(res.Error)
	case <-ctx.Done():
		return message.QueryResult{}, ctx.Err()
	case <-r.done:
		select {
		case res := <-reply:
			return res, queryError(res.Error)
		default:
			return message.QueryResult{}, r.shutdownErr()
		}
	}
}

func (r *Reactor) queryOnce(q ir.IRObject) (<-chan message.QueryResult, error) {
	if _, err := ir.QueryHash(q); err != nil {
		return nil, err
	}
	reply := make(chan message.QueryResult, 1)
	if !r.post(message.QueryOnce{OnceID: r.ids.Generate(), Q: q, Reply: reply}) {
		return nil, r.shutdownErr()
	}
	return reply, nil
}

// TransactAsync queues ops as one transaction and returns its id with a
// channel that receives exactly one outcome.
func (r *Reactor) TransactAsync(ops []message.Op) (string, <-chan message.MutationOutcome, error) {
	id := r.ids.Generate()
	reply := make(chan message.MutationOutcome, 1)
	if !r.post(message.MutationTransact{ID: id, Ops: ops, Reply: reply}) {
		return "", nil, r.shutdownErr()
	}
	return id, reply, nil
}

// Transact queues ops and waits for the server to confirm or refuse them.
// The transaction stays queued when ctx ends first.
func (r *Reactor) Transact(ctx context.Context, ops []message.Op) (message.MutationOutcome, error) {
	_, reply, err := r.TransactAsync(ops)
	if err != nil {
		return message.MutationOutcome{}, err
	}
	select {
	case out := <-reply:
		return out, out.Err
	case <-ctx.Done():
		return message.MutationOutcome{}, ctx.Err()
	case <-r.done:
		select {
		case out := <-reply:
			return out, out.Err
		default:
			return message.MutationOutcome{}, r.shutdownErr()
		}
	}
}

// SignIn replaces the current user.
func (r *Reactor) SignIn(u message.User) bool {
	return r.post(message.AuthSetUser{User: &u})
}

// SignOut clears the current user.
func (r *Reactor) SignOut() bool {
	return r.post(message.AuthSignOut{})
}

// SubscribeAuth calls cb on every identity change, and once with the
// current identity unless auth is still restoring.
func (r *Reactor) SubscribeAuth(cb func(*message.User, error)) (unsubscribe func()) {
	unsub := r.bus.On(message.AuthChanged{}.Type(), func(m message.Message) {
		c := m.(message.AuthChanged)
		cb(c.User, c.Err)
	})
	r.dispatch(func() {
		if s := r.auth.State(); !s.IsLoading {
			cb(s.User, s.Error)
		}
	})
	return unsub
}

// SubscribeConnectionStatus calls cb with the current status, then on
// every transition.
func (r *Reactor) SubscribeConnectionStatus(cb func(message.ConnectionStatus, error)) (unsubscribe func()) {
	unsub := r.bus.On(message.ConnectionStatusChanged{}.Type(), func(m message.Message) {
		c := m.(message.ConnectionStatusChanged)
		cb(c.Status, c.Err)
	})
	r.dispatch(func() { cb(r.connection.Status(), nil) })
	return unsub
}

// SubscribeStorage observes every storage completion and failure.
func (r *Reactor) SubscribeStorage(cb func(message.Message)) (unsubscribe func()) {
	unsubs := []func(){
		r.bus.On(message.StorageUploadComplete{}.Type(), cb),
		r.bus.On(message.StorageDeleteComplete{}.Type(), cb),
		r.bus.On(message.StorageError{}.Type(), cb),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Upload stores data at path and waits for the backend. Concurrent
// operations on the same path are not told apart.
func (r *Reactor) Upload(ctx context.Context, path string, data []byte, opts message.UploadOptions) (message.UploadResult, error) {
	done := make(chan storageOutcome, 1)
	unsub := r.awaitStorage("upload", path, message.StorageUploadComplete{}.Type(), done)
	defer unsub()

	if !r.post(message.StorageUpload{Path: path, File: bytes.Clone(data), Opts: opts}) {
		return message.UploadResult{}, r.shutdownErr()
	}
	out, err := r.waitStorage(ctx, done)
	return out.result, err
}

// Delete removes path and waits for the backend.
func (r *Reactor) Delete(ctx context.Context, path string) error {
	done := make(chan storageOutcome, 1)
	unsub := r.awaitStorage("delete", path, message.StorageDeleteComplete{}.Type(), done)
	defer unsub()

	if !r.post(message.StorageDelete{Path: path}) {
		return r.shutdownErr()
	}
	_, err := r.waitStorage(ctx, done)
	return err
}

type storageOutcome struct {
	result message.UploadResult
	err    error
}

func (r *Reactor) awaitStorage(operation, path, completeType string, done chan<- storageOutcome) func() {
	settle := func(o storageOutcome) {
		select {
		case done <- o:
		default:
		}
	}
	onComplete := r.bus.On(completeType, func(m message.Message) {
		switch c := m.(type) {
		case message.StorageUploadComplete:
			if c.Path == path {
				settle(storageOutcome{result: c.Result})
			}
		case message.StorageDeleteComplete:
			if c.Path == path {
				settle(storageOutcome{})
			}
		}
	})
	onError := r.bus.On(message.StorageError{}.Type(), func(m message.Message) {
		if e := m.(message.StorageError); e.Operation == operation && e.Path == path {
			settle(storageOutcome{err: e.Err})
		}
	})
	return func() {
		onComplete()
		onError()
	}
}

func (r *Reactor) waitStorage(ctx context.Context, done <-chan storageOutcome) (storageOutcome, error) {
	select {
	case out := <-done:
		return out, out.err
	case <-ctx.Done():
		return storageOutcome{}, ctx.Err()
	case <-r.done:
		return storageOutcome{}, r.shutdownErr()
	}
}

// SubscribeSnapshot calls cb with the current snapshot, then whenever any
// part of it changes.
func (r *Reactor) SubscribeSnapshot(cb func(Snapshot)) (unsubscribe func()) {
	s := &snapshotSub{fn: cb}
	r.snapMu.Lock()
	r.snapSubs = append(slices.Clone(r.snapSubs), s)
	r.snapMu.Unlock()

	r.dispatch(func() { r.callSnapshot(s, r.Snapshot()) })

	var once sync.Once
	return func() {
		once.Do(func() {
			r.snapMu.Lock()
			defer r.snapMu.Unlock()
			if i := slices.Index(r.snapSubs, s); i >= 0 {
				r.snapSubs = slices.Delete(slices.Clone(r.snapSubs), i, i+1)
			}
		})
	}
}

// Snapshot returns the most recent consolidated state.
func (r *Reactor) Snapshot() Snapshot {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()
	return r.snapshot
}

// Room is a handle on one joined presence room.
type Room struct {
	r  *Reactor
	id string
}

// ErrEmptyRoom is returned by JoinRoom for an empty room id.
var ErrEmptyRoom = errors.New("room id is empty")

// JoinRoom joins roomID with optional initial presence data. Joining a room
// twice merges initial into the existing presence.
func (r *Reactor) JoinRoom(roomID string, initial map[string]any) (*Room, error) {
	if roomID == "" {
		return nil, ErrEmptyRoom
	}
	if !r.post(message.PresenceJoinRoom{RoomID: roomID, Initial: initial}) {
		return nil, r.shutdownErr()
	}
	return &Room{r: r, id: roomID}, nil
}

// ID returns the room id.
func (rm *Room) ID() string { return rm.id }

// SetPresence merges data into the local user's presence.
func (rm *Room) SetPresence(data map[string]any) bool {
	return rm.r.post(message.PresenceSet{RoomID: rm.id, Data: data})
}

// Publish sends data on topic to every peer in the room.
func (rm *Room) Publish(topic string, data any) bool {
	return rm.r.post(message.BroadcastPublish{RoomID: rm.id, Topic: topic, Data: data})
}

// SubscribeTopic calls cb for every event published on topic by a peer.
func (rm *Room) SubscribeTopic(topic string, cb message.BroadcastCallback) (unsubscribe func()) {
	subID := rm.r.ids.Generate()
	rm.r.post(message.BroadcastSubscribe{RoomID: rm.id, Topic: topic, SubscriberID: subID, Callback: cb})
	var once sync.Once
	return func() {
		once.Do(func() {
			rm.r.post(message.BroadcastUnsubscribe{RoomID: rm.id, Topic: topic, SubscriberID: subID})
		})
	}
}

// SubscribePresence calls cb with the room's current presence, then on
// every change.
func (rm *Room) SubscribePresence(cb message.PresenceCallback) (unsubscribe func()) {
	unsub := rm.r.bus.On(message.PresenceUpdated{}.Type(), func(m message.Message) {
		if u := m.(message.PresenceUpdated); u.RoomID == rm.id {
			cb(u.Presence)
		}
	})
	rm.r.dispatch(func() {
		if p, ok := rm.r.presence.Room(rm.id); ok {
			cb(p)
		}
	})
	return unsub
}

// Presence returns the room's current presence.
func (rm *Room) Presence() (message.PresenceSnapshot, bool) {
	return rm.r.presence.Room(rm.id)
}

// Leave leaves the room. Broadcasts still queued for it are dropped.
func (rm *Room) Leave() bool {
	return rm.r.post(message.PresenceLeaveRoom{RoomID: rm.id})
}
