package reactor

import (
	"maps"
	"slices"

	"github.com/roach88/reactor/internal/message"
)

// Snapshot is the consolidated view of every actor's state.
type Snapshot struct {
	IsOnline         bool
	Status           message.ConnectionStatus
	Generation       int64
	SessionReady     bool
	SessionID        string
	User             *message.User
	PendingMutations int
	ActiveQueries    int
	Rooms            []string
}

func (s Snapshot) equal(o Snapshot) bool {
	return s.IsOnline == o.IsOnline &&
		s.Status == o.Status &&
		s.Generation == o.Generation &&
		s.SessionReady == o.SessionReady &&
		s.SessionID == o.SessionID &&
		sameUser(s.User, o.User) &&
		s.PendingMutations == o.PendingMutations &&
		s.ActiveQueries == o.ActiveQueries &&
		slices.Equal(s.Rooms, o.Rooms)
}

// sameUser compares every field, unlike message.SameUser, so a refreshed
// token is a visible change.
func sameUser(a, b *message.User) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type snapshotSub struct {
	fn func(Snapshot)
}

// collect reads every actor's state. Called on the loop goroutine.
func (r *Reactor) collect() Snapshot {
	conn := r.connection.State()
	sess := r.session.State()
	var user *message.User
	if u := r.auth.User(); u != nil {
		cp := *u
		user = &cp
	}
	return Snapshot{
		IsOnline:         r.network.IsOnline(),
		Status:           conn.Status,
		Generation:       conn.Generation,
		SessionReady:     sess.Ready(),
		SessionID:        sess.SessionID,
		User:             user,
		PendingMutations: len(r.mutation.State().Pending),
		ActiveQueries:    len(r.query.State().Active),
		Rooms:            slices.Sorted(maps.Keys(r.presence.State().Rooms)),
	}
}

// refreshSnapshot recomputes the snapshot and notifies subscribers when it
// changed.
func (r *Reactor) refreshSnapshot() {
	next := r.collect()

	r.snapMu.Lock()
	if next.equal(r.snapshot) {
		r.snapMu.Unlock()
		return
	}
	r.snapshot = next
	subs := r.snapSubs
	r.snapMu.Unlock()

	for _, s := range subs {
		r.callSnapshot(s, next)
	}
}

func (r *Reactor) callSnapshot(s *snapshotSub, snap Snapshot) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("snapshot subscriber panicked", "panic", p)
		}
	}()
	s.fn(snap)
}
