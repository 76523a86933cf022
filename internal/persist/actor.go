// Package persist keeps a reactor's offline state in SQLite: the pending
// mutation queue, recently delivered query results and the signed-in user.
//
// The actor never writes inside Receive. Each message becomes a job on a
// queue drained by a single writer goroutine; consecutive queue snapshots
// coalesce so only the latest one is written.
package persist

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/message"
)

// DefaultCacheLimit bounds the persisted query cache.
const DefaultCacheLimit = 50

// State is empty; progress is reported through Stats.
type State struct{}

// Stats counts completed writer jobs.
type Stats struct {
	Writes int64
	Errors int64
}

// Restored is what Load hands the supervisor at boot.
type Restored struct {
	Pending []message.Pending
	Queries []message.CachedQuery
	User    *message.User
}

type jobKind int

const (
	jobPending jobKind = iota + 1
	jobQuery
	jobUser
	jobFlush
)

type job struct {
	kind      jobKind
	pending   []message.Pending
	query     message.CachedQuery
	user      *message.User
	clearUser bool
	done      chan struct{}
}

// Actor mirrors state changes into a Store.
type Actor struct {
	*actor.Base[State]

	store      *Store
	cacheLimit int

	mu     sync.Mutex
	user   *message.User
	jobs   []job
	closed bool
	signal chan struct{}
	done   chan struct{}

	writes atomic.Int64
	errors atomic.Int64
}

// New creates a persist actor over store and starts its writer.
// cacheLimit <= 0 selects DefaultCacheLimit.
func New(store *Store, cacheLimit int, opts ...actor.Option) *Actor {
	if cacheLimit <= 0 {
		cacheLimit = DefaultCacheLimit
	}
	a := &Actor{
		Base:       actor.NewBase("persist", State{}, opts...),
		store:      store,
		cacheLimit: cacheLimit,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go a.run()
	return a
}

// Load reads everything needed to restore a reactor.
func (a *Actor) Load(ctx context.Context) (Restored, error) {
	var r Restored
	var err error
	if r.Pending, err = a.store.LoadPending(ctx); err != nil {
		return Restored{}, err
	}
	if r.Queries, err = a.store.LoadQueries(ctx); err != nil {
		return Restored{}, err
	}
	if r.User, err = a.store.LoadUser(ctx); err != nil {
		return Restored{}, err
	}
	a.mu.Lock()
	a.user = r.User
	a.mu.Unlock()
	return r, nil
}

// Handles implements actor.Actor.
func (a *Actor) Handles() []string {
	return []string{
		message.MutationPendingChanged{}.Type(),
		message.QueryResultChanged{}.Type(),
		message.AuthChanged{}.Type(),
	}
}

// Receive implements actor.Actor.
func (a *Actor) Receive(msg message.Message) {
	if a.IsShutdown() {
		return
	}
	switch m := msg.(type) {
	case message.MutationPendingChanged:
		a.enqueue(job{kind: jobPending, pending: m.Pending})
	case message.QueryResultChanged:
		if m.Hash == "" || m.Result.Error != "" {
			a.Drop(msg, "nothing to cache")
			return
		}
		a.enqueue(job{kind: jobQuery, query: message.CachedQuery{Hash: m.Hash, Result: m.Result}})
	case message.AuthChanged:
		a.mu.Lock()
		changed := !message.SameUser(a.user, m.User)
		a.user = m.User
		a.mu.Unlock()
		a.enqueue(job{kind: jobUser, user: m.User, clearUser: changed})
	default:
		a.Unhandled(msg)
	}
}

func (a *Actor) enqueue(j job) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	if n := len(a.jobs); j.kind == jobPending && n > 0 && a.jobs[n-1].kind == jobPending {
		a.jobs[n-1] = j
	} else {
		a.jobs = append(a.jobs, j)
	}
	select {
	case a.signal <- struct{}{}:
	default:
	}
	return true
}

func (a *Actor) next() (job, bool, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.jobs) == 0 {
		return job{}, false, a.closed
	}
	j := a.jobs[0]
	a.jobs[0] = job{}
	a.jobs = a.jobs[1:]
	return j, true, false
}

func (a *Actor) run() {
	defer close(a.done)
	for {
		j, ok, closed := a.next()
		if closed {
			return
		}
		if !ok {
			<-a.signal
			continue
		}
		a.write(j)
	}
}

func (a *Actor) write(j job) {
	ctx := context.Background()
	var err error
	switch j.kind {
	case jobPending:
		err = a.store.SavePending(ctx, j.pending)
	case jobQuery:
		err = a.store.SaveQuery(ctx, j.query, a.cacheLimit)
	case jobUser:
		if j.clearUser {
			err = a.store.ClearQueries(ctx)
		}
		if err == nil {
			err = a.store.SaveUser(ctx, j.user)
		}
	case jobFlush:
		close(j.done)
		return
	}
	if err != nil {
		a.errors.Add(1)
		a.Logger().Error("persist write failed", "error", err)
		return
	}
	a.writes.Add(1)
}

// Flush blocks until every job queued before the call has been written. It
// returns immediately after Shutdown.
func (a *Actor) Flush() {
	done := make(chan struct{})
	if !a.enqueue(job{kind: jobFlush, done: done}) {
		return
	}
	select {
	case <-done:
	case <-a.done:
	}
}

// Stats reports writer progress.
func (a *Actor) Stats() Stats {
	return Stats{Writes: a.writes.Load(), Errors: a.errors.Load()}
}

// Shutdown writes whatever is queued, stops the writer and makes the actor
// inert. The store stays open; its owner closes it.
func (a *Actor) Shutdown() {
	if !a.BeginShutdown() {
		return
	}
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	select {
	case a.signal <- struct{}{}:
	default:
	}
	<-a.done
}
