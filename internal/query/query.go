// Package query owns query subscriptions: it asks the backend for results,
// layers pending mutations over them and redelivers to subscribers only when
// what they see changes.
package query

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/ids"
	"github.com/roach88/reactor/internal/ir"
	"github.com/roach88/reactor/internal/message"
)

// ErrOnceTimedOut is the error text a query:once settles with when the
// server does not answer in time.
var ErrOnceTimedOut = errors.New("query timed out")

// Defaults applied by New for zero Config fields.
const (
	DefaultCacheLimit  = 10
	DefaultOnceTimeout = 30 * time.Second
)

// Config tunes the query actor.
type Config struct {
	// CacheLimit bounds how many unsubscribed results stay cached.
	CacheLimit int
	// OnceTimeout bounds how long a query:once waits for the server.
	OnceTimeout time.Duration
}

// State is the query actor's published snapshot.
type State struct {
	Active        []string
	Cached        int
	ProcessedTxID int64
	Ready         bool
	Generation    int64
}

type subscriber struct {
	id string
	cb message.QueryCallback
}

type once struct {
	id    string
	reply chan<- message.QueryResult
	timer actor.Timer
}

type subscription struct {
	hash      string
	q         ir.IRObject
	subs      []subscriber
	onces     []*once
	sent      bool
	delivered *message.QueryResult
}

func (s *subscription) idle() bool {
	return len(s.subs) == 0 && len(s.onces) == 0
}

// Actor manages subscriptions. Everything below Base is touched only from
// Receive and Shutdown, which the supervisor calls on its loop goroutine.
type Actor struct {
	*actor.Base[State]

	cfg       Config
	engine    Engine
	scheduler actor.Scheduler
	gen       ids.Generator

	store   *Store
	subs    map[string]*subscription
	cache   *lru.Cache[string, message.CachedQuery]
	pending []message.Pending
	user    *message.User
}

// New creates a query actor. A nil engine selects NamespaceEngine.
func New(cfg Config, engine Engine, scheduler actor.Scheduler, gen ids.Generator, opts ...actor.Option) *Actor {
	if cfg.CacheLimit <= 0 {
		cfg.CacheLimit = DefaultCacheLimit
	}
	if cfg.OnceTimeout <= 0 {
		cfg.OnceTimeout = DefaultOnceTimeout
	}
	if engine == nil {
		engine = NamespaceEngine{}
	}
	if scheduler == nil {
		scheduler = actor.WallScheduler{}
	}
	if gen == nil {
		gen = ids.UUIDv7Generator{}
	}
	// lru.New only fails for non-positive sizes.
	cache, _ := lru.New[string, message.CachedQuery](cfg.CacheLimit)
	return &Actor{
		Base:      actor.NewBase("query", State{}, opts...),
		cfg:       cfg,
		engine:    engine,
		scheduler: scheduler,
		gen:       gen,
		store:     NewStore(),
		subs:      make(map[string]*subscription),
		cache:     cache,
	}
}

// Handles implements actor.Actor.
func (a *Actor) Handles() []string {
	return []string{
		message.QuerySubscribe{}.Type(),
		message.QueryUnsubscribe{}.Type(),
		message.QueryOnce{}.Type(),
		message.QueryOnceTimeout{}.Type(),
		message.QueryRestore{}.Type(),
		message.RoutedType(message.OpAddQueryOK),
		message.RoutedType(message.OpRefreshOK),
		message.RoutedType(message.OpError),
		message.SessionReady{}.Type(),
		message.SessionLost{}.Type(),
		message.AuthChanged{}.Type(),
		message.MutationPendingChanged{}.Type(),
	}
}

// Receive implements actor.Actor.
func (a *Actor) Receive(msg message.Message) {
	if a.IsShutdown() {
		return
	}
	switch m := msg.(type) {
	case message.QuerySubscribe:
		a.subscribe(m)
	case message.QueryUnsubscribe:
		a.unsubscribe(m.Hash, m.SubscriberID)
	case message.QueryOnce:
		a.queryOnce(m)
	case message.QueryOnceTimeout:
		a.onceTimeout(m)
	case message.QueryRestore:
		a.restore(m.Entries)
	case message.Routed:
		switch m.Op {
		case message.OpAddQueryOK:
			a.addQueryOK(m)
		case message.OpRefreshOK:
			a.refreshOK(m)
		case message.OpError:
			a.queryError(m)
		default:
			a.Unhandled(msg)
		}
	case message.SessionReady:
		a.sessionReady(m.Generation)
	case message.SessionLost:
		a.sessionLost()
	case message.AuthChanged:
		a.authChanged(m.User)
	case message.MutationPendingChanged:
		a.pending = m.Pending
		for _, hash := range a.sortedHashes() {
			a.evaluate(a.subs[hash])
		}
	default:
		a.Unhandled(msg)
	}
	a.refreshState()
}

func (a *Actor) subscribe(m message.QuerySubscribe) {
	hash, err := a.hashOf(m.Hash, m.Q)
	if err != nil {
		a.Logger().Warn("rejecting subscription", "error", err)
		a.call(subscriber{id: m.SubscriberID, cb: m.Callback}, message.QueryResult{Error: err.Error()})
		return
	}
	sub, created := a.ensure(hash, m.Q)
	s := subscriber{id: m.SubscriberID, cb: m.Callback}
	sub.subs = append(sub.subs, s)

	if sub.delivered != nil {
		a.call(s, *sub.delivered)
	} else if a.store.Has(hash) {
		a.evaluate(sub)
	}
	if created {
		a.sendAdd(sub)
	}
}

func (a *Actor) unsubscribe(hash, subscriberID string) {
	sub, ok := a.subs[hash]
	if !ok {
		return
	}
	sub.subs = slices.DeleteFunc(sub.subs, func(s subscriber) bool { return s.id == subscriberID })
	a.release(sub)
}

func (a *Actor) queryOnce(m message.QueryOnce) {
	hash, err := a.hashOf("", m.Q)
	if err != nil {
		settle(m.Reply, message.QueryResult{Error: err.Error()})
		return
	}
	id := m.OnceID
	if id == "" {
		id = a.gen.Generate()
	}
	sub, created := a.ensure(hash, m.Q)
	o := &once{id: id, reply: m.Reply}
	o.timer = a.scheduler.AfterFunc(a.cfg.OnceTimeout, func() {
		a.Dispatch(func() { a.Receive(message.QueryOnceTimeout{Hash: hash, OnceID: id}) })
	})
	sub.onces = append(sub.onces, o)
	if created {
		a.sendAdd(sub)
	}
}

func (a *Actor) onceTimeout(m message.QueryOnceTimeout) {
	sub, ok := a.subs[m.Hash]
	if !ok {
		return
	}
	idx := slices.IndexFunc(sub.onces, func(o *once) bool { return o.id == m.OnceID })
	if idx < 0 {
		return
	}
	o := sub.onces[idx]
	sub.onces = slices.Delete(sub.onces, idx, idx+1)
	a.Logger().Warn("query once timed out", "hash", m.Hash)
	settle(o.reply, message.QueryResult{Error: ErrOnceTimedOut.Error()})
	a.release(sub)
}

func (a *Actor) restore(entries []message.CachedQuery) {
	for _, e := range entries {
		if e.Hash == "" {
			continue
		}
		if sub, ok := a.subs[e.Hash]; ok {
			if !a.store.Has(e.Hash) {
				a.store.Seed(e.Hash, e.Result.Data, e.Result.ProcessedTxID)
				a.evaluate(sub)
			}
			continue
		}
		a.cache.Add(e.Hash, e)
	}
}

func (a *Actor) addQueryOK(m message.Routed) {
	q, err := queryFrom(m.Payload["q"])
	if err != nil {
		a.Drop(m, err.Error())
		return
	}
	txID, _ := m.Payload.Int("processed-tx-id")
	if !a.applyResult(q, m.Payload["result"], txID) {
		a.Drop(m, "result for unknown query")
	}
	a.processed(txID)
}

func (a *Actor) refreshOK(m message.Routed) {
	txID, _ := m.Payload.Int("processed-tx-id")
	comps, _ := m.Payload["computations"].([]any)
	for i, raw := range comps {
		c, ok := raw.(map[string]any)
		if !ok {
			if f, isFrame := raw.(message.Frame); isFrame {
				c = f
			} else {
				a.Logger().Warn("malformed computation", "index", i)
				continue
			}
		}
		q, err := queryFrom(c["instaql-query"])
		if err != nil {
			a.Logger().Warn("malformed computation", "index", i, "error", err)
			continue
		}
		a.applyResult(q, c["instaql-result"], txID)
	}
	a.processed(txID)
}

// applyResult stores a server result and reports whether a subscription
// wanted it.
func (a *Actor) applyResult(q ir.IRObject, raw any, txID int64) bool {
	hash, err := ir.QueryHash(q)
	if err != nil {
		return false
	}
	sub, ok := a.subs[hash]
	if !ok {
		return false
	}
	data, err := decodeData(raw)
	if err != nil {
		a.Logger().Warn("malformed query result", "hash", hash, "error", err)
		return true
	}
	a.store.SetConfirmed(hash, data, txID)
	res := a.evaluate(sub)

	onces := sub.onces
	sub.onces = nil
	for _, o := range onces {
		if o.timer != nil {
			o.timer.Stop()
		}
		settle(o.reply, res)
	}
	if len(onces) > 0 {
		a.release(sub)
	}
	return true
}

func (a *Actor) processed(txID int64) {
	if txID <= 0 {
		return
	}
	prev := a.State().ProcessedTxID
	if txID <= prev {
		return
	}
	a.Update(func(s State) State {
		s.ProcessedTxID = txID
		return s
	})
	a.Publish(message.QueryProcessed{TxID: txID})
}

func (a *Actor) queryError(m message.Routed) {
	orig := m.Payload.Object("original-event")
	rawQ, ok := m.Payload["q"]
	if !ok {
		if orig.Op() != message.OpAddQuery {
			return
		}
		rawQ = orig["q"]
	}
	q, err := queryFrom(rawQ)
	if err != nil {
		a.Drop(m, err.Error())
		return
	}
	hash, err := ir.QueryHash(q)
	if err != nil {
		return
	}
	sub, ok := a.subs[hash]
	if !ok {
		return
	}
	text := m.Payload.String("message")
	if text == "" {
		text = "query failed"
	}
	a.Logger().Warn("query rejected by server", "hash", hash, "error", text)

	res := message.QueryResult{Error: text}
	for _, s := range sub.subs {
		a.call(s, res)
	}
	for _, o := range sub.onces {
		if o.timer != nil {
			o.timer.Stop()
		}
		settle(o.reply, res)
	}
	a.store.Remove(hash)
	delete(a.subs, hash)
}

func (a *Actor) sessionReady(gen int64) {
	a.Update(func(s State) State {
		s.Ready = true
		s.Generation = gen
		return s
	})
	for _, hash := range a.sortedHashes() {
		sub := a.subs[hash]
		sub.sent = false
		a.sendAdd(sub)
	}
}

func (a *Actor) sessionLost() {
	a.Update(func(s State) State {
		s.Ready = false
		return s
	})
	for _, sub := range a.subs {
		sub.sent = false
	}
}

func (a *Actor) authChanged(u *message.User) {
	if message.SameUser(a.user, u) {
		a.user = u
		return
	}
	a.user = u
	a.store.Clear()
	a.cache.Purge()
	for _, sub := range a.subs {
		sub.delivered = nil
	}
	a.Logger().Info("user changed, dropped cached query results")
}

// ensure returns the subscription for hash, creating it when absent. A
// cached result for hash seeds the store.
func (a *Actor) ensure(hash string, q ir.IRObject) (*subscription, bool) {
	if sub, ok := a.subs[hash]; ok {
		return sub, false
	}
	sub := &subscription{hash: hash, q: q}
	a.subs[hash] = sub
	if cached, ok := a.cache.Get(hash); ok {
		a.cache.Remove(hash)
		a.store.Seed(hash, cached.Result.Data, cached.Result.ProcessedTxID)
	}
	return sub, true
}

// release drops sub once nothing listens to it, telling the server and
// caching the last delivered result.
func (a *Actor) release(sub *subscription) {
	if !sub.idle() {
		return
	}
	delete(a.subs, sub.hash)
	a.store.Remove(sub.hash)
	if sub.delivered != nil && sub.delivered.Error == "" {
		a.cache.Add(sub.hash, message.CachedQuery{Hash: sub.hash, Q: sub.q, Result: *sub.delivered})
	}
	if sub.sent && a.State().Ready {
		a.Publish(message.ConnectionSend{
			EventID: a.gen.Generate(),
			Frame:   message.Frame{"op": message.OpRemoveQuery, "q": sub.q},
		})
	}
}

func (a *Actor) sendAdd(sub *subscription) {
	if sub.sent || !a.State().Ready {
		return
	}
	sub.sent = true
	a.Publish(message.ConnectionSend{
		EventID: a.gen.Generate(),
		Frame:   message.Frame{"op": message.OpAddQuery, "q": sub.q},
	})
}

// evaluate recomputes sub's result and delivers it when it changed.
func (a *Actor) evaluate(sub *subscription) message.QueryResult {
	if !a.store.Has(sub.hash) {
		return message.QueryResult{}
	}
	res, err := a.engine.Evaluate(sub.q, a.store.View(sub.hash, a.pending))
	if err != nil {
		res = message.QueryResult{Error: err.Error()}
	}
	res.ProcessedTxID = a.store.TxID(sub.hash)

	if sub.delivered != nil && sameResult(*sub.delivered, res) {
		// Only the processed tx id moved; keep it for the cache.
		sub.delivered.ProcessedTxID = res.ProcessedTxID
		return res
	}
	sub.delivered = &res
	for _, s := range slices.Clone(sub.subs) {
		a.call(s, res)
	}
	a.Publish(message.QueryResultChanged{Hash: sub.hash, Q: sub.q, Result: res})
	return res
}

// sameResult compares what subscribers see: data and error. Numbers are
// equal when they normalize to the same value, so an optimistic int and the
// server's json.Number for it do not count as a change.
func sameResult(a, b message.QueryResult) bool {
	return a.Error == b.Error && reflect.DeepEqual(normalizeData(a.Data), normalizeData(b.Data))
}

func normalizeData(data map[string][]message.Entity) map[string]any {
	out := make(map[string]any, len(data))
	for ns, entities := range data {
		list := make([]any, len(entities))
		for i, e := range entities {
			list[i] = normalize(map[string]any(e))
		}
		out[ns] = list
	}
	return out
}

func (a *Actor) call(s subscriber, res message.QueryResult) {
	if s.cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.Logger().Error("query subscriber panicked", "subscriber", s.id, "panic", r)
		}
	}()
	s.cb(res)
}

func (a *Actor) hashOf(hash string, q ir.IRObject) (string, error) {
	if len(q) == 0 {
		return "", fmt.Errorf("empty query")
	}
	if hash != "" {
		return hash, nil
	}
	return ir.QueryHash(q)
}

func (a *Actor) sortedHashes() []string {
	return slices.Sorted(maps.Keys(a.subs))
}

func (a *Actor) refreshState() {
	active := a.sortedHashes()
	cached := a.cache.Len()
	a.Update(func(s State) State {
		s.Active = active
		s.Cached = cached
		return s
	})
}

// Shutdown settles every waiting query:once and stops its timer.
func (a *Actor) Shutdown() {
	if !a.BeginShutdown() {
		return
	}
	for _, sub := range a.subs {
		for _, o := range sub.onces {
			if o.timer != nil {
				o.timer.Stop()
			}
			settle(o.reply, message.QueryResult{Error: actor.ErrShutdown.Error()})
		}
		sub.onces = nil
	}
}

// settle delivers the single answer to a query:once reply channel. Callers
// pass a buffered channel; a full channel means the answer was already
// given.
func settle(reply chan<- message.QueryResult, res message.QueryResult) {
	if reply == nil {
		return
	}
	select {
	case reply <- res:
	default:
	}
}

func queryFrom(raw any) (ir.IRObject, error) {
	if raw == nil {
		return nil, fmt.Errorf("missing query")
	}
	v, err := ir.FromAny(raw)
	if err != nil {
		return nil, fmt.Errorf("decode query: %w", err)
	}
	q, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("query must be an object, got %T", raw)
	}
	return q, nil
}
