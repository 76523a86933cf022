// Package reactor supervises the actor tree of one client.
//
// The Reactor owns a bus and a single FIFO delivery queue. Every actor's
// publications go onto the bus; bus handlers enqueue a delivery for each
// actor that handles the message type. One loop drains the queue, so every
// Receive, and every Shutdown, runs on a single goroutine.
//
// Thread-safety model:
//   - Public API methods: safe from any goroutine; they only enqueue
//   - Run: must be called from exactly one goroutine
//   - Drain: single-threaded alternative to Run for tests and the harness
//   - Callbacks: run on the loop goroutine and must not block or call
//     Shutdown
package reactor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/auth"
	"github.com/roach88/reactor/internal/broadcast"
	"github.com/roach88/reactor/internal/bus"
	"github.com/roach88/reactor/internal/config"
	"github.com/roach88/reactor/internal/connection"
	"github.com/roach88/reactor/internal/ids"
	"github.com/roach88/reactor/internal/message"
	"github.com/roach88/reactor/internal/mutation"
	"github.com/roach88/reactor/internal/network"
	"github.com/roach88/reactor/internal/persist"
	"github.com/roach88/reactor/internal/presence"
	"github.com/roach88/reactor/internal/query"
	"github.com/roach88/reactor/internal/router"
	"github.com/roach88/reactor/internal/schema"
	"github.com/roach88/reactor/internal/session"
	"github.com/roach88/reactor/internal/storage"
	"github.com/roach88/reactor/internal/transport"
)

// Reactor is the client sync core.
type Reactor struct {
	cfg    config.Config
	o      options
	logger *slog.Logger
	ids    ids.Generator

	bus   *bus.Bus
	queue *deliveryQueue

	network    *network.Actor
	router     *router.Actor
	auth       *auth.Actor
	connection *connection.Actor
	session    *session.Actor
	query      *query.Actor
	mutation   *mutation.Actor
	presence   *presence.Actor
	broadcast  *broadcast.Actor
	storage    *storage.Actor
	persist    *persist.Actor

	// actors in boot order.
	actors     []actor.Actor
	gated      map[actor.Actor]bool
	ownedStore *persist.Store

	// Loop-only.
	crashes map[string][]time.Time

	failMu  sync.Mutex
	failure error

	snapMu   sync.Mutex
	snapshot Snapshot
	snapSubs []*snapshotSub

	mu       sync.Mutex
	started  bool
	running  bool
	closed   bool
	stopped  chan struct{}
	done     chan struct{}
	teardown sync.Once
}

// New builds the actor tree for cfg. Nothing connects until Start or Run.
func New(cfg config.Config, opts ...Option) (*Reactor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.dialer == nil {
		o.dialer = transport.WebSocketDialer{Logger: o.logger}
	}
	if o.scheduler == nil {
		o.scheduler = actor.WallScheduler{}
	}
	if o.ids == nil {
		o.ids = ids.UUIDv7Generator{}
	}
	if o.backend == nil {
		o.backend = storage.NewMemoryBackend("memory://" + cfg.AppID)
	}
	if o.now == nil {
		o.now = time.Now
	}

	r := &Reactor{
		cfg:     cfg,
		o:       o,
		logger:  o.logger.With("component", "reactor"),
		ids:     o.ids,
		bus:     bus.New(bus.WithLogger(o.logger.With("component", "bus"))),
		queue:   newDeliveryQueue(),
		gated:   make(map[actor.Actor]bool),
		crashes: make(map[string][]time.Time),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}

	validator := o.validator
	if validator == nil && cfg.SchemaPath != "" {
		s, err := schema.Load(cfg.SchemaPath)
		if err != nil {
			return nil, fmt.Errorf("load schema: %w", err)
		}
		validator = s
	}

	store := o.store
	if store == nil && cfg.DBPath != "" {
		s, err := persist.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open offline store: %w", err)
		}
		store = s
		r.ownedStore = s
	}

	aopts := []actor.Option{
		actor.WithLogger(o.logger),
		actor.WithDispatcher(actor.DispatcherFunc(r.dispatch)),
	}

	r.network = network.New(o.listener, aopts...)
	r.router = router.New(aopts...)
	r.auth = auth.New(aopts...)
	r.connection = connection.New(connection.Config{
		URI:              cfg.URI,
		AppID:            cfg.AppID,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
		Jitter:           cfg.ReconnectJitter,
	}, o.dialer, o.scheduler, aopts...)
	r.session = session.New(session.Config{AppID: cfg.AppID, Version: cfg.Version}, o.ids, aopts...)
	r.query = query.New(query.Config{
		CacheLimit:  cfg.QueryCacheLimit,
		OnceTimeout: cfg.QueryOnceTimeout,
	}, o.engine, o.scheduler, o.ids, aopts...)
	r.mutation = mutation.New(mutation.Config{
		Timeout:     cfg.MutationTimeout,
		MaxAttempts: cfg.MutationMaxAttempts,
		Now:         o.now,
	}, validator, o.scheduler, o.ids, aopts...)
	r.presence = presence.New(presence.Config{FlushWindow: cfg.PresenceFlushWindow}, o.scheduler, o.ids, aopts...)
	r.broadcast = broadcast.New(o.ids, aopts...)
	r.storage = storage.New(o.backend, aopts...)

	r.wire(r.network, false)
	r.wire(r.router, false)
	r.wire(r.auth, false)
	r.wire(r.connection, false)
	r.wire(r.session, false)
	r.wire(r.query, true)
	r.wire(r.mutation, true)
	r.wire(r.presence, true)
	r.wire(r.broadcast, true)
	r.wire(r.storage, false)
	if store != nil {
		r.persist = persist.New(store, cfg.PersistCacheLimit, aopts...)
		r.wire(r.persist, false)
	}

	if o.hub != nil {
		r.broadcast.Attach(o.hub)
	}

	r.snapshot = r.collect()
	return r, nil
}

// wire forwards a's publications to the bus and subscribes a to every type
// it handles. Gated actors only see routed frames the session accepts.
func (r *Reactor) wire(a actor.Actor, gated bool) {
	r.actors = append(r.actors, a)
	r.gated[a] = gated
	a.Subscribe(r.bus.Emit)
	for _, typ := range a.Handles() {
		r.bus.On(typ, func(m message.Message) {
			r.queue.Enqueue(delivery{target: a, msg: m})
		})
	}
}

func (r *Reactor) dispatch(fn func()) {
	if !r.queue.Enqueue(delivery{fn: fn}) {
		r.logger.Debug("dropping dispatched work after shutdown")
	}
}

// post emits msg on the bus from the loop goroutine.
func (r *Reactor) post(msg message.Message) bool {
	return r.queue.Enqueue(delivery{fn: func() { r.bus.Emit(msg) }})
}

// Enqueue delivers msg to every actor that handles its type, in FIFO order
// with everything else. Returns false after shutdown.
func (r *Reactor) Enqueue(msg message.Message) bool {
	if !message.Valid(msg) {
		r.logger.Debug("dropping message without type")
		return false
	}
	return r.post(msg)
}

// Start restores persisted state, seeds connectivity and asks the
// connection actor to connect. Run calls it; tests that Drain call it
// directly. Only the first call does anything.
func (r *Reactor) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	var restoredUser *message.User
	if r.persist != nil {
		restored, err := r.persist.Load(ctx)
		if err != nil {
			return fmt.Errorf("restore offline state: %w", err)
		}
		restoredUser = restored.User
		if len(restored.Pending) > 0 {
			r.post(message.MutationRestore{Pending: restored.Pending})
		}
		if len(restored.Queries) > 0 {
			r.post(message.QueryRestore{Entries: restored.Queries})
		}
		r.logger.Info("offline state restored",
			"pending", len(restored.Pending),
			"queries", len(restored.Queries),
			"user", restoredUser != nil,
		)
	}
	// A sign-in that raced ahead of the restore wins.
	r.dispatch(func() {
		if r.auth.State().IsLoading {
			r.bus.Emit(message.AuthSetUser{User: restoredUser})
		}
	})

	if err := r.network.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize network: %w", err)
	}
	// The connection actor learns the real status before it is asked to
	// connect.
	r.post(message.NetworkStatus{IsOnline: r.network.IsOnline()})
	r.post(message.ConnectionStart{})

	r.logger.Info("reactor started", "app_id", r.cfg.AppID, "online", r.network.IsOnline())
	return nil
}

// Run starts the reactor and drains its queue until ctx is cancelled,
// Shutdown is called or an actor exhausts its restart budget. The tree is
// shut down when Run returns.
func (r *Reactor) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running || r.closed {
		r.mu.Unlock()
		return &RuntimeError{Code: ErrCodeShutdown, Message: "reactor already running or shut down", Err: ErrShutdown}
	}
	r.running = true
	r.mu.Unlock()

	r.logger.Info("reactor loop starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.loop(gctx) })
	g.Go(func() error { return r.Start(gctx) })
	err := g.Wait()

	r.shutdownActors()
	r.mu.Lock()
	r.running = false
	r.closed = true
	r.mu.Unlock()
	close(r.stopped)

	if err != nil {
		r.logger.Info("reactor loop stopped", "error", err)
	} else {
		r.logger.Info("reactor loop stopped")
	}
	return err
}

func (r *Reactor) loop(ctx context.Context) error {
	for {
		if d, ok := r.queue.TryDequeue(); ok {
			r.process(d)
			if err := r.Err(); err != nil {
				return err
			}
			r.refreshSnapshot()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.queue.Wait():
			// The signal channel closes with the queue.
			if r.queue.Closed() {
				return r.Err()
			}
		}
	}
}

// Drain processes queued deliveries on the calling goroutine until the
// queue is empty, including deliveries produced while draining, and returns
// how many ran. It stops early when an actor exhausts its restart budget;
// Err reports that failure.
func (r *Reactor) Drain() int {
	n := 0
	for r.Err() == nil {
		d, ok := r.queue.TryDequeue()
		if !ok {
			break
		}
		r.process(d)
		n++
		if r.Err() == nil {
			r.refreshSnapshot()
		}
	}
	return n
}

// Quiesce waits until in-flight dials and storage operations have handed
// their results to the queue. Single-threaded drivers call it between
// Drains.
func (r *Reactor) Quiesce() {
	r.connection.WaitDialing()
	r.storage.Wait()
}

// Err returns the failure that stopped the loop, if any. Safe to call from
// any goroutine.
func (r *Reactor) Err() error {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	return r.failure
}

func (r *Reactor) process(d delivery) {
	if d.fn != nil {
		r.guard("dispatch", nil, nil, d.fn)
		return
	}
	if r.gated[d.target] {
		if rm, ok := d.msg.(message.Routed); ok && !r.session.Accepts(rm.WsID) {
			r.logger.Debug("session gate dropped frame",
				"actor", d.target.Name(),
				"type", rm.Type(),
				"ws_id", rm.WsID,
			)
			return
		}
	}
	r.guard(d.target.Name(), d.target, d.msg, func() { d.target.Receive(d.msg) })
}

// guard runs fn and applies the restart policy if it panics.
func (r *Reactor) guard(name string, target actor.Actor, msg message.Message, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.crashed(name, target, msg, p)
		}
	}()
	fn()
}

func (r *Reactor) crashed(name string, target actor.Actor, msg message.Message, p any) {
	now := r.o.now()
	cutoff := now.Add(-r.cfg.RestartWindow)
	var recent []time.Time
	for _, t := range r.crashes[name] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	r.crashes[name] = recent
	restarts := len(recent)

	r.logger.Error("actor panicked",
		"actor", name,
		"type", message.TypeOf(msg),
		"panic", p,
		"restarts", restarts,
		"limit", r.cfg.MaxRestarts,
	)
	r.bus.Emit(message.ActorCrashed{Actor: name, Message: message.TypeOf(msg), Panic: p, Restarts: restarts})

	if restarts > r.cfg.MaxRestarts {
		r.failMu.Lock()
		r.failure = NewCrashError(name, restarts, p)
		r.failMu.Unlock()
		r.queue.Close()
		return
	}
	if rs, ok := target.(actor.Restarter); ok {
		rs.Restart()
	}
}

// Shutdown stops the loop, shuts every actor down in reverse boot order,
// settles waiting requests with ErrShutdown and clears the bus. Idempotent.
// It must not be called from a callback.
func (r *Reactor) Shutdown() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.queue.Close()
		<-r.stopped
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.shutdownActors()
}

func (r *Reactor) shutdownActors() {
	r.teardown.Do(func() {
		r.queue.Close()
		for i := len(r.actors) - 1; i >= 0; i-- {
			r.actors[i].Shutdown()
		}
		r.storage.Wait()
		r.bus.Clear()

		r.snapMu.Lock()
		r.snapSubs = nil
		r.snapMu.Unlock()

		if r.ownedStore != nil {
			if err := r.ownedStore.Close(); err != nil {
				r.logger.Warn("closing offline store", "error", err)
			}
		}
		close(r.done)
		r.logger.Info("reactor shut down")
	})
}

// Bus exposes the bus for observers such as trace recorders. Handlers run
// on the loop goroutine.
func (r *Reactor) Bus() *bus.Bus {
	return r.bus
}

// Flush waits for the offline store to catch up with every write queued so
// far. No-op without persistence.
func (r *Reactor) Flush() {
	if r.persist != nil {
		r.persist.Flush()
	}
}

func (r *Reactor) shutdownErr() error {
	return &RuntimeError{Code: ErrCodeShutdown, Message: "reactor shut down", Err: ErrShutdown}
}
