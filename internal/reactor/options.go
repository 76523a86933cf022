package reactor

import (
	"log/slog"
	"time"

	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/broadcast"
	"github.com/roach88/reactor/internal/ids"
	"github.com/roach88/reactor/internal/mutation"
	"github.com/roach88/reactor/internal/network"
	"github.com/roach88/reactor/internal/persist"
	"github.com/roach88/reactor/internal/query"
	"github.com/roach88/reactor/internal/storage"
	"github.com/roach88/reactor/internal/transport"
)

type options struct {
	listener  network.Listener
	dialer    transport.Dialer
	scheduler actor.Scheduler
	ids       ids.Generator
	engine    query.Engine
	validator mutation.Validator
	backend   storage.Backend
	store     *persist.Store
	hub       *broadcast.Hub
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Reactor's collaborators. Everything has a production
// default; tests replace the I/O edges.
type Option func(*options)

// WithListener sets the connectivity source. Default: network.AlwaysOnline.
func WithListener(l network.Listener) Option {
	return func(o *options) { o.listener = l }
}

// WithDialer sets the transport. Default: transport.WebSocketDialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithScheduler sets the timer source for reconnects, transaction timeouts
// and presence flushes.
func WithScheduler(s actor.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithIDs sets the generator for event, mutation and subscriber ids.
// Default: ids.UUIDv7Generator.
func WithIDs(g ids.Generator) Option {
	return func(o *options) { o.ids = g }
}

// WithEngine sets the local query evaluator. Default: query.NamespaceEngine.
func WithEngine(e query.Engine) Option {
	return func(o *options) { o.engine = e }
}

// WithValidator checks transactions before they are queued. Takes
// precedence over Config.SchemaPath.
func WithValidator(v mutation.Validator) Option {
	return func(o *options) { o.validator = v }
}

// WithBackend sets the file storage backend. Default: an in-memory backend.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithStore persists offline state to s. The caller keeps ownership of s.
// Takes precedence over Config.DBPath.
func WithStore(s *persist.Store) Option {
	return func(o *options) { o.store = s }
}

// WithHub shares topic broadcasts with other reactors attached to h.
func WithHub(h *broadcast.Hub) Option {
	return func(o *options) { o.hub = h }
}

// WithLogger sets the logger for the reactor and all its actors.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNow sets the wall clock used for the restart window and transaction
// timestamps.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
