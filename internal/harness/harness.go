package harness

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roach88/reactor/internal/config"
	"github.com/roach88/reactor/internal/ids"
	"github.com/roach88/reactor/internal/ir"
	"github.com/roach88/reactor/internal/message"
	"github.com/roach88/reactor/internal/reactor"
	"github.com/roach88/reactor/internal/testutil"
)

// DefaultAppID is used when a scenario does not name one.
const DefaultAppID = "harness-app"

const harnessURI = "wss://harness.invalid/runtime/session"

// Option configures a run.
type Option func(*Harness)

// WithLogger routes the reactor's logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Harness drives one reactor through a scenario. Every collaborator with
// I/O or time in it is a fake, so a run is a pure function of its scenario.
type Harness struct {
	r        *reactor.Reactor
	dialer   *testutil.FakeDialer
	listener *testutil.FakeListener
	sched    *testutil.ManualScheduler
	logger   *slog.Logger

	started bool
	opens   int
	txIDs   map[string]string
	unsubs  map[string]func()
	rooms   map[string]*reactor.Room

	mu     sync.Mutex
	result *Result
}

// Run executes a scenario and returns the result with every assertion
// evaluated. An error means the scenario could not run to completion: a bad
// step, or an actor that exhausted its restart budget.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h, err := newHarness(scenario, opts...)
	if err != nil {
		return nil, err
	}
	defer h.r.Shutdown()

	for i, step := range scenario.Steps {
		if err := h.execute(step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Do, err)
		}
		h.settle()
		if err := h.r.Err(); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Do, err)
		}
		h.logger.Debug("step completed", "step", i, "do", step.Do)
	}

	result := h.finish()
	for _, msg := range EvaluateAssertions(result, scenario.Expect) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, opts ...Option) (*Harness, error) {
	h := &Harness{
		dialer:   testutil.NewFakeDialer(),
		listener: testutil.NewFakeListener(!scenario.Offline),
		sched:    testutil.NewManualScheduler(),
		logger:   slog.New(slog.DiscardHandler),
		txIDs:    make(map[string]string),
		unsubs:   make(map[string]func()),
		rooms:    make(map[string]*reactor.Room),
		result:   NewResult(),
	}
	for _, opt := range opts {
		opt(h)
	}

	cfg := config.Default()
	cfg.AppID = scenario.AppID
	if cfg.AppID == "" {
		cfg.AppID = DefaultAppID
	}
	cfg.URI = harnessURI
	cfg.SchemaPath = scenario.Schema
	// Reconnect delays stay within ReconnectMax either way; zero jitter keeps
	// timer order stable.
	cfg.ReconnectJitter = 0

	r, err := reactor.New(cfg,
		reactor.WithDialer(h.dialer),
		reactor.WithListener(h.listener),
		reactor.WithScheduler(h.sched),
		reactor.WithNow(h.sched.Now),
		reactor.WithIDs(ids.NewSequenceGenerator("id")),
		reactor.WithLogger(h.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build reactor: %w", err)
	}
	h.r = r
	r.Bus().OnAny(h.record)
	return h, nil
}

func (h *Harness) record(m message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result.AddTrace(m.Type(), traceFields(m))
}

// settle drains the reactor until no dial, read or dispatched work is left.
func (h *Harness) settle() {
	for {
		h.r.Drain()
		h.r.Quiesce()
		if c := h.dialer.Last(); c != nil {
			c.WaitReading()
		}
		if h.r.Drain() == 0 || h.r.Err() != nil {
			return
		}
	}
}

func (h *Harness) start() error {
	if h.started {
		return nil
	}
	h.started = true
	return h.r.Start(context.Background())
}

// socket returns the current connection, failing when there is none to
// talk to.
func (h *Harness) socket() (*testutil.FakeConn, error) {
	c := h.dialer.Last()
	if c == nil || c.IsClosed() {
		return nil, fmt.Errorf("no open socket")
	}
	return c, nil
}

func (h *Harness) execute(step Step) error {
	switch step.Do {
	case StepStart:
		return h.start()

	case StepOnline, StepOffline:
		h.listener.SetOnline(step.Do == StepOnline)
		return nil

	case StepOpen:
		if err := h.start(); err != nil {
			return err
		}
		h.settle()
		conn, err := h.socket()
		if err != nil {
			return err
		}
		h.opens++
		sessionID := step.SessionID
		if sessionID == "" {
			sessionID = fmt.Sprintf("session-%d", h.opens)
		}
		conn.Deliver(message.Frame{"op": message.OpInitOK, "session-id": sessionID})
		return nil

	case StepFrame:
		conn, err := h.socket()
		if err != nil {
			return err
		}
		frame, err := h.substitute(step.Frame)
		if err != nil {
			return err
		}
		conn.Deliver(message.Frame(frame.(map[string]any)))
		return nil

	case StepClose:
		conn, err := h.socket()
		if err != nil {
			return err
		}
		conn.Fail(nil)
		return nil

	case StepAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return err
		}
		h.sched.Advance(d)
		return nil

	case StepSubscribe:
		v, err := ir.FromAny(step.Query)
		if err != nil {
			return fmt.Errorf("invalid query: %w", err)
		}
		unsub, err := h.r.SubscribeQuery(v.(ir.IRObject), func(message.QueryResult) {})
		if err != nil {
			return err
		}
		if step.Name != "" {
			h.unsubs[step.Name] = unsub
		}
		return nil

	case StepUnsubscribe:
		unsub, ok := h.unsubs[step.Name]
		if !ok {
			return fmt.Errorf("no subscription named %q", step.Name)
		}
		unsub()
		return nil

	case StepTransact:
		ops := make([]message.Op, len(step.Ops))
		for i, o := range step.Ops {
			ops[i] = o.Op()
		}
		id, _, err := h.r.TransactAsync(ops)
		if err != nil {
			return err
		}
		if step.Name != "" {
			h.txIDs[step.Name] = id
		}
		return nil

	case StepSignIn:
		h.r.SignIn(message.User{
			ID:           step.User.ID,
			Email:        step.User.Email,
			RefreshToken: step.User.RefreshToken,
		})
		return nil

	case StepSignOut:
		h.r.SignOut()
		return nil

	case StepJoinRoom:
		room, err := h.r.JoinRoom(step.RoomID, step.Data)
		if err != nil {
			return err
		}
		h.rooms[step.RoomID] = room
		return nil

	case StepSetPresence, StepLeaveRoom, StepPublish:
		room, ok := h.rooms[step.RoomID]
		if !ok {
			return fmt.Errorf("room %q was not joined", step.RoomID)
		}
		switch step.Do {
		case StepSetPresence:
			room.SetPresence(step.Data)
		case StepLeaveRoom:
			room.Leave()
			delete(h.rooms, step.RoomID)
		default:
			room.Publish(step.Topic, step.Data)
		}
		return nil

	default:
		return fmt.Errorf("unknown step %q", step.Do)
	}
}

// substitute replaces "$name" strings with the id of the named transaction.
func (h *Harness) substitute(v any) (any, error) {
	switch val := v.(type) {
	case string:
		if name, ok := strings.CutPrefix(val, "$"); ok {
			id, found := h.txIDs[name]
			if !found {
				return nil, fmt.Errorf("unknown transaction %q", val)
			}
			return id, nil
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			s, err := h.substitute(elem)
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			s, err := h.substitute(elem)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	default:
		return v, nil
	}
}

func (h *Harness) finish() *Result {
	h.mu.Lock()
	result := h.result
	h.mu.Unlock()

	result.Sent = [][]string{}
	for _, c := range h.dialer.Conns() {
		result.Sent = append(result.Sent, c.SentOps())
	}
	result.Snapshot = snapshotFields(h.r.Snapshot())
	return result
}

func snapshotFields(s reactor.Snapshot) map[string]any {
	user := ""
	if s.User != nil {
		user = s.User.ID
	}
	rooms := make([]any, len(s.Rooms))
	for i, id := range s.Rooms {
		rooms[i] = id
	}
	return map[string]any{
		"is_online":         s.IsOnline,
		"status":            string(s.Status),
		"generation":        s.Generation,
		"session_ready":     s.SessionReady,
		"session_id":        s.SessionID,
		"user":              user,
		"pending_mutations": int64(s.PendingMutations),
		"active_queries":    int64(s.ActiveQueries),
		"rooms":             rooms,
	}
}

// traceFields picks the fields of m worth asserting on. Values are strings,
// int64s or bools so traces serialize canonically.
func traceFields(m message.Message) map[string]any {
	switch v := m.(type) {
	case message.NetworkStatus:
		return map[string]any{"online": v.IsOnline}
	case message.NetworkSetOnline:
		return map[string]any{"online": v.IsOnline}
	case message.ConnectionStatusChanged:
		f := map[string]any{"status": string(v.Status), "generation": v.Generation}
		addError(f, v.Err)
		return f
	case message.ConnectionOpened:
		return map[string]any{"generation": v.Generation}
	case message.ConnectionClosed:
		f := map[string]any{"generation": v.Generation}
		addError(f, v.Err)
		return f
	case message.ConnectionReconnect:
		return map[string]any{"generation": v.Generation}
	case message.ConnectionFrame:
		return map[string]any{"generation": v.Generation, "op": v.Frame.Op()}
	case message.ConnectionSend:
		return map[string]any{"op": v.Frame.Op(), "event_id": v.EventID}
	case message.WSMessage:
		return map[string]any{"op": v.Message.Op(), "ws_id": v.WsID}
	case message.Routed:
		return map[string]any{"ws_id": v.WsID}
	case message.SessionReady:
		return map[string]any{"generation": v.Generation, "session_id": v.SessionID}
	case message.SessionLost:
		return map[string]any{"generation": v.Generation}
	case message.SessionError:
		f := map[string]any{"generation": v.Generation}
		addError(f, v.Err)
		return f
	case message.AuthSetUser:
		return map[string]any{"user": userID(v.User)}
	case message.AuthChanged:
		f := map[string]any{"user": userID(v.User)}
		addError(f, v.Err)
		return f
	case message.QuerySubscribe:
		return map[string]any{"hash": v.Hash, "subscriber": v.SubscriberID}
	case message.QueryUnsubscribe:
		return map[string]any{"hash": v.Hash, "subscriber": v.SubscriberID}
	case message.QueryResultChanged:
		n := 0
		for _, entities := range v.Result.Data {
			n += len(entities)
		}
		f := map[string]any{"hash": v.Hash, "entities": int64(n)}
		if v.Result.Error != "" {
			f["error"] = v.Result.Error
		}
		return f
	case message.QueryProcessed:
		return map[string]any{"tx_id": v.TxID}
	case message.MutationTransact:
		return map[string]any{"id": v.ID, "ops": int64(len(v.Ops))}
	case message.MutationStatusChanged:
		f := map[string]any{"id": v.ID, "status": string(v.Status)}
		if v.TxID != 0 {
			f["tx_id"] = v.TxID
		}
		addError(f, v.Err)
		return f
	case message.MutationPendingChanged:
		return map[string]any{"count": int64(len(v.Pending))}
	case message.MutationTimeout:
		return map[string]any{"id": v.ID, "generation": v.Generation}
	case message.PresenceJoinRoom:
		return map[string]any{"room_id": v.RoomID}
	case message.PresenceLeaveRoom:
		return map[string]any{"room_id": v.RoomID}
	case message.PresenceSet:
		return map[string]any{"room_id": v.RoomID}
	case message.PresenceUpdated:
		return map[string]any{
			"room_id": v.RoomID,
			"loading": v.Presence.IsLoading,
			"peers":   int64(len(v.Presence.Peers)),
		}
	case message.BroadcastPublish:
		return map[string]any{"room_id": v.RoomID, "topic": v.Topic}
	case message.BroadcastLocal:
		return map[string]any{"room_id": v.RoomID, "topic": v.Topic}
	case message.StorageUpload:
		return map[string]any{"path": v.Path}
	case message.StorageDelete:
		return map[string]any{"path": v.Path}
	case message.StorageUploadComplete:
		return map[string]any{"path": v.Path}
	case message.StorageDeleteComplete:
		return map[string]any{"path": v.Path}
	case message.StorageError:
		f := map[string]any{"operation": v.Operation, "path": v.Path}
		addError(f, v.Err)
		return f
	case message.ActorCrashed:
		return map[string]any{
			"actor":    v.Actor,
			"message":  v.Message,
			"restarts": int64(v.Restarts),
		}
	default:
		return nil
	}
}

func addError(f map[string]any, err error) {
	if err != nil {
		f["error"] = err.Error()
	}
}

func userID(u *message.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
