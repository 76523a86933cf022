package reactor

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reactor/internal/config"
	"github.com/roach88/reactor/internal/ids"
	"github.com/roach88/reactor/internal/ir"
	"github.com/roach88/reactor/internal/message"
	"github.com/roach88/reactor/internal/persist"
	"github.com/roach88/reactor/internal/testutil"
)

type fixture struct {
	r        *Reactor
	cfg      config.Config
	dialer   *testutil.FakeDialer
	sched    *testutil.ManualScheduler
	listener *testutil.FakeListener
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.AppID = "app-1"
	cfg.URI = "wss://api.example.com/runtime/session"
	return cfg
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		cfg:      testConfig(),
		dialer:   testutil.NewFakeDialer(),
		sched:    testutil.NewManualScheduler(),
		listener: testutil.NewFakeListener(true),
	}
	base := []Option{
		WithDialer(f.dialer),
		WithScheduler(f.sched),
		WithListener(f.listener),
		WithIDs(ids.NewSequenceGenerator("id")),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
	r, err := New(f.cfg, append(base, opts...)...)
	require.NoError(t, err)
	f.r = r
	t.Cleanup(r.Shutdown)
	return f
}

// settle drains the queue until dials, reads and dispatched work are idle.
func (f *fixture) settle() {
	for {
		f.r.Drain()
		f.r.Quiesce()
		if c := f.dialer.Last(); c != nil {
			c.WaitReading()
		}
		if f.r.Drain() == 0 {
			return
		}
	}
}

func (f *fixture) start(t *testing.T) *testutil.FakeConn {
	t.Helper()
	require.NoError(t, f.r.Start(context.Background()))
	f.settle()
	conn := f.dialer.Last()
	require.NotNil(t, conn, "start should dial")
	return conn
}

// open starts the reactor and completes the handshake.
func (f *fixture) open(t *testing.T) *testutil.FakeConn {
	t.Helper()
	conn := f.start(t)
	f.handshake(t, conn, "s-1")
	return conn
}

func (f *fixture) handshake(t *testing.T, conn *testutil.FakeConn, sessionID string) {
	t.Helper()
	require.Equal(t, message.OpInit, conn.SentOps()[0])
	conn.Deliver(message.Frame{"op": message.OpInitOK, "session-id": sessionID})
	f.settle()
	require.True(t, f.r.Snapshot().SessionReady, "session should be ready")
}

var createTodo = []message.Op{{
	Action:    message.OpCreate,
	Namespace: "todos",
	ID:        "t1",
	Attrs:     map[string]any{"title": "write tests"},
}}

func lastSent(conn *testutil.FakeConn) message.Frame {
	sent := conn.Sent()
	return sent[len(sent)-1]
}

func TestReactor_HandshakeOpensSession(t *testing.T) {
	f := setup(t)
	conn := f.open(t)

	assert.Equal(t, []string{message.OpInit}, conn.SentOps())
	assert.Equal(t, "app-1", conn.Sent()[0].String("app-id"))

	snap := f.r.Snapshot()
	assert.True(t, snap.IsOnline)
	assert.Equal(t, message.ConnAuthenticated, snap.Status)
	assert.Equal(t, int64(1), snap.Generation)
	assert.Equal(t, "s-1", snap.SessionID)
}

func TestReactor_StartIsIdempotent(t *testing.T) {
	f := setup(t)
	f.start(t)
	require.NoError(t, f.r.Start(context.Background()))
	f.settle()

	assert.Equal(t, 1, f.dialer.Dials())
}

func TestReactor_TransactQueuedUntilSessionReady(t *testing.T) {
	f := setup(t)
	conn := f.start(t)

	id, reply, err := f.r.TransactAsync(createTodo)
	require.NoError(t, err)
	f.settle()
	assert.Equal(t, []string{message.OpInit}, conn.SentOps())
	assert.Equal(t, 1, f.r.Snapshot().PendingMutations)

	f.handshake(t, conn, "s-1")
	assert.Equal(t, []string{message.OpInit, message.OpTransact}, conn.SentOps())
	assert.Equal(t, id, lastSent(conn).String("client-event-id"))

	conn.Deliver(message.Frame{"op": message.OpTransactOK, "client-event-id": id, "tx-id": 7})
	f.settle()

	out := <-reply
	assert.Equal(t, message.StatusConfirmed, out.Status)
	assert.Equal(t, int64(7), out.TxID)
	assert.NoError(t, out.Err)
}

func TestReactor_TransactRejected(t *testing.T) {
	f := setup(t)
	conn := f.open(t)

	id, reply, err := f.r.TransactAsync(createTodo)
	require.NoError(t, err)
	f.settle()

	conn.Deliver(message.Frame{
		"op":              message.OpError,
		"client-event-id": id,
		"message":         "permission denied",
	})
	f.settle()

	out := <-reply
	assert.Equal(t, message.StatusFailed, out.Status)
	assert.True(t, IsRejectedError(out.Err))
	assert.Zero(t, f.r.Snapshot().PendingMutations)
}

func TestReactor_ResubmitsAfterReconnect(t *testing.T) {
	f := setup(t)
	first := f.open(t)

	id, reply, err := f.r.TransactAsync(createTodo)
	require.NoError(t, err)
	f.settle()
	require.Equal(t, []string{message.OpInit, message.OpTransact}, first.SentOps())

	first.Fail(nil)
	f.settle()
	assert.False(t, f.r.Snapshot().SessionReady)

	f.sched.Advance(f.cfg.ReconnectMax)
	f.settle()
	second := f.dialer.Last()
	require.NotSame(t, first, second)
	assert.Equal(t, int64(2), f.r.Snapshot().Generation)

	f.handshake(t, second, "s-2")
	assert.Equal(t, []string{message.OpInit, message.OpTransact}, second.SentOps())
	assert.Equal(t, id, lastSent(second).String("client-event-id"))

	second.Deliver(message.Frame{"op": message.OpTransactOK, "client-event-id": id, "tx-id": 9})
	f.settle()
	out := <-reply
	assert.Equal(t, message.StatusConfirmed, out.Status)
}

func TestReactor_SessionGateDropsStaleFrames(t *testing.T) {
	f := setup(t)
	f.open(t)

	id, reply, err := f.r.TransactAsync(createTodo)
	require.NoError(t, err)
	f.settle()

	stale := message.Routed{
		Op:      message.OpTransactOK,
		WsID:    99,
		Payload: message.Frame{"op": message.OpTransactOK, "client-event-id": id, "tx-id": 3},
	}
	require.True(t, f.r.Enqueue(stale))
	f.r.Drain()

	select {
	case out := <-reply:
		t.Fatalf("stale frame settled the transaction: %+v", out)
	default:
	}
	assert.Equal(t, 1, f.r.Snapshot().PendingMutations)

	current := stale
	current.WsID = 1
	require.True(t, f.r.Enqueue(current))
	f.r.Drain()

	out := <-reply
	assert.Equal(t, message.StatusConfirmed, out.Status)
}

func TestReactor_EnqueueRejectsTypelessMessages(t *testing.T) {
	f := setup(t)
	assert.False(t, f.r.Enqueue(nil))
	assert.False(t, f.r.Enqueue(message.Routed{}))
}

type panicValidator struct{}

func (panicValidator) Validate([]message.Op) error { panic("validator exploded") }

func TestReactor_CrashBudget(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := setup(t, WithValidator(panicValidator{}), WithNow(func() time.Time { return now }))

	var crashes []message.ActorCrashed
	f.r.Bus().On(message.ActorCrashed{}.Type(), func(m message.Message) {
		crashes = append(crashes, m.(message.ActorCrashed))
	})

	for i := 1; i <= f.cfg.MaxRestarts; i++ {
		_, _, err := f.r.TransactAsync(createTodo)
		require.NoError(t, err)
		f.r.Drain()
		require.NoError(t, f.r.Err(), "crash %d is within budget", i)
	}

	_, _, err := f.r.TransactAsync(createTodo)
	require.NoError(t, err)
	f.r.Drain()

	require.Error(t, f.r.Err())
	assert.True(t, IsCrashError(f.r.Err()))
	require.Len(t, crashes, f.cfg.MaxRestarts+1)
	last := crashes[len(crashes)-1]
	assert.Equal(t, "mutation", last.Actor)
	assert.Equal(t, message.MutationTransact{}.Type(), last.Message)
	assert.Equal(t, f.cfg.MaxRestarts+1, last.Restarts)

	assert.False(t, f.r.Enqueue(message.AuthGetUser{}), "queue closes once the budget is spent")
}

func TestReactor_CrashesOutsideWindowAreForgotten(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := setup(t, WithValidator(panicValidator{}), WithNow(func() time.Time { return now }))

	for range f.cfg.MaxRestarts * 3 {
		_, _, err := f.r.TransactAsync(createTodo)
		require.NoError(t, err)
		f.r.Drain()
		now = now.Add(f.cfg.RestartWindow + time.Second)
	}
	assert.NoError(t, f.r.Err())
}

func TestReactor_ShutdownSettlesWaitingRequests(t *testing.T) {
	f := setup(t)

	_, reply, err := f.r.TransactAsync(createTodo)
	require.NoError(t, err)
	f.r.Drain()

	f.r.Shutdown()
	f.r.Shutdown()

	out := <-reply
	assert.True(t, IsShutdownError(out.Err))

	_, err = f.r.Transact(context.Background(), createTodo)
	assert.True(t, IsShutdownError(err))
	assert.False(t, f.r.Enqueue(message.AuthGetUser{}))
	assert.Zero(t, f.r.Bus().HandlerCount(message.MutationTransact{}.Type()))
}

func TestReactor_SnapshotSubscriber(t *testing.T) {
	f := setup(t)

	var got []Snapshot
	unsub := f.r.SubscribeSnapshot(func(s Snapshot) { got = append(got, s) })
	f.open(t)

	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].equal(got[i-1]), "snapshot %d repeats its predecessor", i)
	}
	last := got[len(got)-1]
	assert.True(t, last.SessionReady)
	assert.Equal(t, message.ConnAuthenticated, last.Status)

	unsub()
	n := len(got)
	_, _, err := f.r.TransactAsync(createTodo)
	require.NoError(t, err)
	f.settle()
	assert.Len(t, got, n)
}

func TestReactor_AuthAndStatusSubscribers(t *testing.T) {
	f := setup(t)

	var users []*message.User
	f.r.SubscribeAuth(func(u *message.User, err error) {
		assert.NoError(t, err)
		users = append(users, u)
	})
	var statuses []message.ConnectionStatus
	f.r.SubscribeConnectionStatus(func(s message.ConnectionStatus, _ error) {
		statuses = append(statuses, s)
	})

	conn := f.open(t)
	require.NotEmpty(t, users)
	assert.Nil(t, users[len(users)-1], "restore without a store signs nobody in")
	assert.Contains(t, statuses, message.ConnOpened)
	assert.Equal(t, message.ConnAuthenticated, statuses[len(statuses)-1])

	f.r.SignIn(message.User{ID: "u1", RefreshToken: "tok"})
	f.settle()
	require.Equal(t, "u1", users[len(users)-1].ID)
	assert.Equal(t, "u1", f.r.Snapshot().User.ID)
	assert.True(t, conn.IsClosed(), "a new identity restarts the socket")

	f.settle()
	second := f.dialer.Last()
	require.NotSame(t, conn, second)
	assert.Equal(t, "tok", second.Sent()[0].String("refresh-token"))

	f.r.SignOut()
	f.settle()
	assert.Nil(t, users[len(users)-1])
}

func TestReactor_QueryOnce(t *testing.T) {
	f := setup(t)
	conn := f.open(t)

	q := ir.IRObject{"todos": ir.IRObject{}}
	reply, err := f.r.queryOnce(q)
	require.NoError(t, err)
	f.settle()
	assert.Equal(t, message.OpAddQuery, lastSent(conn).Op())

	conn.Deliver(message.Frame{
		"op":              message.OpAddQueryOK,
		"q":               ir.ToAny(q),
		"result":          map[string]any{"todos": []any{map[string]any{"id": "t1", "title": "a"}}},
		"processed-tx-id": 1,
	})
	f.settle()

	res := <-reply
	require.NoError(t, queryError(res.Error))
	require.Len(t, res.Data["todos"], 1)
	assert.Equal(t, "t1", res.Data["todos"][0].ID())
}

func TestReactor_QueryOnceTimesOut(t *testing.T) {
	f := setup(t)
	f.open(t)

	reply, err := f.r.queryOnce(ir.IRObject{"todos": ir.IRObject{}})
	require.NoError(t, err)
	f.settle()

	f.sched.Advance(f.cfg.QueryOnceTimeout)
	f.settle()

	res := <-reply
	assert.True(t, IsTimeoutError(queryError(res.Error)))
}

func TestReactor_SubscribeQuery(t *testing.T) {
	f := setup(t)
	conn := f.open(t)

	q := ir.IRObject{"todos": ir.IRObject{}}
	var results []message.QueryResult
	unsub, err := f.r.SubscribeQuery(q, func(r message.QueryResult) { results = append(results, r) })
	require.NoError(t, err)
	f.settle()

	conn.Deliver(message.Frame{
		"op":     message.OpAddQueryOK,
		"q":      ir.ToAny(q),
		"result": map[string]any{"todos": []any{map[string]any{"id": "t1"}}},
	})
	f.settle()
	require.NotEmpty(t, results)
	assert.Len(t, results[len(results)-1].Data["todos"], 1)
	assert.Equal(t, 1, f.r.Snapshot().ActiveQueries)

	unsub()
	unsub()
	f.settle()
	assert.Zero(t, f.r.Snapshot().ActiveQueries)
	assert.Equal(t, message.OpRemoveQuery, lastSent(conn).Op())
}

func TestReactor_JoinRoom(t *testing.T) {
	f := setup(t)
	conn := f.open(t)

	_, err := f.r.JoinRoom("", nil)
	assert.ErrorIs(t, err, ErrEmptyRoom)

	room, err := f.r.JoinRoom("room-1", map[string]any{"name": "ada"})
	require.NoError(t, err)

	var seen []message.PresenceSnapshot
	room.SubscribePresence(func(p message.PresenceSnapshot) { seen = append(seen, p) })
	f.settle()

	assert.Equal(t, message.OpJoinRoom, lastSent(conn).Op())
	assert.Equal(t, []string{"room-1"}, f.r.Snapshot().Rooms)
	require.NotEmpty(t, seen)
	assert.Equal(t, "ada", seen[len(seen)-1].User["name"])

	p, ok := room.Presence()
	require.True(t, ok)
	assert.True(t, p.IsLoading)
}

func TestReactor_RestoresOfflineState(t *testing.T) {
	store, err := persist.Open(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	first := setup(t, WithStore(store))
	first.r.SignIn(message.User{ID: "u1", RefreshToken: "tok"})
	id, _, err := first.r.TransactAsync(createTodo)
	require.NoError(t, err)
	first.r.Drain()
	first.r.Flush()
	first.r.Shutdown()

	second := setup(t, WithStore(store))
	conn := second.start(t)

	snap := second.r.Snapshot()
	assert.Equal(t, 1, snap.PendingMutations)
	require.NotNil(t, snap.User)
	assert.Equal(t, "u1", snap.User.ID)
	assert.Equal(t, "tok", conn.Sent()[0].String("refresh-token"))

	second.handshake(t, conn, "s-1")
	assert.Equal(t, []string{message.OpInit, message.OpTransact}, conn.SentOps())
	assert.Equal(t, id, lastSent(conn).String("client-event-id"))
}

func TestReactor_RunServesRequests(t *testing.T) {
	f := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- f.r.Run(ctx) }()

	res, err := f.r.Upload(ctx, "notes/a.txt", []byte("hello"), message.UploadOptions{ContentType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, "notes/a.txt", res.Path)
	assert.Equal(t, int64(5), res.Size)

	require.NoError(t, f.r.Delete(ctx, "notes/a.txt"))
	assert.Error(t, f.r.Delete(ctx, "notes/a.txt"), "second delete reports the missing file")

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Error(t, f.r.Run(context.Background()), "a stopped reactor cannot run again")
	_, err = f.r.Upload(context.Background(), "b.txt", nil, message.UploadOptions{})
	assert.True(t, IsShutdownError(err))
}

func TestReactor_ErrReadableWhileRunning(t *testing.T) {
	f := setup(t, WithValidator(panicValidator{}))

	errc := make(chan error, 1)
	go func() { errc <- f.r.Run(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for f.r.Err() == nil {
		select {
		case <-deadline:
			t.Fatal("restart budget was never exhausted")
		default:
		}
		if _, _, err := f.r.TransactAsync(createTodo); err != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case err := <-errc:
		require.True(t, IsCrashError(err))
		assert.Equal(t, err, f.r.Err())
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after the crash budget was spent")
	}
}
