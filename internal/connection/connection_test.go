package connection

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/message"
	"github.com/roach88/reactor/internal/testutil"
)

type fixture struct {
	a      *Actor
	dialer *testutil.FakeDialer
	sched  *testutil.ManualScheduler
	queue  *testutil.QueueDispatcher
	rec    *testutil.Recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dialer: testutil.NewFakeDialer(),
		sched:  testutil.NewManualScheduler(),
		queue:  testutil.NewQueueDispatcher(),
		rec:    testutil.NewRecorder(),
	}
	f.a = New(Config{
		URI:              "wss://api.example.com/runtime/session",
		AppID:            "app-1",
		ReconnectInitial: time.Second,
		ReconnectMax:     8 * time.Second,
	}, f.dialer, f.sched, actor.WithDispatcher(f.queue))
	f.a.Subscribe(f.rec.Record)
	t.Cleanup(f.a.Shutdown)
	return f
}

// settle waits for dials and runs everything they dispatched.
func (f *fixture) settle() {
	f.a.WaitDialing()
	if c := f.dialer.Last(); c != nil {
		c.WaitReading()
	}
	f.queue.Drain()
}

func (f *fixture) open(t *testing.T) *testutil.FakeConn {
	t.Helper()
	f.a.Receive(message.ConnectionStart{})
	f.settle()
	require.Equal(t, message.ConnOpened, f.a.Status())
	return f.dialer.Last()
}

func (f *fixture) statuses() []message.ConnectionStatus {
	var out []message.ConnectionStatus
	for _, m := range testutil.Of[message.ConnectionStatusChanged](f.rec) {
		out = append(out, m.Status)
	}
	return out
}

func TestConnection_StartOpens(t *testing.T) {
	f := setup(t)
	f.open(t)

	assert.Equal(t, []message.ConnectionStatus{message.ConnConnecting, message.ConnOpened}, f.statuses())
	assert.Equal(t, int64(1), f.a.State().Generation)
	assert.Equal(t, 1, f.dialer.Dials())
}

func TestConnection_FramesPublishedWithGeneration(t *testing.T) {
	f := setup(t)
	conn := f.open(t)

	conn.Deliver(message.Frame{"op": "init-ok"})
	f.queue.Drain()

	msgs := testutil.Of[message.WSMessage](f.rec)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].WsID)
	assert.Equal(t, "init-ok", msgs[0].Message.Op())
}

func TestConnection_SendStampsEventID(t *testing.T) {
	f := setup(t)

	f.a.Receive(message.ConnectionSend{EventID: "early", Frame: message.Frame{"op": "init"}})
	conn := f.open(t)
	f.a.Receive(message.ConnectionSend{EventID: "ev-1", Frame: message.Frame{"op": "transact"}})

	sent := conn.Sent()
	require.Len(t, sent, 1, "frames sent before open are dropped")
	assert.Equal(t, "ev-1", sent[0].String("client-event-id"))
	assert.Equal(t, "transact", sent[0].Op())
}

func TestConnection_ReconnectWithBackoff(t *testing.T) {
	f := setup(t)
	conn := f.open(t)

	conn.Fail(errors.New("connection reset"))
	f.queue.Drain()

	assert.Equal(t, message.ConnClosed, f.a.Status())
	assert.Equal(t, time.Second, f.a.State().NextRetry)
	assert.Equal(t, 1, f.dialer.Dials())

	f.sched.Advance(time.Second)
	f.queue.Drain()
	f.settle()

	assert.Equal(t, 2, f.dialer.Dials())
	assert.Equal(t, message.ConnOpened, f.a.Status())
	assert.Equal(t, int64(2), f.a.State().Generation)
}

func TestConnection_BackoffGrowsAndResetsOnInitOK(t *testing.T) {
	f := setup(t)
	f.dialer.FailNext(testutil.ErrDialRefused, testutil.ErrDialRefused)

	f.a.Receive(message.ConnectionStart{})
	f.settle()
	first := f.a.State().NextRetry

	f.sched.Advance(first)
	f.queue.Drain()
	f.settle()
	second := f.a.State().NextRetry

	assert.Equal(t, time.Second, first)
	assert.Greater(t, second, first)
	assert.Equal(t, message.ConnClosed, f.a.Status())
	assert.ErrorIs(t, f.a.State().Err, testutil.ErrDialRefused)

	f.sched.Advance(second)
	f.queue.Drain()
	f.settle()
	require.Equal(t, message.ConnOpened, f.a.Status())

	gen := f.a.State().Generation
	f.a.Receive(message.Routed{Op: message.OpInitOK, WsID: gen})
	assert.Equal(t, message.ConnAuthenticated, f.a.Status())

	f.dialer.Last().Fail(nil)
	f.queue.Drain()
	assert.Equal(t, time.Second, f.a.State().NextRetry, "backoff resets after a successful handshake")
}

func TestConnection_StaleFramesDropped(t *testing.T) {
	f := setup(t)
	old := f.open(t)

	f.a.Receive(message.ConnectionRestart{})
	f.settle()
	require.Equal(t, int64(2), f.a.State().Generation)
	assert.True(t, old.IsClosed())

	f.a.Receive(message.ConnectionFrame{Generation: 1, Frame: message.Frame{"op": "refresh-ok"}})
	f.a.Receive(message.ConnectionClosed{Generation: 1})

	assert.Empty(t, testutil.Of[message.WSMessage](f.rec))
	assert.Equal(t, message.ConnOpened, f.a.Status())
}

func TestConnection_NoReconnectWhileOffline(t *testing.T) {
	f := setup(t)
	conn := f.open(t)

	f.a.Receive(message.NetworkOffline{})
	assert.True(t, conn.IsClosed())
	assert.Equal(t, message.ConnClosed, f.a.Status())

	f.sched.Advance(time.Minute)
	f.queue.Drain()
	assert.Equal(t, 1, f.dialer.Dials())
	assert.Zero(t, f.sched.Pending())

	f.a.Receive(message.ConnectionStart{})
	assert.Equal(t, 1, f.dialer.Dials(), "start is ignored while offline")

	f.a.Receive(message.NetworkOnline{})
	f.settle()
	assert.Equal(t, 2, f.dialer.Dials())
	assert.Equal(t, message.ConnOpened, f.a.Status())
}

func TestConnection_OnlineWhileOpenDoesNotRedial(t *testing.T) {
	f := setup(t)
	f.open(t)

	f.a.Receive(message.NetworkOnline{})
	f.a.Receive(message.ConnectionStart{})
	assert.Equal(t, 1, f.dialer.Dials())
}

func TestConnection_SessionErrorMarksErrored(t *testing.T) {
	f := setup(t)
	f.open(t)

	f.a.Receive(message.SessionError{Generation: 1, Err: errors.New("bad app id")})
	assert.Equal(t, message.ConnErrored, f.a.Status())
}

func TestConnection_ShutdownFinality(t *testing.T) {
	f := setup(t)
	conn := f.open(t)
	f.rec.Reset()

	f.a.Shutdown()
	f.a.Shutdown()
	assert.True(t, conn.IsClosed())

	f.a.Receive(message.ConnectionStart{})
	f.sched.Advance(time.Minute)
	f.queue.Drain()

	assert.Zero(t, f.rec.Len())
	assert.Equal(t, 1, f.dialer.Dials())
}

func TestConnection_EndpointCarriesAppID(t *testing.T) {
	f := setup(t)
	assert.Equal(t, "wss://api.example.com/runtime/session?app_id=app-1", f.a.endpoint())
}

func TestConnection_HandlesEveryDeclaredMessage(t *testing.T) {
	f := setup(t)
	f.open(t)
	for _, msg := range []message.Message{
		message.NetworkStatus{IsOnline: true},
		message.ConnectionSend{Frame: message.Frame{"op": "x"}},
		message.ConnectionFrame{Generation: 1, Frame: message.Frame{"op": "x"}},
		message.ConnectionOpened{Generation: 9},
		message.ConnectionReconnect{Generation: 9},
		message.SessionError{Generation: 9},
		message.Routed{Op: message.OpInitOK, WsID: 1},
		message.ConnectionClosed{Generation: 9},
		message.NetworkOnline{},
		message.ConnectionStart{},
		message.ConnectionRestart{},
		message.NetworkOffline{},
	} {
		assert.Contains(t, f.a.Handles(), msg.Type())
		f.a.Receive(msg)
	}
	f.settle()
	assert.Zero(t, f.a.UnhandledCount())
}
