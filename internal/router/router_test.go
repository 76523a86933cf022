package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reactor/internal/message"
	"github.com/roach88/reactor/internal/testutil"
)

func setup(t *testing.T) (*Actor, *testutil.Recorder) {
	t.Helper()
	a := New()
	rec := testutil.NewRecorder()
	a.Subscribe(rec.Record)
	return a, rec
}

func TestRouter_RoutesByOp(t *testing.T) {
	a, rec := setup(t)

	initOK := message.Frame{"op": "init-ok", "session-id": "s1"}
	a.Receive(message.WSMessage{WsID: 1, Message: initOK})
	a.Receive(message.WSMessage{WsID: 1, Message: message.Frame{"op": "add-query-ok"}})

	assert.Equal(t, []string{"ws:init-ok", "ws:add-query-ok"}, rec.Types())
	assert.Equal(t, 2, a.MessageCount())

	routed := testutil.Of[message.Routed](rec)
	require.Len(t, routed, 2)
	assert.Equal(t, int64(1), routed[0].WsID)
	assert.Equal(t, initOK, routed[0].Payload)
}

func TestRouter_MissingOpDropped(t *testing.T) {
	cases := map[string]message.Frame{
		"nil frame":  nil,
		"no op":      {"session-id": "s1"},
		"empty op":   {"op": ""},
		"non-string": {"op": 7},
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			a, rec := setup(t)
			a.Receive(message.WSMessage{WsID: 3, Message: frame})
			assert.Zero(t, rec.Len())
			assert.Zero(t, a.MessageCount())
		})
	}
}

func TestRouter_IgnoresOtherMessages(t *testing.T) {
	a, rec := setup(t)

	for _, msg := range []message.Message{
		message.NetworkOnline{},
		message.AuthGetUser{},
		message.Routed{Op: "init-ok"},
		message.ConnectionFrame{Generation: 1, Frame: message.Frame{"op": "init-ok"}},
	} {
		a.Receive(msg)
	}

	assert.Zero(t, rec.Len())
	assert.Zero(t, a.MessageCount())
}

func TestRouter_ShutdownFinality(t *testing.T) {
	a, rec := setup(t)
	a.Shutdown()
	a.Shutdown()

	a.Receive(message.WSMessage{WsID: 1, Message: message.Frame{"op": "init-ok"}})
	assert.Zero(t, rec.Len())
}

func TestRouter_HandlesEveryDeclaredMessage(t *testing.T) {
	a, _ := setup(t)
	a.Receive(message.WSMessage{WsID: 1, Message: message.Frame{"op": "refresh-ok"}})
	assert.Equal(t, []string{"ws:message"}, a.Handles())
	assert.Zero(t, a.UnhandledCount())
}

func TestRouter_RestartResetsCounter(t *testing.T) {
	a, _ := setup(t)
	a.Receive(message.WSMessage{WsID: 1, Message: message.Frame{"op": "init-ok"}})
	require.Equal(t, 1, a.MessageCount())

	a.Restart()
	assert.Zero(t, a.MessageCount())
}
