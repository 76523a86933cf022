package network

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reactor/internal/message"
	"github.com/roach88/reactor/internal/testutil"
)

func setup(t *testing.T, online bool) (*Actor, *testutil.FakeListener, *testutil.Recorder) {
	t.Helper()
	listener := testutil.NewFakeListener(online)
	a := New(listener)
	require.NoError(t, a.Initialize(context.Background()))
	rec := testutil.NewRecorder()
	a.Subscribe(rec.Record)
	return a, listener, rec
}

func TestNetworkActor_InitializeSeedsWithoutPublishing(t *testing.T) {
	a, _, rec := setup(t, true)
	assert.True(t, a.IsOnline())
	assert.Zero(t, rec.Len())
}

func TestNetworkActor_OfflineToOnline(t *testing.T) {
	a, listener, rec := setup(t, false)

	listener.SetOnline(true)

	assert.Equal(t, []string{"network:online", "network:status"}, rec.Types())
	assert.Equal(t, message.NetworkStatus{IsOnline: true}, rec.Messages()[1])
	assert.True(t, a.IsOnline())

	listener.SetOnline(true)
	assert.Equal(t, 2, rec.Len(), "repeated status must not publish")
}

func TestNetworkActor_OnlineToOffline(t *testing.T) {
	a, listener, rec := setup(t, true)

	listener.SetOnline(false)

	assert.Equal(t, []string{"network:offline", "network:status"}, rec.Types())
	assert.False(t, a.IsOnline())
}

func TestNetworkActor_EventsMatchFlips(t *testing.T) {
	sequence := []bool{true, true, false, false, false, true, false, true, true}

	_, listener, rec := setup(t, true)
	flips := 0
	prev := true
	for _, v := range sequence {
		if v != prev {
			flips++
		}
		prev = v
		listener.SetOnline(v)
	}

	transitions := rec.Count("network:online") + rec.Count("network:offline")
	assert.Equal(t, flips, transitions)
	assert.Equal(t, flips, rec.Count("network:status"))
}

func TestNetworkActor_QueryEchoesStatus(t *testing.T) {
	a, _, rec := setup(t, true)

	a.Receive(message.NetworkQuery{})

	require.Equal(t, 1, rec.Len())
	assert.Equal(t, message.NetworkStatus{IsOnline: true}, rec.Messages()[0])
}

func TestNetworkActor_InitializeIsIdempotent(t *testing.T) {
	a, listener, _ := setup(t, true)

	require.NoError(t, a.Initialize(context.Background()))

	assert.Equal(t, 1, listener.ListenCalls())
	assert.Equal(t, 1, listener.Registered())
}

func TestNetworkActor_InitializeErrorAllowsRetry(t *testing.T) {
	listener := testutil.NewFakeListener(true)
	listener.FailWith(errors.New("no connectivity api"))
	a := New(listener)

	require.Error(t, a.Initialize(context.Background()))
	assert.Zero(t, listener.Registered())

	listener.FailWith(nil)
	require.NoError(t, a.Initialize(context.Background()))
	assert.Equal(t, 1, listener.Registered())
}

func TestNetworkActor_ShutdownFinality(t *testing.T) {
	a, listener, rec := setup(t, true)

	a.Shutdown()
	a.Shutdown()

	assert.Zero(t, listener.Registered())
	listener.ForceNotify(false)
	a.Receive(message.NetworkQuery{})

	assert.Zero(t, rec.Len())
}

func TestNetworkActor_ShutdownBeforeInitialize(t *testing.T) {
	listener := testutil.NewFakeListener(true)
	a := New(listener)

	require.NotPanics(t, a.Shutdown)
	require.NoError(t, a.Initialize(context.Background()))
	assert.Zero(t, listener.ListenCalls())
}

func TestNetworkActor_HandlesEveryDeclaredMessage(t *testing.T) {
	a, _, _ := setup(t, true)

	for _, msg := range []message.Message{
		message.NetworkQuery{},
		message.NetworkSetOnline{IsOnline: false},
	} {
		assert.Contains(t, a.Handles(), msg.Type())
		a.Receive(msg)
	}
	assert.Zero(t, a.UnhandledCount())

	a.Receive(message.AuthGetUser{})
	assert.Equal(t, int64(1), a.UnhandledCount())
}

func TestAlwaysOnline(t *testing.T) {
	online, err := AlwaysOnline{}.IsOnline(context.Background())
	require.NoError(t, err)
	assert.True(t, online)
	AlwaysOnline{}.Listen(func(bool) { t.Fatal("must not fire") })()
}
