package auth

import (
	"errors"
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

func lastChanged(t *testing.T, rec *testutil.Recorder) message.AuthChanged {
	t.Helper()
	changed := testutil.Of[message.AuthChanged](rec)
	require.NotEmpty(t, changed)
	return changed[len(changed)-1]
}

func TestAuth_InitialState(t *testing.T) {
	a, rec := setup(t)
	assert.True(t, a.State().IsLoading)
	assert.False(t, a.IsAuthenticated())
	assert.Zero(t, rec.Len())
}

func TestAuth_RoundTrip(t *testing.T) {
	alice := &message.User{ID: "u-1", Email: "alice@example.com", RefreshToken: "rt-1"}

	tests := []struct {
		name string
		user *message.User
	}{
		{"user", alice},
		{"nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, rec := setup(t)

			a.Receive(message.AuthSetUser{User: tt.user})
			rec.Reset()
			a.Receive(message.AuthGetUser{})

			require.Equal(t, 1, rec.Len())
			assert.Equal(t, tt.user, lastChanged(t, rec).User)
			assert.False(t, a.State().IsLoading)
		})
	}
}

func TestAuth_SetUserCopies(t *testing.T) {
	a, _ := setup(t)
	u := &message.User{ID: "u-1"}
	a.Receive(message.AuthSetUser{User: u})

	u.ID = "mutated"
	assert.Equal(t, "u-1", a.User().ID)
}

func TestAuth_SignOut(t *testing.T) {
	a, rec := setup(t)
	a.Receive(message.AuthSetUser{User: &message.User{ID: "u-1"}})
	a.Receive(message.AuthSignOut{})

	assert.False(t, a.IsAuthenticated())
	assert.Nil(t, lastChanged(t, rec).User)
	assert.Equal(t, 2, rec.Count("auth:changed"))
}

func TestAuth_ErrorKeepsUserUntilCleared(t *testing.T) {
	a, rec := setup(t)
	a.Receive(message.AuthSetUser{User: &message.User{ID: "u-1"}})

	boom := errors.New("refresh token rejected")
	a.Receive(message.AuthError{Err: boom})

	last := lastChanged(t, rec)
	assert.Equal(t, "u-1", last.User.ID)
	assert.ErrorIs(t, last.Err, boom)

	a.Receive(message.AuthSetUser{User: &message.User{ID: "u-2"}})
	assert.NoError(t, lastChanged(t, rec).Err)
}

func TestAuth_GetUserDoesNotMutate(t *testing.T) {
	a, _ := setup(t)
	a.Receive(message.AuthSetUser{User: &message.User{ID: "u-1"}})
	before := a.State()

	a.Receive(message.AuthGetUser{})
	assert.Equal(t, before, a.State())
}

func TestAuth_ShutdownFinality(t *testing.T) {
	a, rec := setup(t)
	a.Shutdown()

	a.Receive(message.AuthSetUser{User: &message.User{ID: "u-1"}})
	a.Receive(message.AuthGetUser{})

	assert.Zero(t, rec.Len())
	assert.Nil(t, a.User())
}

func TestAuth_HandlesEveryDeclaredMessage(t *testing.T) {
	a, _ := setup(t)
	for _, msg := range []message.Message{
		message.AuthSetUser{User: &message.User{ID: "u"}},
		message.AuthGetUser{},
		message.AuthError{Err: errors.New("x")},
		message.AuthSignOut{},
	} {
		assert.Contains(t, a.Handles(), msg.Type())
		a.Receive(msg)
	}
	assert.Zero(t, a.UnhandledCount())
}
