package harness

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reactor/internal/message"
)

func loadScenarios(t *testing.T) []*Scenario {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	var out []*Scenario
	for _, p := range paths {
		s, err := LoadScenario(p)
		require.NoError(t, err, p)
		out = append(out, s)
	}
	return out
}

func TestRun_Scenarios(t *testing.T) {
	for _, scenario := range loadScenarios(t) {
		t.Run(scenario.Name, func(t *testing.T) {
			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
		})
	}
}

func TestRun_Handshake(t *testing.T) {
	scenario := &Scenario{
		Name:        "inline_handshake",
		Description: "open completes the handshake",
		Steps:       []Step{{Do: StepOpen}},
		Expect:      []Assertion{{Type: AssertTraceContains, Message: "session:ready"}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)

	assert.Equal(t, [][]string{{message.OpInit}}, result.Sent)
	assert.Equal(t, "session-1", result.Snapshot["session_id"])
	assert.Equal(t, true, result.Snapshot["session_ready"])

	for i, event := range result.Trace {
		assert.Equal(t, int64(i+1), event.Seq)
	}
}

func TestRun_Deterministic(t *testing.T) {
	for _, scenario := range loadScenarios(t) {
		t.Run(scenario.Name, func(t *testing.T) {
			first, err := Run(scenario)
			require.NoError(t, err)
			second, err := Run(scenario)
			require.NoError(t, err)

			a, err := TraceJSON(scenario.Name, first)
			require.NoError(t, err)
			b, err := TraceJSON(scenario.Name, second)
			require.NoError(t, err)
			assert.Equal(t, string(a), string(b))
		})
	}
}

func TestRun_FailedAssertionIsReported(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_expectation",
		Description: "expects a second session that never happens",
		Steps:       []Step{{Do: StepOpen}},
		Expect: []Assertion{
			{Type: AssertTraceCount, Message: "session:ready", Count: 2},
			{Type: AssertSentOps, Ops: []string{message.OpInit}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "2 occurrences of session:ready")
}

func TestRun_SubstitutesTransactionIDs(t *testing.T) {
	scenario := &Scenario{
		Name:        "substitution",
		Description: "frames name transactions by step",
		Steps: []Step{
			{Do: StepOpen},
			{Do: StepTransact, Name: "tx", Ops: []OpStep{{Action: "create", Namespace: "todos", ID: "t1"}}},
			{Do: StepFrame, Frame: map[string]any{"op": "transact-ok", "client-event-id": "$tx", "tx-id": 3}},
		},
		Expect: []Assertion{{
			Type:    AssertTraceContains,
			Message: "mutation:status",
			Fields:  map[string]any{"status": "confirmed", "tx_id": 3},
		}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
}

func TestRun_StepErrors(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		err   string
	}{
		{
			name:  "frame before any socket",
			steps: []Step{{Do: StepFrame, Frame: map[string]any{"op": "init-ok"}}},
			err:   "no open socket",
		},
		{
			name: "open while offline",
			steps: []Step{
				{Do: StepOffline},
				{Do: StepOpen},
			},
			err: "no open socket",
		},
		{
			name: "unknown transaction reference",
			steps: []Step{
				{Do: StepOpen},
				{Do: StepFrame, Frame: map[string]any{"op": "transact-ok", "client-event-id": "$missing"}},
			},
			err: `unknown transaction "$missing"`,
		},
		{
			name:  "presence without a room",
			steps: []Step{{Do: StepSetPresence, RoomID: "r1"}},
			err:   `room "r1" was not joined`,
		},
		{
			name:  "float in query",
			steps: []Step{{Do: StepSubscribe, Query: map[string]any{"todos": map[string]any{"limit": 1.5}}}},
			err:   "invalid query",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scenario := &Scenario{
				Name:        "errors",
				Description: tt.name,
				Steps:       tt.steps,
				Expect:      []Assertion{{Type: AssertTraceCount, Message: "session:ready"}},
			}
			_, err := Run(scenario)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestRun_OfflineDoesNotDial(t *testing.T) {
	scenario := &Scenario{
		Name:        "offline",
		Description: "an offline start never dials",
		Offline:     true,
		Steps:       []Step{{Do: StepStart}, {Do: StepAdvance, Duration: "1m"}},
		Expect: []Assertion{
			{Type: AssertTraceCount, Message: "connection:send", Count: 0},
			{Type: AssertSnapshot, Fields: map[string]any{"is_online": false, "status": "closed"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	assert.Empty(t, result.Sent)
}

func TestRun_SignInRestartsSocket(t *testing.T) {
	scenario := &Scenario{
		Name:        "sign_in",
		Description: "a new identity reconnects with its token",
		Steps: []Step{
			{Do: StepOpen},
			{Do: StepSignIn, User: &UserStep{ID: "u1", RefreshToken: "tok"}},
			{Do: StepOpen},
		},
		Expect: []Assertion{
			{Type: AssertTraceContains, Message: "auth:changed", Fields: map[string]any{"user": "u1"}},
			{Type: AssertTraceCount, Message: "session:ready", Count: 2},
			{Type: AssertSnapshot, Fields: map[string]any{"user": "u1", "generation": 2}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, result.Errors)
	require.Len(t, result.Sent, 2)
	assert.Equal(t, []string{message.OpInit}, result.Sent[1])
}

func TestTraceFields(t *testing.T) {
	tests := []struct {
		name string
		msg  message.Message
		want map[string]any
	}{
		{
			name: "status with error",
			msg:  message.ConnectionStatusChanged{Status: message.ConnClosed, Generation: 2, Err: errors.New("eof")},
			want: map[string]any{"status": "closed", "generation": int64(2), "error": "eof"},
		},
		{
			name: "send",
			msg:  message.ConnectionSend{EventID: "id-3", Frame: message.Frame{"op": "transact"}},
			want: map[string]any{"op": "transact", "event_id": "id-3"},
		},
		{
			name: "pending count",
			msg:  message.MutationPendingChanged{Pending: make([]message.Pending, 2)},
			want: map[string]any{"count": int64(2)},
		},
		{
			name: "signed out",
			msg:  message.AuthChanged{},
			want: map[string]any{"user": ""},
		},
		{
			name: "query result",
			msg: message.QueryResultChanged{Hash: "h", Result: message.QueryResult{
				Data: map[string][]message.Entity{"todos": {{"id": "a"}, {"id": "b"}}, "users": {{"id": "u"}}},
			}},
			want: map[string]any{"hash": "h", "entities": int64(3)},
		},
		{
			name: "crash",
			msg:  message.ActorCrashed{Actor: "query", Message: "query:subscribe", Restarts: 1},
			want: map[string]any{"actor": "query", "message": "query:subscribe", "restarts": int64(1)},
		},
		{
			name: "untraced fields",
			msg:  message.NetworkOnline{},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, traceFields(tt.msg))
		})
	}
}
