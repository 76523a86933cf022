package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/roach88/reactor/internal/message"
)

// echoServer answers every frame with {"op": "<op>-ok", "echo": frame}.
func echoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		defer func() { _ = conn.Close() }()
		dec := json.NewDecoder(conn)
		enc := json.NewEncoder(conn)
		for {
			var in map[string]any
			if err := dec.Decode(&in); err != nil {
				return
			}
			op, _ := in["op"].(string)
			if err := enc.Encode(map[string]any{"op": op + "-ok", "echo": in, "tx-id": 9007199254740993}); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketDialer_RoundTrip(t *testing.T) {
	url := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := WebSocketDialer{}.Dial(ctx, url)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.Send(message.Frame{"op": "init", "app-id": "app-1"}))

	got, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, "init-ok", got.Op())
	assert.Equal(t, "app-1", got.Object("echo").String("app-id"))

	txID, ok := got.Int("tx-id")
	require.True(t, ok)
	assert.Equal(t, int64(9007199254740993), txID, "large integers survive decoding")
}

func TestWebSocketDialer_CloseUnblocksReceive(t *testing.T) {
	url := echoServer(t)
	conn, err := WebSocketDialer{}.Dial(context.Background(), url)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Receive()
		errCh <- err
	}()

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
	assert.ErrorIs(t, conn.Send(message.Frame{"op": "init"}), ErrClosed)
}

func TestWebSocketDialer_DialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := WebSocketDialer{}.Dial(ctx, "ws://127.0.0.1:1/runtime/session")
	require.Error(t, err)
}

func TestWebSocketDialer_SkipsMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		defer func() { _ = conn.Close() }()
		for _, frame := range []string{`{"op": broken`, `[1, 2]`, `null`, `{"op":"refresh-ok"}`} {
			if err := websocket.Message.Send(conn, frame); err != nil {
				return
			}
		}
		var rest []byte
		_ = websocket.Message.Receive(conn, &rest)
	}))
	t.Cleanup(srv.Close)

	conn, err := WebSocketDialer{}.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	got, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, "refresh-ok", got.Op())
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"object", `{"op":"init-ok","n":1}`, false},
		{"truncated", `{"op": broken`, true},
		{"array", `[1]`, true},
		{"null", `null`, true},
		{"empty", ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := decodeFrame([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, json.Number("1"), f["n"])
		})
	}
}
