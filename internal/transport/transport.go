// Package transport moves decoded frames over a socket. The connection
// actor is its only user; no other component holds a Conn.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/roach88/reactor/internal/message"
)

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one live socket.
type Conn interface {
	// Send writes one frame. Safe for concurrent use.
	Send(f message.Frame) error
	// Receive blocks until the next frame arrives or the socket fails.
	Receive() (message.Frame, error)
	// Close closes the socket, unblocking Receive. Idempotent.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the backend over WebSocket and exchanges JSON text
// frames.
type WebSocketDialer struct {
	// Origin is sent in the handshake. Defaults to "http://localhost".
	Origin string
	// Header is added to the handshake request.
	Header http.Header
	// Logger reports frames that are dropped. Defaults to slog.Default().
	Logger *slog.Logger
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	origin := d.Origin
	if origin == "" {
		origin = "http://localhost"
	}
	cfg, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	if d.Header != nil {
		cfg.Header = d.Header.Clone()
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return newWSConn(ws, logger), nil
}

type wsConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	sendMu sync.Mutex
	enc    *json.Encoder

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(ws *websocket.Conn, logger *slog.Logger) *wsConn {
	return &wsConn{
		ws:     ws,
		logger: logger.With("component", "transport"),
		enc:    json.NewEncoder(ws),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) Send(f message.Frame) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.enc.Encode(f); err != nil {
		return fmt.Errorf("send %q: %w", f.Op(), err)
	}
	return nil
}

// Receive reads whole messages and skips any that are not a JSON object, so
// one bad frame does not poison the stream.
func (c *wsConn) Receive() (message.Frame, error) {
	for {
		var raw []byte
		if err := websocket.Message.Receive(c.ws, &raw); err != nil {
			select {
			case <-c.closed:
				return nil, ErrClosed
			default:
			}
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("receive: %w", err)
		}
		f, err := decodeFrame(raw)
		if err != nil {
			c.logger.Warn("dropping frame", "error", err, "size", len(raw))
			continue
		}
		return f, nil
	}
}

// decodeFrame parses one message. Numbers stay json.Number so tx ids survive
// the round trip exactly.
func decodeFrame(raw []byte) (message.Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var f message.Frame
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f == nil {
		return nil, errors.New("decode frame: not an object")
	}
	return f, nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}
