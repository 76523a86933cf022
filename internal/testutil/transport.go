package testutil

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/roach88/reactor/internal/message"
	"github.com/roach88/reactor/internal/transport"
)

// FakeDialer hands out in-memory connections. Dials can be scripted to fail.
type FakeDialer struct {
	mu       sync.Mutex
	conns    []*FakeConn
	failures []error
	urls     []string
}

var _ transport.Dialer = (*FakeDialer)(nil)

// NewFakeDialer creates a dialer that succeeds unless told otherwise.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// FailNext makes the next len(errs) dials fail with errs in order.
func (d *FakeDialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

// Dial implements transport.Dialer.
func (d *FakeDialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

// Dials reports how many times Dial was called.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// Conns returns every connection handed out, oldest first.
func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

// Last returns the most recent connection, or nil.
func (d *FakeDialer) Last() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// FakeConn is an in-memory transport.Conn.
//
// Deliver and Fail block until the reading goroutine has handed the frame or
// error to its owner: Deliver returns once the reader calls Receive again,
// Fail once the reader closes the connection. Together with a drained
// supervisor queue this makes tests deterministic.
type FakeConn struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inbox    []message.Frame
	failErr  error
	closed   bool
	receives int
	pushed   int
	popped   int
	popCall  map[int]int
	sent     []message.Frame
}

func newFakeConn() *FakeConn {
	c := &FakeConn{popCall: make(map[int]int)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Send records f.
func (c *FakeConn) Send(f message.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, f)
	return nil
}

// Receive returns the next delivered frame.
func (c *FakeConn) Receive() (message.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receives++
	call := c.receives
	c.cond.Broadcast()
	for len(c.inbox) == 0 && c.failErr == nil && !c.closed {
		c.cond.Wait()
	}
	switch {
	case len(c.inbox) > 0:
		f := c.inbox[0]
		c.inbox = c.inbox[1:]
		c.popped++
		c.popCall[c.popped] = call
		return f, nil
	case c.failErr != nil:
		return nil, c.failErr
	default:
		return nil, transport.ErrClosed
	}
}

// Close closes the connection. Idempotent.
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
	return nil
}

// Deliver pushes a frame from the server side.
func (c *FakeConn) Deliver(f message.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pushed++
	n := c.pushed
	c.inbox = append(c.inbox, f)
	c.cond.Broadcast()
	for !c.closed {
		if call, ok := c.popCall[n]; ok && c.receives > call {
			break
		}
		c.cond.Wait()
	}
}

// Fail makes the pending Receive return err (io.EOF when nil) and waits for
// the reader to close the connection.
func (c *FakeConn) Fail(err error) {
	if err == nil {
		err = io.EOF
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.failErr = err
	c.cond.Broadcast()
	for !c.closed {
		c.cond.Wait()
	}
}

// WaitReading blocks until a reader is waiting on the connection, or the
// connection is closed.
func (c *FakeConn) WaitReading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.receives == 0 && !c.closed {
		c.cond.Wait()
	}
}

// Sent returns every frame written so far.
func (c *FakeConn) Sent() []message.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.Frame(nil), c.sent...)
}

// SentOps returns the op of every frame written so far.
func (c *FakeConn) SentOps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, f := range c.sent {
		out[i] = f.Op()
	}
	return out
}

// IsClosed reports whether Close was called.
func (c *FakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ErrDialRefused is a convenience error for scripted dial failures.
var ErrDialRefused = errors.New("dial refused")
