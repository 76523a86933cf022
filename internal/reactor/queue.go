package reactor

import (
	"sync"

	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/message"
)

// delivery is one unit of loop work: either msg for target, or fn, which
// carries asynchronous completions and public API calls.
type delivery struct {
	target actor.Actor
	msg    message.Message
	fn     func()
}

// deliveryQueue is a thread-safe FIFO queue for deliveries.
//
// The queue is unbounded so a Receive may publish any number of follow-on
// messages without blocking the loop that is draining it.
//
// Enqueue is safe from any goroutine (dial goroutines, timers, API callers);
// only the loop dequeues. The signal channel lets the loop wait with a
// context.
type deliveryQueue struct {
	mu     sync.Mutex
	items  []delivery
	closed bool
	signal chan struct{} // buffered, size 1
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{
		items:  make([]delivery, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds d to the back of the queue. Returns false if the queue is
// closed.
func (q *deliveryQueue) Enqueue(d delivery) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, d)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front delivery without blocking.
func (q *deliveryQueue) TryDequeue() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return delivery{}, false
	}
	d := q.items[0]
	// Clear the slot so the backing array does not pin messages.
	q.items[0] = delivery{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return d, true
}

// Wait returns a channel that signals when deliveries may be available. It
// is closed by Close.
func (q *deliveryQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *deliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further deliveries and wakes the waiter. Queued deliveries
// are discarded by the loop.
func (q *deliveryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.signal)
}

// Closed reports whether Close ran.
func (q *deliveryQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
