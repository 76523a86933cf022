package testutil

import (
	"sync"

	"github.com/roach88/reactor/internal/actor"
)

// QueueDispatcher collects dispatched work until Drain runs it on the test
// goroutine, standing in for the supervisor's run loop.
type QueueDispatcher struct {
	mu    sync.Mutex
	queue []func()
}

var _ actor.Dispatcher = (*QueueDispatcher)(nil)

// NewQueueDispatcher creates an empty queue.
func NewQueueDispatcher() *QueueDispatcher {
	return &QueueDispatcher{}
}

// Dispatch implements actor.Dispatcher.
func (q *QueueDispatcher) Dispatch(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, fn)
}

// Drain runs queued work, including work queued while draining, and returns
// how many functions ran.
func (q *QueueDispatcher) Drain() int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.mu.Unlock()
			return n
		}
		fn := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()

		fn()
		n++
	}
}

// Len reports the number of queued functions.
func (q *QueueDispatcher) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
