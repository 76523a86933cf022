package actor

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the timer, reporting whether it was still pending.
	Stop() bool
}

// Scheduler runs fn after d. Actors use it for reconnect delays, mutation
// timeouts and presence flush windows; fn typically dispatches a message back
// into the actor tree.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// WallScheduler schedules on the runtime timer heap.
type WallScheduler struct{}

// AfterFunc wraps time.AfterFunc.
func (WallScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
