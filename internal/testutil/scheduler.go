package testutil

import (
	"slices"
	"sync"
	"time"

	"github.com/roach88/reactor/internal/actor"
)

// ManualScheduler is an actor.Scheduler driven by virtual time. Timers fire
// only from Advance, on the calling goroutine, in deadline order (ties in
// scheduling order).
//
// Thread-safety: safe for concurrent use; callbacks run without the lock held.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	s        *ManualScheduler
	deadline time.Time
	seq      int
	fn       func()
	stopped  bool
	fired    bool
}

var _ actor.Scheduler = (*ManualScheduler)(nil)

// NewManualScheduler starts virtual time at a fixed instant so traces are
// reproducible.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the virtual time.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// AfterFunc implements actor.Scheduler.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) actor.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTimer{s: s, deadline: s.now.Add(d), seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves virtual time forward by d, firing every timer whose deadline
// is reached. Timers scheduled by fired callbacks also fire if they fall
// within the window.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		t := s.nextDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	s.mu.Lock()
	s.now = target
	s.mu.Unlock()
}

func (s *ManualScheduler) nextDue(target time.Time) *manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers = slices.DeleteFunc(s.timers, func(t *manualTimer) bool {
		return t.stopped || t.fired
	})
	slices.SortStableFunc(s.timers, func(a, b *manualTimer) int {
		if c := a.deadline.Compare(b.deadline); c != 0 {
			return c
		}
		return a.seq - b.seq
	})
	if len(s.timers) == 0 || s.timers[0].deadline.After(target) {
		return nil
	}
	t := s.timers[0]
	t.fired = true
	if t.deadline.After(s.now) {
		s.now = t.deadline
	}
	return t
}

// Pending reports the number of timers that have neither fired nor been
// stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
