package testutil

import (
	"context"
	"slices"
	"sync"
)

// FakeListener is a scriptable network listener. SetOnline notifies live
// registrations; ForceNotify also reaches callbacks that were unregistered,
// simulating an event already in flight when an actor shut down.
type FakeListener struct {
	mu        sync.Mutex
	online    bool
	err       error
	callbacks []*func(bool)
	all       []*func(bool)
	listens   int
}

// NewFakeListener creates a listener reporting online.
func NewFakeListener(online bool) *FakeListener {
	return &FakeListener{online: online}
}

// IsOnline returns the scripted status or error.
func (l *FakeListener) IsOnline(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online, l.err
}

// FailWith makes IsOnline return err.
func (l *FakeListener) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

// Listen registers fn.
func (l *FakeListener) Listen(fn func(bool)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listens++
	cb := &fn
	l.callbacks = append(l.callbacks, cb)
	l.all = append(l.all, cb)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if i := slices.Index(l.callbacks, cb); i >= 0 {
			l.callbacks = slices.Delete(l.callbacks, i, i+1)
		}
	}
}

// SetOnline records the status and notifies registered callbacks.
func (l *FakeListener) SetOnline(online bool) {
	l.mu.Lock()
	l.online = online
	callbacks := slices.Clone(l.callbacks)
	l.mu.Unlock()

	for _, cb := range callbacks {
		(*cb)(online)
	}
}

// ForceNotify invokes every callback ever registered.
func (l *FakeListener) ForceNotify(online bool) {
	l.mu.Lock()
	l.online = online
	callbacks := slices.Clone(l.all)
	l.mu.Unlock()

	for _, cb := range callbacks {
		(*cb)(online)
	}
}

// Registered reports the number of live registrations.
func (l *FakeListener) Registered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.callbacks)
}

// ListenCalls reports how many times Listen was called.
func (l *FakeListener) ListenCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listens
}
