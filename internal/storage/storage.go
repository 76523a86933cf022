// Package storage adapts a blocking upload/delete backend to the actor
// message contract.
//
// Each operation runs on its own goroutine as a tracked task. Completions
// re-enter the actor tree through the dispatcher. Shutdown cancels the
// context shared by all tasks, and any completion that arrives afterwards is
// discarded. No ordering is provided between overlapping operations on the
// same path.
package storage

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/message"
)

// ErrActorShutdown is reported to tasks that were cancelled by Shutdown.
var ErrActorShutdown = errors.New("storage actor shut down")

const (
	OperationUpload = "upload"
	OperationDelete = "delete"
)

// State is empty; effect state lives in the tasks.
type State struct{}

type task struct {
	id        int64
	operation string
	path      string
}

// Actor runs storage operations off the actor goroutine.
type Actor struct {
	*actor.Base[State]

	backend Backend

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	nextID int64
	tasks  map[int64]task
}

// New creates a storage actor over backend.
func New(backend Backend, opts ...actor.Option) *Actor {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Actor{
		Base:    actor.NewBase("storage", State{}, opts...),
		backend: backend,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[int64]task),
	}
}

// Handles implements actor.Actor.
func (a *Actor) Handles() []string {
	return []string{
		message.StorageUpload{}.Type(),
		message.StorageDelete{}.Type(),
	}
}

// Receive implements actor.Actor.
func (a *Actor) Receive(msg message.Message) {
	if a.IsShutdown() {
		return
	}
	switch m := msg.(type) {
	case message.StorageUpload:
		file := m.File
		a.start(OperationUpload, m.Path, func(ctx context.Context) message.Message {
			res, err := a.backend.Upload(ctx, m.Path, bytes.NewReader(file), m.Opts)
			if err != nil {
				return message.StorageError{Operation: OperationUpload, Path: m.Path, Err: err}
			}
			return message.StorageUploadComplete{Path: m.Path, Result: res}
		})
	case message.StorageDelete:
		a.start(OperationDelete, m.Path, func(ctx context.Context) message.Message {
			if err := a.backend.Delete(ctx, m.Path); err != nil {
				return message.StorageError{Operation: OperationDelete, Path: m.Path, Err: err}
			}
			return message.StorageDeleteComplete{Path: m.Path}
		})
	default:
		a.Unhandled(msg)
	}
}

func (a *Actor) start(operation, path string, run func(context.Context) message.Message) {
	a.mu.Lock()
	a.nextID++
	t := task{id: a.nextID, operation: operation, path: path}
	a.tasks[t.id] = t
	a.wg.Add(1)
	a.mu.Unlock()

	a.Logger().Debug("storage task started", "task", t.id, "operation", operation, "path", path)

	go func() {
		defer a.wg.Done()
		result := a.runGuarded(t, run)

		a.mu.Lock()
		delete(a.tasks, t.id)
		a.mu.Unlock()

		if a.ctx.Err() != nil {
			a.Logger().Debug("discarding storage completion after shutdown", "task", t.id, "path", path)
			return
		}
		a.Dispatch(func() { a.Publish(result) })
	}()
}

// runGuarded converts a backend panic into a storage:error.
func (a *Actor) runGuarded(t task, run func(context.Context) message.Message) (result message.Message) {
	defer func() {
		if r := recover(); r != nil {
			a.Logger().Error("storage backend panicked", "operation", t.operation, "path", t.path, "panic", r)
			result = message.StorageError{Operation: t.operation, Path: t.path, Err: errors.New("storage backend panicked")}
		}
	}()
	return run(a.ctx)
}

// InFlight reports the number of running tasks.
func (a *Actor) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}

// Wait blocks until every started task has finished.
func (a *Actor) Wait() {
	a.wg.Wait()
}

// Shutdown cancels in-flight tasks and makes the actor inert. Tasks that
// still complete are discarded.
func (a *Actor) Shutdown() {
	if !a.BeginShutdown() {
		return
	}
	a.cancel(ErrActorShutdown)
}
