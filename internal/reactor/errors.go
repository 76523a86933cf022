package reactor

import (
	"errors"
	"fmt"

	"github.com/roach88/reactor/internal/actor"
	"github.com/roach88/reactor/internal/mutation"
	"github.com/roach88/reactor/internal/query"
)

// ErrShutdown settles every request that was still waiting when the reactor
// shut down.
var ErrShutdown = actor.ErrShutdown

// RuntimeError represents a failure surfaced by the reactor rather than by
// a single request.
//
// Runtime errors include:
//   - Actor crashed: an actor's Receive panicked more often than allowed
//   - Shutdown: the reactor stopped before the request was answered
//   - Timeout: the server did not answer in time
//   - Query failed: the server rejected a query
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Actor names the actor involved, when there is one.
	Actor string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeActorCrashed indicates the restart budget was exhausted.
	ErrCodeActorCrashed RuntimeErrorCode = "ACTOR_CRASHED"

	// ErrCodeShutdown indicates the reactor shut down.
	ErrCodeShutdown RuntimeErrorCode = "SHUTDOWN"

	// ErrCodeTimeout indicates a request was not answered in time.
	ErrCodeTimeout RuntimeErrorCode = "TIMEOUT"

	// ErrCodeQueryFailed indicates the server rejected a query.
	ErrCodeQueryFailed RuntimeErrorCode = "QUERY_FAILED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Actor != "" {
		return fmt.Sprintf("%s: %s (actor=%s)", e.Code, e.Message, e.Actor)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsShutdownError returns true if err reports a reactor shutdown.
// Uses errors.As to handle wrapped errors.
func IsShutdownError(err error) bool {
	return errors.Is(err, ErrShutdown) || hasCode(err, ErrCodeShutdown)
}

// IsTimeoutError returns true if err reports an unanswered transaction or
// query.
func IsTimeoutError(err error) bool {
	return errors.Is(err, mutation.ErrTimedOut) || hasCode(err, ErrCodeTimeout)
}

// IsRejectedError returns true if the server refused a transaction or a
// query.
func IsRejectedError(err error) bool {
	return errors.Is(err, mutation.ErrRejected) || hasCode(err, ErrCodeQueryFailed)
}

// IsCrashError returns true if err ended the reactor because an actor kept
// panicking.
func IsCrashError(err error) bool {
	return hasCode(err, ErrCodeActorCrashed)
}

// NewCrashError creates a RuntimeError for an exhausted restart budget.
func NewCrashError(actorName string, restarts int, panicValue any) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeActorCrashed,
		Message: fmt.Sprintf("panicked %d times within the restart window: %v", restarts, panicValue),
		Actor:   actorName,
	}
}

// queryError converts the error text of a settled query:once.
func queryError(text string) error {
	switch text {
	case "":
		return nil
	case ErrShutdown.Error():
		return &RuntimeError{Code: ErrCodeShutdown, Message: text, Actor: "query", Err: ErrShutdown}
	case query.ErrOnceTimedOut.Error():
		return &RuntimeError{Code: ErrCodeTimeout, Message: text, Actor: "query", Err: query.ErrOnceTimedOut}
	default:
		return &RuntimeError{Code: ErrCodeQueryFailed, Message: text, Actor: "query"}
	}
}
