package reactor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/reactor/internal/mutation"
	"github.com/roach88/reactor/internal/query"
)

func TestRuntimeError_Format(t *testing.T) {
	err := NewCrashError("query", 4, "boom")
	assert.Equal(t, "ACTOR_CRASHED: panicked 4 times within the restart window: boom (actor=query)", err.Error())

	plain := &RuntimeError{Code: ErrCodeShutdown, Message: "reactor shut down"}
	assert.Equal(t, "SHUTDOWN: reactor shut down", plain.Error())
}

func TestRuntimeError_Predicates(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		shutdown bool
		timeout  bool
		rejected bool
		crash    bool
	}{
		{name: "nil", err: nil},
		{name: "shutdown sentinel", err: ErrShutdown, shutdown: true},
		{name: "wrapped shutdown", err: fmt.Errorf("transact: %w", ErrShutdown), shutdown: true},
		{name: "transaction timeout", err: mutation.ErrTimedOut, timeout: true},
		{name: "query timeout", err: queryError(query.ErrOnceTimedOut.Error()), timeout: true},
		{name: "transaction rejected", err: fmt.Errorf("%w: permission denied", mutation.ErrRejected), rejected: true},
		{name: "query failed", err: queryError("validation failed"), rejected: true},
		{name: "crash", err: NewCrashError("mutation", 4, "boom"), crash: true},
		{name: "unrelated", err: errors.New("other")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.shutdown, IsShutdownError(tt.err), "IsShutdownError")
			assert.Equal(t, tt.timeout, IsTimeoutError(tt.err), "IsTimeoutError")
			assert.Equal(t, tt.rejected, IsRejectedError(tt.err), "IsRejectedError")
			assert.Equal(t, tt.crash, IsCrashError(tt.err), "IsCrashError")
		})
	}
}

func TestQueryError(t *testing.T) {
	assert.NoError(t, queryError(""))

	err := queryError(ErrShutdown.Error())
	assert.ErrorIs(t, err, ErrShutdown)

	err = queryError(query.ErrOnceTimedOut.Error())
	assert.ErrorIs(t, err, query.ErrOnceTimedOut)

	var re *RuntimeError
	assert.ErrorAs(t, queryError("bad"), &re)
	assert.Equal(t, ErrCodeQueryFailed, re.Code)
	assert.Equal(t, "query", re.Actor)
}
