package storage

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reactor/internal/message"
	"github.com/roach88/reactor/internal/testutil"
)

// blockingBackend holds every call until release is closed.
type blockingBackend struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (b *blockingBackend) Upload(ctx context.Context, path string, _ io.Reader, _ message.UploadOptions) (message.UploadResult, error) {
	b.started <- struct{}{}
	<-b.release
	return message.UploadResult{Path: path}, nil
}

func (b *blockingBackend) Delete(context.Context, string) error {
	b.started <- struct{}{}
	<-b.release
	return nil
}

type failingBackend struct{}

func (failingBackend) Upload(context.Context, string, io.Reader, message.UploadOptions) (message.UploadResult, error) {
	return message.UploadResult{}, errors.New("quota exceeded")
}

func (failingBackend) Delete(context.Context, string) error {
	panic("backend bug")
}

func setup(t *testing.T, backend Backend) (*Actor, *testutil.Recorder) {
	t.Helper()
	a := New(backend)
	rec := testutil.NewRecorder()
	a.Subscribe(rec.Record)
	return a, rec
}

func TestStorage_UploadCompletes(t *testing.T) {
	backend := NewMemoryBackend("https://files.example.com")
	a, rec := setup(t, backend)

	a.Receive(message.StorageUpload{Path: "test.jpg", File: []byte("jpeg"), Opts: message.UploadOptions{ContentType: "image/jpeg"}})
	a.Wait()

	done := testutil.Of[message.StorageUploadComplete](rec)
	require.Len(t, done, 1)
	assert.Equal(t, "test.jpg", done[0].Path)
	assert.Equal(t, int64(4), done[0].Result.Size)
	assert.Equal(t, "https://files.example.com/test.jpg", done[0].Result.URL)
	assert.Zero(t, rec.Count("storage:error"))

	data, ok := backend.File("test.jpg")
	require.True(t, ok)
	assert.Equal(t, []byte("jpeg"), data)
}

func TestStorage_DeleteCompletes(t *testing.T) {
	backend := NewMemoryBackend("mem:")
	a, rec := setup(t, backend)

	a.Receive(message.StorageUpload{Path: "a.txt", File: []byte("x")})
	a.Wait()
	a.Receive(message.StorageDelete{Path: "a.txt"})
	a.Wait()

	assert.Equal(t, []string{"storage:upload-complete", "storage:delete-complete"}, rec.Types())
}

func TestStorage_DeleteMissingPublishesError(t *testing.T) {
	a, rec := setup(t, NewMemoryBackend("mem:"))

	require.NotPanics(t, func() { a.Receive(message.StorageDelete{Path: "missing"}) })
	a.Wait()

	errs := testutil.Of[message.StorageError](rec)
	require.Len(t, errs, 1)
	assert.Equal(t, OperationDelete, errs[0].Operation)
	assert.Equal(t, "missing", errs[0].Path)
	assert.ErrorIs(t, errs[0].Err, ErrNotFound)
}

func TestStorage_BackendFailureBecomesMessage(t *testing.T) {
	a, rec := setup(t, failingBackend{})

	a.Receive(message.StorageUpload{Path: "big.bin"})
	a.Receive(message.StorageDelete{Path: "big.bin"})
	a.Wait()

	errs := testutil.Of[message.StorageError](rec)
	require.Len(t, errs, 2)
	ops := []string{errs[0].Operation, errs[1].Operation}
	assert.ElementsMatch(t, []string{OperationUpload, OperationDelete}, ops)
}

func TestStorage_LateCompletionSuppressedAfterShutdown(t *testing.T) {
	backend := newBlockingBackend()
	a, rec := setup(t, backend)

	a.Receive(message.StorageUpload{Path: "slow.bin"})
	<-backend.started
	assert.Equal(t, 1, a.InFlight())

	a.Shutdown()
	close(backend.release)
	a.Wait()

	assert.Zero(t, rec.Len())
	assert.Zero(t, a.InFlight())
}

func TestStorage_CompletionUsesDispatcher(t *testing.T) {
	var queued []func()
	backend := NewMemoryBackend("mem:")
	a := New(backend)
	rec := testutil.NewRecorder()
	a.Subscribe(rec.Record)
	a.SetDispatcher(dispatcherFunc(func(fn func()) { queued = append(queued, fn) }))

	a.Receive(message.StorageUpload{Path: "a"})
	a.Wait()
	assert.Zero(t, rec.Len(), "completion waits for the dispatcher")

	require.Len(t, queued, 1)
	queued[0]()
	assert.Equal(t, 1, rec.Count("storage:upload-complete"))
}

type dispatcherFunc func(func())

func (f dispatcherFunc) Dispatch(fn func()) { f(fn) }

func TestStorage_HandlesEveryDeclaredMessage(t *testing.T) {
	a, _ := setup(t, NewMemoryBackend("mem:"))
	for _, msg := range []message.Message{
		message.StorageUpload{Path: "p"},
		message.StorageDelete{Path: "p"},
	} {
		assert.Contains(t, a.Handles(), msg.Type())
		a.Receive(msg)
	}
	a.Wait()
	assert.Zero(t, a.UnhandledCount())
}
