package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/roach88/reactor/internal/message"
)

// Backend performs binary uploads and deletes. Implementations may block;
// the storage actor always calls them off the actor goroutine.
type Backend interface {
	Upload(ctx context.Context, path string, file io.Reader, opts message.UploadOptions) (message.UploadResult, error)
	Delete(ctx context.Context, path string) error
}

// ErrNotFound is returned by MemoryBackend.Delete for unknown paths.
var ErrNotFound = errors.New("storage: file not found")

// MemoryBackend keeps files in memory. Used by tests and the CLI demo.
type MemoryBackend struct {
	mu      sync.Mutex
	baseURL string
	files   map[string]storedFile
}

type storedFile struct {
	data []byte
	opts message.UploadOptions
}

// NewMemoryBackend creates an empty backend that reports URLs under baseURL.
func NewMemoryBackend(baseURL string) *MemoryBackend {
	return &MemoryBackend{baseURL: baseURL, files: make(map[string]storedFile)}
}

// Upload stores the file, replacing any previous content at path.
func (b *MemoryBackend) Upload(ctx context.Context, path string, file io.Reader, opts message.UploadOptions) (message.UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return message.UploadResult{}, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		return message.UploadResult{}, fmt.Errorf("read upload %s: %w", path, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[path] = storedFile{data: buf.Bytes(), opts: opts}
	return message.UploadResult{
		Path: path,
		URL:  b.baseURL + "/" + path,
		Size: int64(buf.Len()),
	}, nil
}

// Delete removes path.
func (b *MemoryBackend) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.files[path]; !ok {
		return fmt.Errorf("delete %s: %w", path, ErrNotFound)
	}
	delete(b.files, path)
	return nil
}

// File returns the stored bytes at path.
func (b *MemoryBackend) File(path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.files[path]
	return f.data, ok
}
