package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/rbaliyan/summary/store"
)

// ErrNotFound is returned by a Blob for a missing key.
var ErrNotFound = fmt.Errorf("snapshot: %w", store.ErrNotFound)

// Blob is an object store holding snapshot archives. Keys are slash
// separated paths. Implementations are in snapshot/s3 and snapshot/gcs;
// MemoryBlob serves tests and in-process copies.
type Blob interface {
	// Put stores the content of r under key, replacing any previous object.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens the object at key, or returns ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object at key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// MemoryBlob is a Blob held in memory.
type MemoryBlob struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Blob = (*MemoryBlob)(nil)

// NewMemoryBlob returns an empty MemoryBlob.
func NewMemoryBlob() *MemoryBlob {
	return &MemoryBlob{objects: make(map[string][]byte)}
}

func (b *MemoryBlob) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.objects[key] = data
	b.mu.Unlock()
	return nil
}

func (b *MemoryBlob) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.RLock()
	data, ok := b.objects[key]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *MemoryBlob) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.objects, key)
	b.mu.Unlock()
	return nil
}

// Keys returns the stored keys, sorted.
func (b *MemoryBlob) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
