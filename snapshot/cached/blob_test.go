package cached

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/summary/snapshot"
)

type countingBlob struct {
	*snapshot.MemoryBlob
	gets atomic.Int32
}

func (c *countingBlob) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	c.gets.Add(1)
	return c.MemoryBlob.Get(ctx, key)
}

func newTestBlob(t *testing.T, opts ...Option) (*Blob, *countingBlob) {
	t.Helper()
	backend := &countingBlob{MemoryBlob: snapshot.NewMemoryBlob()}
	b, err := New(backend, append([]Option{WithDir(t.TempDir())}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, backend
}

func readAll(t *testing.T, b *Blob, key string) string {
	t.Helper()
	rc, err := b.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %q: %v", key, err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("close %q: %v", key, err)
	}
	return string(data)
}

func TestGetCaches(t *testing.T) {
	ctx := context.Background()
	b, backend := newTestBlob(t)

	if err := b.Put(ctx, "snap/manifest.json", strings.NewReader(`{"id":"snap"}`)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if got := readAll(t, b, "snap/manifest.json"); got != `{"id":"snap"}` {
			t.Fatalf("read %d = %q", i, got)
		}
	}
	if n := backend.gets.Load(); n != 1 {
		t.Errorf("backend reads = %d, want 1", n)
	}
	if b.Size() != int64(len(`{"id":"snap"}`)) {
		t.Errorf("Size = %d", b.Size())
	}
}

func TestPutInvalidates(t *testing.T) {
	ctx := context.Background()
	b, backend := newTestBlob(t)

	_ = b.Put(ctx, "k", strings.NewReader("v1"))
	readAll(t, b, "k")
	if err := b.Put(ctx, "k", strings.NewReader("v2")); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, b, "k"); got != "v2" {
		t.Errorf("after Put got %q, want v2", got)
	}
	if n := backend.gets.Load(); n != 2 {
		t.Errorf("backend reads = %d, want 2", n)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBlob(t)

	_ = b.Put(ctx, "k", strings.NewReader("v"))
	readAll(t, b, "k")
	if err := b.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get(ctx, "k"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
	if b.Size() != 0 {
		t.Errorf("Size = %d, want 0", b.Size())
	}
}

func TestPartialReadNotCached(t *testing.T) {
	ctx := context.Background()
	b, backend := newTestBlob(t)

	_ = b.Put(ctx, "k", strings.NewReader("0123456789"))
	rc, err := b.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3)
	if _, err := io.ReadFull(rc, buf); err != nil {
		t.Fatal(err)
	}
	_ = rc.Close()

	readAll(t, b, "k")
	if n := backend.gets.Load(); n != 2 {
		t.Errorf("backend reads = %d, want 2", n)
	}
}

func TestMaxSize(t *testing.T) {
	ctx := context.Background()
	b, backend := newTestBlob(t, WithMaxSize(4))

	_ = b.Put(ctx, "big", strings.NewReader("too large"))
	readAll(t, b, "big")
	readAll(t, b, "big")
	if n := backend.gets.Load(); n != 2 {
		t.Errorf("backend reads = %d, want 2", n)
	}
	if b.Size() != 0 {
		t.Errorf("Size = %d, want 0", b.Size())
	}
}

func TestExpired(t *testing.T) {
	ctx := context.Background()
	b, backend := newTestBlob(t, WithTTL(time.Hour))

	_ = b.Put(ctx, "k", strings.NewReader("v"))
	readAll(t, b, "k")

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(b.path("k"), old, old); err != nil {
		t.Fatal(err)
	}
	b.removeExpired()
	if b.Size() != 0 {
		t.Errorf("Size after cleanup = %d, want 0", b.Size())
	}
	readAll(t, b, "k")
	if n := backend.gets.Load(); n != 2 {
		t.Errorf("backend reads = %d, want 2", n)
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBlob(t)

	_ = b.Put(ctx, "a", strings.NewReader("aa"))
	_ = b.Put(ctx, "b", strings.NewReader("bb"))
	readAll(t, b, "a")
	readAll(t, b, "b")
	if err := b.Purge(); err != nil {
		t.Fatal(err)
	}
	if b.Size() != 0 {
		t.Errorf("Size = %d, want 0", b.Size())
	}
}

func TestCloseIdempotent(t *testing.T) {
	b, _ := newTestBlob(t, WithTTL(0))
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}
