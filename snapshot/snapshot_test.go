package snapshot

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/summary/retry"
	"github.com/rbaliyan/summary/store"
	"github.com/rbaliyan/summary/store/memory"
)

func newMemory(t *testing.T) *memory.Store {
	t.Helper()
	m := memory.New()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return m
}

// seed writes n rows and a header into folder.
func seed(t *testing.T, s store.Store, folder string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		row := &store.Row{
			UID:        strconv.Itoa(i),
			Flags:      uint32(i),
			Subject:    "subject " + folder,
			References: []uint64{uint64(i)},
			UserTags:   []store.Tag{{Name: "k", Value: folder}},
		}
		if err := s.WriteRecord(ctx, folder, row); err != nil {
			t.Fatalf("seed %s: %v", folder, err)
		}
	}
	if err := s.WriteHeader(ctx, folder, &store.HeaderRow{NextUID: uint32(n + 1), Saved: uint32(n)}); err != nil {
		t.Fatalf("seed header %s: %v", folder, err)
	}
}

// dump returns every row and the header of folder.
func dump(t *testing.T, s store.Store, folder string) ([]*store.Row, *store.HeaderRow) {
	t.Helper()
	ctx := context.Background()
	var rows []*store.Row
	if err := s.BulkRead(ctx, folder, func(r *store.Row) bool {
		rows = append(rows, r)
		return true
	}); err != nil {
		t.Fatalf("bulk read %s: %v", folder, err)
	}
	h, err := s.ReadHeader(ctx, folder)
	if err != nil && !store.IsNotFound(err) {
		t.Fatalf("read header %s: %v", folder, err)
	}
	return rows, h
}

func fastRetry() Option {
	return WithRetry(retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := newMemory(t)
	seed(t, src, "inbox", 5)
	seed(t, src, "archive", 3)

	blob := NewMemoryBlob()
	m, err := Export(ctx, src, blob, WithConcurrency(2))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if m.ID == "" || len(m.Folders) != 2 {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	rows := map[string]int{}
	for _, e := range m.Folders {
		rows[e.Folder] = e.Rows
		if !e.HasHeader {
			t.Errorf("folder %s exported without header", e.Folder)
		}
	}
	if diff := cmp.Diff(map[string]int{"inbox": 5, "archive": 3}, rows); diff != "" {
		t.Errorf("row counts (-want +got):\n%s", diff)
	}

	dst := newMemory(t)
	if err := Import(ctx, dst, blob, m.ID, WithBatchSize(2)); err != nil {
		t.Fatalf("Import: %v", err)
	}
	for _, folder := range []string{"inbox", "archive"} {
		wantRows, wantHeader := dump(t, src, folder)
		gotRows, gotHeader := dump(t, dst, folder)
		if diff := cmp.Diff(wantRows, gotRows); diff != "" {
			t.Errorf("%s rows (-want +got):\n%s", folder, diff)
		}
		if diff := cmp.Diff(wantHeader, gotHeader); diff != "" {
			t.Errorf("%s header (-want +got):\n%s", folder, diff)
		}
	}
}

func TestExportSelectedFolders(t *testing.T) {
	ctx := context.Background()
	src := newMemory(t)
	seed(t, src, "inbox", 2)
	seed(t, src, "spam", 2)

	blob := NewMemoryBlob()
	m, err := Export(ctx, src, blob, WithFolders("inbox"), WithPrefix("backups"))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(m.Folders) != 1 || m.Folders[0].Folder != "inbox" {
		t.Fatalf("unexpected folders: %+v", m.Folders)
	}
	for _, k := range blob.Keys() {
		if !strings.HasPrefix(k, "backups/"+m.ID+"/") {
			t.Errorf("key %q outside prefix", k)
		}
	}
	if _, err := ReadManifest(ctx, blob, m.ID); !store.IsNotFound(err) {
		t.Errorf("manifest should not be found under the default prefix, got %v", err)
	}
	if _, err := ReadManifest(ctx, blob, m.ID, WithPrefix("backups")); err != nil {
		t.Errorf("ReadManifest: %v", err)
	}
}

func TestImportSelectedAndReplace(t *testing.T) {
	ctx := context.Background()
	src := newMemory(t)
	seed(t, src, "inbox", 3)
	seed(t, src, "archive", 3)
	blob := NewMemoryBlob()
	m, err := Export(ctx, src, blob)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := newMemory(t)
	if err := dst.WriteRecord(ctx, "inbox", &store.Row{UID: "stale"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Import(ctx, dst, blob, m.ID, WithFolders("inbox"), WithReplace(true)); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if _, err := dst.ReadRecord(ctx, "inbox", "stale"); !store.IsNotFound(err) {
		t.Errorf("stale row should be cleared, got %v", err)
	}
	if rows, _ := dump(t, dst, "inbox"); len(rows) != 3 {
		t.Errorf("expected 3 inbox rows, got %d", len(rows))
	}
	if rows, h := dump(t, dst, "archive"); len(rows) != 0 || h != nil {
		t.Error("archive should not be imported")
	}
}

func TestExportRequiresFolders(t *testing.T) {
	type baseOnly struct{ store.Store }
	_, err := Export(context.Background(), baseOnly{newMemory(t)}, NewMemoryBlob())
	if err == nil {
		t.Fatal("expected error for store without folder listing")
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	src := newMemory(t)
	seed(t, src, "inbox", 1)
	blob := NewMemoryBlob()
	m, err := Export(ctx, src, blob)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := Remove(ctx, blob, m.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if keys := blob.Keys(); len(keys) != 0 {
		t.Errorf("keys left: %v", keys)
	}
	if err := Import(ctx, newMemory(t), blob, m.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound importing removed snapshot, got %v", err)
	}
}

// flakyBlob fails the first Put of every key.
type flakyBlob struct {
	*MemoryBlob
	failures atomic.Int32
	seen     map[string]bool
}

func (b *flakyBlob) Put(ctx context.Context, key string, r io.Reader) error {
	b.MemoryBlob.mu.Lock()
	first := !b.seen[key]
	b.seen[key] = true
	b.MemoryBlob.mu.Unlock()
	if first {
		b.failures.Add(1)
		return errors.New("transient upload failure")
	}
	return b.MemoryBlob.Put(ctx, key, r)
}

func TestExportRetriesUploads(t *testing.T) {
	ctx := context.Background()
	src := newMemory(t)
	seed(t, src, "inbox", 2)

	blob := &flakyBlob{MemoryBlob: NewMemoryBlob(), seen: map[string]bool{}}
	m, err := Export(ctx, src, blob, fastRetry())
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if got := blob.failures.Load(); got != 2 {
		t.Errorf("expected 2 failed uploads (folder and manifest), got %d", got)
	}
	if err := Import(ctx, newMemory(t), blob, m.ID, fastRetry()); err != nil {
		t.Fatalf("Import: %v", err)
	}
}

func TestExportUploadFailure(t *testing.T) {
	ctx := context.Background()
	src := newMemory(t)
	seed(t, src, "inbox", 1)

	blob := &flakyBlob{MemoryBlob: NewMemoryBlob(), seen: map[string]bool{}}
	_, err := Export(ctx, src, blob, WithRetry(retry.NoRetry()))
	if err == nil {
		t.Fatal("expected upload failure without retries")
	}
	if keys := blob.Keys(); len(keys) != 0 {
		t.Errorf("no manifest should be written, got %v", keys)
	}
}
