// Package cached keeps snapshot objects read from a remote blob on local
// disk, so repeated imports of the same snapshot skip the download.
package cached

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rbaliyan/summary/snapshot"
)

// Blob wraps a snapshot.Blob with a disk cache on Get.
type Blob struct {
	backend snapshot.Blob
	dir     string
	maxSize int64
	ttl     time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	size int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ snapshot.Blob = (*Blob)(nil)

// New wraps backend. Close stops the cleanup goroutine.
func New(backend snapshot.Blob, opts ...Option) (*Blob, error) {
	o := &options{
		dir:     os.TempDir(),
		maxSize: 1 << 30,
		ttl:     24 * time.Hour,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	dir := filepath.Join(o.dir, "summary-snapshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cached: create cache directory: %w", err)
	}

	b := &Blob{
		backend: backend,
		dir:     dir,
		maxSize: o.maxSize,
		ttl:     o.ttl,
		logger:  o.logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.size = b.diskSize()

	if b.ttl > 0 {
		go b.cleanupLoop()
	} else {
		close(b.done)
	}
	return b, nil
}

// Put writes through to the backend and drops any cached copy of key.
func (b *Blob) Put(ctx context.Context, key string, r io.Reader) error {
	b.evict(key)
	return b.backend.Put(ctx, key, r)
}

// Get serves key from disk when a fresh copy exists, otherwise reads the
// backend and caches the object once the caller has read it completely.
func (b *Blob) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p := b.path(key)
	if info, err := os.Stat(p); err == nil {
		if b.ttl <= 0 || time.Since(info.ModTime()) < b.ttl {
			if f, err := os.Open(p); err == nil {
				b.logger.Debug("snapshot cache hit", "key", key)
				return f, nil
			}
		} else {
			b.evict(key)
		}
	}

	b.logger.Debug("snapshot cache miss", "key", key)
	rc, err := b.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(b.dir, "tmp-*")
	if err != nil {
		b.logger.Warn("snapshot cache unavailable", "error", err)
		return rc, nil
	}
	return &teeReader{source: rc, tmp: tmp, dest: p, blob: b}, nil
}

// Delete removes key from the backend and the cache.
func (b *Blob) Delete(ctx context.Context, key string) error {
	b.evict(key)
	return b.backend.Delete(ctx, key)
}

// Purge removes every cached object.
func (b *Blob) Purge() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("cached: read cache dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			_ = os.Remove(filepath.Join(b.dir, e.Name()))
		}
	}
	b.size = 0
	return nil
}

// Size returns the bytes currently cached.
func (b *Blob) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Close stops the cleanup goroutine. It does not close the backend.
func (b *Blob) Close() error {
	b.closeOnce.Do(func() {
		close(b.stop)
	})
	<-b.done
	return nil
}

func (b *Blob) path(key string) string {
	h := sha256.Sum256([]byte(key))
	return filepath.Join(b.dir, hex.EncodeToString(h[:]))
}

func (b *Blob) evict(key string) {
	b.evictPath(b.path(key))
}

func (b *Blob) evictPath(p string) {
	info, err := os.Stat(p)
	if err != nil {
		return
	}
	if os.Remove(p) == nil {
		b.grow(-info.Size())
	}
}

// reserve claims n bytes of cache space.
func (b *Blob) reserve(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size+n > b.maxSize {
		return false
	}
	b.size += n
	return true
}

func (b *Blob) grow(delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.size += delta
	if b.size < 0 {
		b.size = 0
	}
}

func (b *Blob) diskSize() int64 {
	var size int64
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		b.logger.Warn("failed to size snapshot cache", "error", err)
		return 0
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil && !e.IsDir() {
			size += info.Size()
		}
	}
	return size
}

func (b *Blob) cleanupLoop() {
	defer close(b.done)
	ticker := time.NewTicker(b.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.removeExpired()
		}
	}
}

func (b *Blob) removeExpired() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		b.logger.Warn("failed to read snapshot cache", "error", err)
		return
	}

	now := time.Now()
	var removed int
	var freed int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) <= b.ttl {
			continue
		}
		if os.Remove(filepath.Join(b.dir, e.Name())) == nil {
			removed++
			freed += info.Size()
		}
	}
	if removed > 0 {
		b.grow(-freed)
		b.logger.Info("snapshot cache cleanup", "removed", removed, "freed_bytes", freed)
	}
}

// teeReader copies what the caller reads into a temp file and moves it
// into place on Close if the source was read to EOF.
type teeReader struct {
	source io.ReadCloser
	tmp    *os.File
	dest   string
	blob   *Blob
	n      int64
	eof    bool
	failed bool
	closed bool
}

func (r *teeReader) Read(p []byte) (int, error) {
	n, err := r.source.Read(p)
	if n > 0 && !r.failed {
		if _, werr := r.tmp.Write(p[:n]); werr != nil {
			r.failed = true
			r.blob.logger.Warn("failed to write snapshot cache", "error", werr)
		}
		r.n += int64(n)
	}
	if err == io.EOF {
		r.eof = true
	}
	return n, err
}

func (r *teeReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	srcErr := r.source.Close()
	name := r.tmp.Name()
	if err := r.tmp.Close(); err != nil || r.failed || !r.eof {
		_ = os.Remove(name)
		return srcErr
	}

	r.blob.evictPath(r.dest)
	if !r.blob.reserve(r.n) {
		_ = os.Remove(name)
		r.blob.logger.Debug("snapshot cache full", "size", r.n)
		return srcErr
	}
	if err := os.Rename(name, r.dest); err != nil {
		_ = os.Remove(name)
		r.blob.grow(-r.n)
		r.blob.logger.Warn("failed to store snapshot cache entry", "error", err)
	}
	return srcErr
}
