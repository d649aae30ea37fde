package summary

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/summary/retry"
	"github.com/rbaliyan/summary/store"
	"github.com/rbaliyan/summary/store/memory"
)

const testFolder = "INBOX"

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemoryStore(t *testing.T) *memory.Store {
	t.Helper()
	st := memory.New()
	if err := st.Connect(context.Background()); err != nil {
		t.Fatalf("connect memory store: %v", err)
	}
	return st
}

// newTestSummary returns a summary on a manual scheduler. Options are
// applied after the test defaults.
func newTestSummary(t *testing.T, opts ...Option) (*Summary, *ManualScheduler) {
	t.Helper()
	sched := NewManualScheduler(testEpoch)
	base := []Option{
		WithScheduler(sched),
		WithLogger(discardLogger()),
		WithRetry(retry.NoRetry()),
	}
	s, err := New(context.Background(), testFolder, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, sched
}

// addRecords adds n records with the given flags and returns their UIDs.
func addRecords(t *testing.T, s *Summary, n int, flags Flags) []string {
	t.Helper()
	uids := make([]string, 0, n)
	for range n {
		mi := NewMessageInfo()
		mi.flags = flags
		if err := s.Add(mi, false); err != nil {
			t.Fatalf("Add: %v", err)
		}
		uids = append(uids, mi.UID())
		mi.Release()
	}
	return uids
}

// assertConsistent checks the counters against a recount and the flag map
// against every loaded record.
func assertConsistent(t *testing.T, s *Summary) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if want, got := Recount(s.counters.Role(), s.flags), s.counters.Snapshot(); want != got {
		t.Errorf("counters drifted from recount: want %+v, got %+v", want, got)
	}
	for uid, mi := range s.loaded {
		if f := s.flags[uid]; f != mi.Flags() {
			t.Errorf("uid %s: flag map %v, record %v", uid, f, mi.Flags())
		}
	}
}

// plainStore hides the optional capabilities of the wrapped store.
type plainStore struct {
	store.Store
}

// countingStore counts calls and can block or fail them.
type countingStore struct {
	store.Store

	reads        atomic.Int32
	writes       atomic.Int32
	headerWrites atomic.Int32
	deletes      atomic.Int32

	mu          sync.Mutex
	readGate    chan struct{}
	readEntered chan struct{}
	failWrite   map[string]error
	failHeader  error
}

func newCountingStore(inner store.Store) *countingStore {
	return &countingStore{Store: inner, failWrite: make(map[string]error)}
}

func (c *countingStore) ReadRecord(ctx context.Context, folderID, uid string) (*store.Row, error) {
	c.reads.Add(1)
	c.mu.Lock()
	gate, entered := c.readGate, c.readEntered
	c.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.Store.ReadRecord(ctx, folderID, uid)
}

func (c *countingStore) WriteRecord(ctx context.Context, folderID string, row *store.Row) error {
	c.writes.Add(1)
	c.mu.Lock()
	err := c.failWrite[row.UID]
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Store.WriteRecord(ctx, folderID, row)
}

func (c *countingStore) WriteHeader(ctx context.Context, folderID string, h *store.HeaderRow) error {
	c.headerWrites.Add(1)
	c.mu.Lock()
	err := c.failHeader
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Store.WriteHeader(ctx, folderID, h)
}

func (c *countingStore) DeleteRecord(ctx context.Context, folderID, uid string) error {
	c.deletes.Add(1)
	return c.Store.DeleteRecord(ctx, folderID, uid)
}

func (c *countingStore) failRecord(uid string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failWrite, uid)
		return
	}
	c.failWrite[uid] = err
}

func (c *countingStore) setHeaderError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failHeader = err
}

var errDiskFull = errors.New("disk full")

// seedStore writes rows and a matching header for testFolder.
func seedStore(t *testing.T, st store.Store, rows ...*store.Row) {
	t.Helper()
	ctx := context.Background()
	flags := make(map[string]Flags, len(rows))
	for _, r := range rows {
		if err := st.WriteRecord(ctx, testFolder, r); err != nil {
			t.Fatalf("seed row %s: %v", r.UID, err)
		}
		flags[r.UID] = Flags(r.Flags)
	}
	h := &store.HeaderRow{Version: Version, NextUID: uint32(len(rows) + 1)}
	setHeaderCounts(h, Recount(RoleNormal, flags))
	if err := st.WriteHeader(ctx, testFolder, h); err != nil {
		t.Fatalf("seed header: %v", err)
	}
}

func sampleRow(uid string, flags Flags) *store.Row {
	return &store.Row{
		UID:           uid,
		Flags:         uint32(flags),
		Subject:       "Subject " + uid,
		From:          "Alice <alice@example.com>",
		To:            "bob@example.com",
		Size:          1024,
		DateSent:      testEpoch.Unix(),
		DateReceived:  testEpoch.Unix() + 60,
		MessageIDHash: HashMessageID(uid + "@example.com"),
		UserFlags:     []string{"work"},
		UserTags:      []store.Tag{{Name: "label", Value: "blue"}},
	}
}
