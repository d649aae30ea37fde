package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/summary/store"
	"github.com/rbaliyan/summary/store/storetest"
)

func newConnected(t *testing.T) *Store {
	t.Helper()
	s := New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func TestNotConnected(t *testing.T) {
	s := New()
	_, err := s.ReadRecord(context.Background(), "inbox", "1")
	if !errors.Is(err, store.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Connect(context.Background()); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	row := &store.Row{
		UID:           "42",
		Flags:         0x11,
		Subject:       "hello",
		From:          "Alice <alice@example.com>",
		Size:          1024,
		DateSent:      1700000000,
		MessageIDHash: 0xdeadbeef,
		References:    []uint64{1, 2, 3},
		UserFlags:     []string{"work"},
		UserTags:      []store.Tag{{Name: "label", Value: "red"}},
		Extra:         []byte("x"),
	}
	if err := s.WriteRecord(ctx, "inbox", row); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Mutating the caller's row must not affect the stored copy.
	row.References[0] = 99

	got, err := s.ReadRecord(ctx, "inbox", "42")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := row.Clone()
	want.References[0] = 1
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("row mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.ReadRecord(ctx, "other", "42"); !store.IsNotFound(err) {
		t.Errorf("expected not found in other folder, got %v", err)
	}
}

func TestDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	for _, uid := range []string{"1", "2", "3"} {
		if err := s.WriteRecord(ctx, "inbox", &store.Row{UID: uid}); err != nil {
			t.Fatalf("write %s: %v", uid, err)
		}
	}
	if err := s.DeleteRecord(ctx, "inbox", "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteRecord(ctx, "inbox", "1"); !store.IsNotFound(err) {
		t.Errorf("expected not found on second delete, got %v", err)
	}
	if err := s.DeleteRecords(ctx, "inbox", []string{"2", "missing"}); err != nil {
		t.Fatalf("delete many: %v", err)
	}

	var seen []string
	if err := s.BulkRead(ctx, "inbox", func(r *store.Row) bool {
		seen = append(seen, r.UID)
		return true
	}); err != nil {
		t.Fatalf("bulk read: %v", err)
	}
	if diff := cmp.Diff([]string{"3"}, seen); diff != "" {
		t.Errorf("remaining rows (-want +got):\n%s", diff)
	}

	if err := s.WriteHeader(ctx, "inbox", &store.HeaderRow{NextUID: 4}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := s.ClearFolder(ctx, "inbox"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := s.ReadHeader(ctx, "inbox"); !store.IsNotFound(err) {
		t.Errorf("expected header gone, got %v", err)
	}
	if ids, _ := s.Folders(ctx); len(ids) != 0 {
		t.Errorf("expected no folders, got %v", ids)
	}
}

func TestCountMatchingAndFlags(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	rows := []*store.Row{
		{UID: "1", Flags: 0x10},
		{UID: "2", Flags: 0x02},
		{UID: "3", Flags: 0x12},
	}
	if err := s.WriteRecords(ctx, "inbox", rows); err != nil {
		t.Fatalf("write records: %v", err)
	}

	n, err := s.CountMatching(ctx, "inbox", store.FlagMatch{Set: 0x02})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows with bit 0x02, got %d", n)
	}
	n, _ = s.CountMatching(ctx, "inbox", store.FlagMatch{Clear: 0x10})
	if n != 1 {
		t.Errorf("expected 1 row without bit 0x10, got %d", n)
	}

	flags, err := s.ReadFlags(ctx, "inbox")
	if err != nil {
		t.Fatalf("read flags: %v", err)
	}
	if diff := cmp.Diff(map[string]uint32{"1": 0x10, "2": 0x02, "3": 0x12}, flags); diff != "" {
		t.Errorf("flags (-want +got):\n%s", diff)
	}
}

func TestWriteRecordsReportsInvalidRows(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	err := s.WriteRecords(ctx, "inbox", []*store.Row{{UID: "1"}, {UID: ""}})
	be, ok := store.AsBatchError(err)
	if !ok {
		t.Fatalf("expected BatchError, got %v", err)
	}
	if be.Len() != 1 {
		t.Errorf("expected 1 failure, got %d", be.Len())
	}
	if _, err := s.ReadRecord(ctx, "inbox", "1"); err != nil {
		t.Errorf("valid row should be written: %v", err)
	}
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newConnected(t))
}
