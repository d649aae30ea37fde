// Package storetest provides a behavioural test suite shared by every
// store.Store backend.
//
// Each case works in its own randomly named folder, so a suite can run
// against a long-lived database without cleaning it first.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/rbaliyan/summary/store"
)

// Run exercises s. The store must already be connected.
func Run(t *testing.T, s store.Store) {
	t.Helper()

	t.Run("RecordRoundTrip", func(t *testing.T) { testRecordRoundTrip(t, s) })
	t.Run("MissingRecord", func(t *testing.T) { testMissingRecord(t, s) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, s) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, s) })
	t.Run("BulkRead", func(t *testing.T) { testBulkRead(t, s) })
	t.Run("Header", func(t *testing.T) { testHeader(t, s) })
	t.Run("ClearFolder", func(t *testing.T) { testClearFolder(t, s) })
	t.Run("FolderIsolation", func(t *testing.T) { testFolderIsolation(t, s) })
	t.Run("InvalidInput", func(t *testing.T) { testInvalidInput(t, s) })

	if c, ok := s.(store.Counter); ok {
		t.Run("CountMatching", func(t *testing.T) { testCountMatching(t, s, c) })
	}
	if fr, ok := s.(store.FlagReader); ok {
		t.Run("ReadFlags", func(t *testing.T) { testReadFlags(t, s, fr) })
	}
	if bw, ok := s.(store.BatchWriter); ok {
		t.Run("WriteRecords", func(t *testing.T) { testWriteRecords(t, s, bw) })
	}
}

// newFolder returns a fresh folder ID that is cleared when the test ends.
func newFolder(t *testing.T, s store.Store) string {
	t.Helper()
	id := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_ = s.ClearFolder(context.Background(), id)
	})
	return id
}

// SampleRow returns a row with every field populated.
func SampleRow(uid string) *store.Row {
	return &store.Row{
		UID:           uid,
		Flags:         0x11,
		Subject:       "Quarterly report",
		From:          "Alice <alice@example.com>",
		To:            "Bob <bob@example.com>",
		Cc:            "carol@example.com",
		MailingList:   "team@example.com",
		Size:          4096,
		DateSent:      1700000000,
		DateReceived:  1700000060,
		MessageIDHash: 0xfedcba9876543210,
		References:    []uint64{1, 0x8000000000000001},
		UserFlags:     []string{"work", "later"},
		UserTags:      []store.Tag{{Name: "label", Value: "red"}, {Name: "owner", Value: "bob"}},
		Extra:         []byte{0x00, 0x01, 0xff},
	}
}

func write(t *testing.T, s store.Store, folderID string, rows ...*store.Row) {
	t.Helper()
	for _, row := range rows {
		if err := s.WriteRecord(context.Background(), folderID, row); err != nil {
			t.Fatalf("write %s: %v", row.UID, err)
		}
	}
}

func uids(t *testing.T, s store.Store, folderID string) map[string]bool {
	t.Helper()
	got := make(map[string]bool)
	err := s.BulkRead(context.Background(), folderID, func(r *store.Row) bool {
		got[r.UID] = true
		return true
	})
	if err != nil {
		t.Fatalf("bulk read: %v", err)
	}
	return got
}

func testRecordRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := newFolder(t, s)

	row := SampleRow("42")
	write(t, s, f, row)

	got, err := s.ReadRecord(ctx, f, "42")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff(SampleRow("42"), got); diff != "" {
		t.Errorf("row mismatch (-want +got):\n%s", diff)
	}

	sparse := &store.Row{UID: "7"}
	write(t, s, f, sparse)
	got, err = s.ReadRecord(ctx, f, "7")
	if err != nil {
		t.Fatalf("read sparse: %v", err)
	}
	if diff := cmp.Diff(sparse, got); diff != "" {
		t.Errorf("sparse row mismatch (-want +got):\n%s", diff)
	}
}

func testMissingRecord(t *testing.T, s store.Store) {
	f := newFolder(t, s)
	if _, err := s.ReadRecord(context.Background(), f, "404"); !store.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.ReadHeader(context.Background(), f); !store.IsNotFound(err) {
		t.Errorf("expected ErrNotFound for header, got %v", err)
	}
}

func testOverwrite(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := newFolder(t, s)

	write(t, s, f, SampleRow("1"))
	updated := &store.Row{UID: "1", Flags: 0x02, Subject: "changed"}
	write(t, s, f, updated)

	got, err := s.ReadRecord(ctx, f, "1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff(updated, got); diff != "" {
		t.Errorf("overwrite mismatch (-want +got):\n%s", diff)
	}
	if n := len(uids(t, s, f)); n != 1 {
		t.Errorf("expected 1 row after overwrite, got %d", n)
	}
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := newFolder(t, s)

	write(t, s, f, &store.Row{UID: "1"}, &store.Row{UID: "2"}, &store.Row{UID: "3"}, &store.Row{UID: "4"})

	if err := s.DeleteRecord(ctx, f, "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteRecord(ctx, f, "1"); !store.IsNotFound(err) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	if err := s.DeleteRecords(ctx, f, []string{"2", "3", "missing"}); err != nil {
		t.Fatalf("delete many: %v", err)
	}
	if err := s.DeleteRecords(ctx, f, nil); err != nil {
		t.Errorf("empty delete: %v", err)
	}

	if diff := cmp.Diff(map[string]bool{"4": true}, uids(t, s, f)); diff != "" {
		t.Errorf("remaining rows (-want +got):\n%s", diff)
	}
}

func testBulkRead(t *testing.T, s store.Store) {
	f := newFolder(t, s)
	write(t, s, f, &store.Row{UID: "1"}, &store.Row{UID: "2"}, &store.Row{UID: "3"})

	calls := 0
	err := s.BulkRead(context.Background(), f, func(*store.Row) bool {
		calls++
		return false
	})
	if err != nil {
		t.Fatalf("bulk read: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected iteration to stop after 1 row, got %d", calls)
	}

	empty := newFolder(t, s)
	if n := len(uids(t, s, empty)); n != 0 {
		t.Errorf("expected empty folder, got %d rows", n)
	}
}

func testHeader(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := newFolder(t, s)

	h := &store.HeaderRow{
		Version:        2,
		NextUID:        120,
		Timestamp:      1700000000,
		Flags:          0x4,
		Saved:          10,
		Unread:         3,
		Deleted:        2,
		Junk:           1,
		Visible:        7,
		JunkNotDeleted: 1,
	}
	if err := s.WriteHeader(ctx, f, h); err != nil {
		t.Fatalf("write header: %v", err)
	}
	got, err := s.ReadHeader(ctx, f)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}

	h.NextUID = 121
	h.Saved = 11
	if err := s.WriteHeader(ctx, f, h); err != nil {
		t.Fatalf("rewrite header: %v", err)
	}
	got, err = s.ReadHeader(ctx, f)
	if err != nil {
		t.Fatalf("reread header: %v", err)
	}
	if got.NextUID != 121 || got.Saved != 11 {
		t.Errorf("header not replaced: %+v", got)
	}
}

func testClearFolder(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := newFolder(t, s)

	write(t, s, f, &store.Row{UID: "1"}, &store.Row{UID: "2"})
	if err := s.WriteHeader(ctx, f, &store.HeaderRow{NextUID: 3}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := s.ClearFolder(ctx, f); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n := len(uids(t, s, f)); n != 0 {
		t.Errorf("expected no rows after clear, got %d", n)
	}
	if _, err := s.ReadHeader(ctx, f); !store.IsNotFound(err) {
		t.Errorf("expected header gone, got %v", err)
	}
	if err := s.ClearFolder(ctx, f); err != nil {
		t.Errorf("clearing an empty folder: %v", err)
	}
}

func testFolderIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b := newFolder(t, s), newFolder(t, s)

	write(t, s, a, &store.Row{UID: "1", Subject: "in a"})
	write(t, s, b, &store.Row{UID: "1", Subject: "in b"})

	got, err := s.ReadRecord(ctx, a, "1")
	if err != nil {
		t.Fatalf("read a: %v", err)
	}
	if got.Subject != "in a" {
		t.Errorf("folder a subject = %q", got.Subject)
	}
	if err := s.ClearFolder(ctx, a); err != nil {
		t.Fatalf("clear a: %v", err)
	}
	if _, err := s.ReadRecord(ctx, b, "1"); err != nil {
		t.Errorf("clearing a touched b: %v", err)
	}
}

func testInvalidInput(t *testing.T, s store.Store) {
	ctx := context.Background()
	f := newFolder(t, s)

	if err := s.WriteRecord(ctx, f, &store.Row{}); !errors.Is(err, store.ErrInvalidUID) {
		t.Errorf("expected ErrInvalidUID for empty uid, got %v", err)
	}
	if err := s.WriteRecord(ctx, "", &store.Row{UID: "1"}); !errors.Is(err, store.ErrInvalidFolder) {
		t.Errorf("expected ErrInvalidFolder, got %v", err)
	}
	if _, err := s.ReadRecord(ctx, f, ""); !errors.Is(err, store.ErrInvalidUID) {
		t.Errorf("expected ErrInvalidUID on read, got %v", err)
	}
}

func testCountMatching(t *testing.T, s store.Store, c store.Counter) {
	ctx := context.Background()
	f := newFolder(t, s)

	write(t, s, f,
		&store.Row{UID: "1", Flags: 0x10},
		&store.Row{UID: "2", Flags: 0x02},
		&store.Row{UID: "3", Flags: 0x12},
		&store.Row{UID: "4", Flags: 0x80000000},
	)

	tests := []struct {
		name  string
		match store.FlagMatch
		want  uint32
	}{
		{"all", store.FlagMatch{}, 4},
		{"set", store.FlagMatch{Set: 0x02}, 2},
		{"clear", store.FlagMatch{Clear: 0x10}, 2},
		{"set and clear", store.FlagMatch{Set: 0x02, Clear: 0x10}, 1},
		{"high bit", store.FlagMatch{Set: 0x80000000}, 1},
		{"none", store.FlagMatch{Set: 0x04}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := c.CountMatching(ctx, f, tt.match)
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if n != tt.want {
				t.Errorf("CountMatching(%+v) = %d, want %d", tt.match, n, tt.want)
			}
		})
	}
}

func testReadFlags(t *testing.T, s store.Store, fr store.FlagReader) {
	f := newFolder(t, s)
	write(t, s, f,
		&store.Row{UID: "1", Flags: 0x10},
		&store.Row{UID: "2", Flags: 0x02, Subject: "x"},
		&store.Row{UID: "3", Flags: 0x80000012},
	)

	flags, err := fr.ReadFlags(context.Background(), f)
	if err != nil {
		t.Fatalf("read flags: %v", err)
	}
	want := map[string]uint32{"1": 0x10, "2": 0x02, "3": 0x80000012}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Errorf("flags (-want +got):\n%s", diff)
	}
}

func testWriteRecords(t *testing.T, s store.Store, bw store.BatchWriter) {
	ctx := context.Background()
	f := newFolder(t, s)

	rows := []*store.Row{SampleRow("1"), {UID: "2", Flags: 0x02}, {UID: "3"}}
	if err := bw.WriteRecords(ctx, f, rows); err != nil {
		t.Fatalf("write records: %v", err)
	}
	if err := bw.WriteRecords(ctx, f, nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}

	for _, want := range rows {
		got, err := s.ReadRecord(ctx, f, want.UID)
		if err != nil {
			t.Fatalf("read %s: %v", want.UID, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("row %s mismatch (-want +got):\n%s", want.UID, diff)
		}
	}

	err := bw.WriteRecords(ctx, f, []*store.Row{{UID: "4"}, {UID: ""}})
	be, ok := store.AsBatchError(err)
	if !ok {
		t.Fatalf("expected *BatchError for invalid row, got %v", err)
	}
	if be.Len() == 0 {
		t.Error("expected at least one failed row")
	}
}
