package summary

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/summary/store"
)

func TestNewRequiresFolder(t *testing.T) {
	if _, err := New(context.Background(), ""); !errors.Is(err, ErrFolderRequired) {
		t.Errorf("expected ErrFolderRequired, got %v", err)
	}
}

func TestAddThenMarkDeleted(t *testing.T) {
	s, _ := newTestSummary(t)

	uids := addRecords(t, s, 10, 0)
	want := Counters{Saved: 10, Unread: 10, Visible: 10}
	if got := s.Counters(); got != want {
		t.Fatalf("after add: want %+v, got %+v", want, got)
	}

	for _, uid := range uids[:3] {
		old, _ := s.InfoFlags(uid)
		if !s.ReplaceFlags(uid, old|FlagDeleted) {
			t.Fatalf("ReplaceFlags(%s) reported no change", uid)
		}
	}

	want = Counters{Saved: 10, Unread: 7, Deleted: 3, Visible: 7}
	if got := s.Counters(); got != want {
		t.Errorf("after delete: want %+v, got %+v", want, got)
	}
	assertConsistent(t, s)
}

func TestRemoveUnknownUID(t *testing.T) {
	s, _ := newTestSummary(t, WithStore(newMemoryStore(t)))
	addRecords(t, s, 3, FlagSeen)
	before := s.Counters()

	if err := s.Remove(context.Background(), "999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.RemoveMany(context.Background(), []string{"998", "999"}); !IsNotFound(err) {
		t.Errorf("expected not found from RemoveMany, got %v", err)
	}
	if got := s.Counters(); got != before {
		t.Errorf("counters changed: before %+v, after %+v", before, got)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore(newMemoryStore(t))
	s, _ := newTestSummary(t, WithStore(st))

	uids := addRecords(t, s, 4, 0)
	if err := s.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.Remove(ctx, uids[0]); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Has(uids[0]) {
		t.Error("removed uid is still known")
	}
	if _, err := st.ReadRecord(ctx, testFolder, uids[0]); !store.IsNotFound(err) {
		t.Errorf("row should be deleted, got %v", err)
	}

	if err := s.RemoveMany(ctx, []string{uids[1], "missing", uids[2]}); err != nil {
		t.Fatalf("RemoveMany: %v", err)
	}
	if got := s.UIDs(); !slices.Equal(got, uids[3:]) {
		t.Errorf("expected %v left, got %v", uids[3:], got)
	}
	if c := s.Counters(); c.Saved != 1 || c.Unread != 1 {
		t.Errorf("unexpected counters %+v", c)
	}
	assertConsistent(t, s)
}

func TestConcurrentGetLoadsOnce(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryStore(t)
	seedStore(t, mem, sampleRow("1", 0))
	st := newCountingStore(mem)

	s, _ := newTestSummary(t, WithStore(st))
	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	st.mu.Lock()
	st.readGate, st.readEntered = gate, entered
	st.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]*MessageInfo, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.Get(ctx, "1")
		}()
	}
	<-entered
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
	}
	if results[0] != results[1] {
		t.Error("concurrent Get returned different records")
	}
	if n := st.reads.Load(); n != 1 {
		t.Errorf("expected 1 store read, got %d", n)
	}
	if n := s.LoadedCount(); n != 1 {
		t.Errorf("expected 1 loaded record, got %d", n)
	}
	if diff := cmp.Diff(sampleRow("1", 0), results[0].Row()); diff != "" {
		t.Errorf("loaded record mismatch (-want +got):\n%s", diff)
	}
	for _, mi := range results {
		mi.Release()
	}
	if r := results[0].Refs(); r != 1 {
		t.Errorf("expected only the cache pin left, got %d", r)
	}
}

func TestGetNotFound(t *testing.T) {
	ctx := context.Background()

	t.Run("memory only", func(t *testing.T) {
		s, _ := newTestSummary(t)
		if _, err := s.Get(ctx, "1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("unknown uid does no io", func(t *testing.T) {
		st := newCountingStore(newMemoryStore(t))
		s, _ := newTestSummary(t, WithStore(st))
		if _, err := s.Get(ctx, "1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if n := st.reads.Load(); n != 0 {
			t.Errorf("expected no store reads, got %d", n)
		}
	})

	t.Run("known uid missing from store", func(t *testing.T) {
		mem := newMemoryStore(t)
		seedStore(t, mem, sampleRow("1", 0))
		s, _ := newTestSummary(t, WithStore(mem))
		if err := s.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if err := mem.DeleteRecord(ctx, testFolder, "1"); err != nil {
			t.Fatalf("DeleteRecord: %v", err)
		}
		if _, err := s.Get(ctx, "1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestGetAppliesPendingFlags(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryStore(t)
	seedStore(t, mem, sampleRow("1", 0), sampleRow("2", 0))
	s, _ := newTestSummary(t, WithStore(mem))
	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !s.ReplaceFlags("1", FlagSeen|FlagFlagged) {
		t.Fatal("ReplaceFlags reported no change")
	}
	mi, err := s.Get(ctx, "1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer mi.Release()

	if mi.Flags() != FlagSeen|FlagFlagged {
		t.Errorf("loaded record has flags %v", mi.Flags())
	}
	if !mi.Dirty() {
		t.Error("record with unsaved flags should be dirty")
	}
	assertConsistent(t, s)
}

func TestAddAssignsDistinctUIDs(t *testing.T) {
	s, _ := newTestSummary(t)

	const n = 50
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Add(NewMessageInfo(), false); err != nil {
				t.Errorf("Add: %v", err)
			}
		}()
	}
	wg.Wait()

	uids := s.UIDs()
	if len(uids) != n {
		t.Fatalf("expected %d uids, got %d", n, len(uids))
	}
	for i, uid := range uids {
		if want := fmt.Sprint(i + 1); uid != want {
			t.Errorf("uid %d: want %s, got %s", i, want, uid)
		}
	}
	if next := s.PeekNextUID(); next != n+1 {
		t.Errorf("expected next uid %d, got %d", n+1, next)
	}
}

func TestAddResolvesUIDConflicts(t *testing.T) {
	s, _ := newTestSummary(t)
	first := NewMessageInfo()
	if err := s.Add(first, false); err != nil {
		t.Fatalf("Add: %v", err)
	}

	clash := NewMessageInfo()
	clash.SetUID(first.UID())
	if err := s.Add(clash, false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if clash.UID() == first.UID() {
		t.Fatalf("conflicting uid %s was kept", clash.UID())
	}
	if !clash.FolderFlagged() {
		t.Error("re-assigned record should be folder-flagged")
	}
	if s.Count() != 2 {
		t.Errorf("expected 2 records, got %d", s.Count())
	}

	before := s.Counters()
	if err := s.Add(first, false); err != nil {
		t.Fatalf("re-adding the same record: %v", err)
	}
	if s.Count() != 2 || s.Counters() != before {
		t.Error("re-adding the same record changed the summary")
	}
}

func TestAddKeepUID(t *testing.T) {
	s, _ := newTestSummary(t)

	if err := s.Add(NewMessageInfo(), true); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if s.Count() != 0 {
		t.Error("failed Add must not insert anything")
	}

	mi := NewMessageInfo()
	mi.SetUID("abc")
	if err := s.Add(mi, true); err != nil {
		t.Fatalf("Add: %v", err)
	}

	replacement := NewMessageInfo()
	replacement.SetUID("abc")
	replacement.flags = FlagSeen
	if err := s.Add(replacement, true); err != nil {
		t.Fatalf("Add replacement: %v", err)
	}
	if want := (Counters{Saved: 1, Visible: 1}); s.Counters() != want {
		t.Errorf("want %+v, got %+v", want, s.Counters())
	}
	if mi.Summary() != nil {
		t.Error("replaced record should be detached")
	}
	assertConsistent(t, s)
}

func TestAddRejectsForeignRecord(t *testing.T) {
	a, _ := newTestSummary(t)
	b, _ := newTestSummary(t)
	mi := NewMessageInfo()
	if err := a.Add(mi, false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Add(mi, false); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRecordSettersKeepMapsInStep(t *testing.T) {
	s, _ := newTestSummary(t)
	uids := addRecords(t, s, 3, 0)

	mi := s.Peek(uids[1])
	if mi == nil {
		t.Fatal("added record should be loaded")
	}
	defer mi.Release()

	mi.SetFlags(FlagSeen|FlagJunk, FlagSeen|FlagJunk)
	if f, _ := s.InfoFlags(uids[1]); f != mi.Flags() {
		t.Errorf("flag map %v, record %v", f, mi.Flags())
	}
	want := Counters{Saved: 3, Unread: 2, Junk: 1, JunkNotDeleted: 1, Visible: 2}
	if got := s.Counters(); got != want {
		t.Errorf("want %+v, got %+v", want, got)
	}

	s.ReplaceFlags(uids[1], FlagDeleted)
	if mi.Flags() != FlagDeleted {
		t.Errorf("record not updated by ReplaceFlags: %v", mi.Flags())
	}
	assertConsistent(t, s)
}

func TestReplaceFlags(t *testing.T) {
	s, _ := newTestSummary(t)
	uids := addRecords(t, s, 1, FlagSeen)
	uid := uids[0]
	cur, _ := s.InfoFlags(uid)

	if s.ReplaceFlags("missing", FlagSeen) {
		t.Error("unknown uid reported a change")
	}
	if s.ReplaceFlags(uid, cur^FlagFolderFlagged) {
		t.Error("folder-flagged toggle alone reported a change")
	}
	if !s.ReplaceFlags(uid, FlagSeen|FlagAnswered) {
		t.Error("answered toggle reported no change")
	}
	if !s.SetFlags(uid, FlagSeen, 0) {
		t.Error("SetFlags reported no change")
	}
	if f, _ := s.InfoFlags(uid); f != FlagAnswered {
		t.Errorf("unexpected flags %v", f)
	}
	if c := s.Counters(); c.Unread != 1 {
		t.Errorf("expected 1 unread, got %d", c.Unread)
	}
}

func TestChangedUIDs(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryStore(t)
	seedStore(t, mem, sampleRow("1", 0), sampleRow("2", 0), sampleRow("3", 0))
	s, _ := newTestSummary(t, WithStore(mem))
	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.ChangedUIDs(); len(got) != 0 {
		t.Fatalf("fresh summary has changes: %v", got)
	}

	s.ReplaceFlags("3", FlagSeen)
	mi, err := s.Get(ctx, "1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	mi.SetSubject("changed")
	mi.Release()

	if diff := cmp.Diff([]string{"1", "3"}, s.ChangedUIDs()); diff != "" {
		t.Errorf("changed uids mismatch (-want +got):\n%s", diff)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()

	t.Run("never loaded", func(t *testing.T) {
		s, _ := newTestSummary(t, WithStore(newMemoryStore(t)))
		if err := s.Clear(ctx); err != nil {
			t.Fatalf("Clear: %v", err)
		}
	})

	t.Run("drops everything", func(t *testing.T) {
		mem := newMemoryStore(t)
		s, _ := newTestSummary(t, WithStore(mem))
		uids := addRecords(t, s, 5, 0)
		if err := s.Save(ctx); err != nil {
			t.Fatalf("Save: %v", err)
		}
		mi := s.Peek(uids[0])

		if err := s.Clear(ctx); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		if s.Count() != 0 || s.LoadedCount() != 0 {
			t.Error("maps not emptied")
		}
		if s.Counters() != (Counters{}) {
			t.Errorf("counters not zeroed: %+v", s.Counters())
		}
		if mi.Summary() != nil {
			t.Error("cleared record still owned")
		}
		mi.Release()
		if got, _ := mem.Folders(ctx); len(got) != 0 {
			t.Errorf("store folder not cleared: %v", got)
		}
		if !s.HeaderDirty() {
			t.Error("clear should mark the header dirty")
		}
	})
}

func TestNextUID(t *testing.T) {
	s, _ := newTestSummary(t)

	if got := s.NextUIDString(); got != "1" {
		t.Errorf("expected first uid 1, got %s", got)
	}
	s.SetNextUID(100)
	s.SetNextUID(10)
	if got := s.PeekNextUID(); got != 100 {
		t.Errorf("SetNextUID must never lower the counter, got %d", got)
	}
	if got := s.NextUID(); got != 100 {
		t.Errorf("expected 100, got %d", got)
	}
}

func TestClosedSummary(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSummary(t)
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Add(NewMessageInfo(), false); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Add, got %v", err)
	}
	if _, err := s.Get(ctx, "1"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Get, got %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestUnreadMasking(t *testing.T) {
	roles := []Role{RoleNormal, RoleTrash, RoleJunk}
	bases := []struct {
		name  string
		flags Flags
	}{
		{"plain", 0},
		{"deleted", FlagDeleted},
	}

	for _, role := range roles {
		for _, base := range bases {
			t.Run(role.String()+"/"+base.name, func(t *testing.T) {
				s, _ := newTestSummary(t, WithRole(role))
				addRecords(t, s, 2, 0)
				uid := addRecords(t, s, 1, base.flags)[0]
				unread := func() int { return int(s.Counters().Unread) }

				before := unread()
				if !s.ReplaceFlags(uid, base.flags|FlagJunk) {
					t.Fatal("setting junk reported no change")
				}
				if got := unread(); got != before {
					t.Errorf("junk on an unseen message moved unread %d -> %d", before, got)
				}
				if !s.ReplaceFlags(uid, base.flags) {
					t.Fatal("clearing junk reported no change")
				}
				if got := unread(); got != before {
					t.Errorf("clearing junk moved unread %d -> %d", before, got)
				}

				wantDelta := 1
				if base.flags&FlagDeleted != 0 && role != RoleTrash {
					wantDelta = 0
				}
				s.ReplaceFlags(uid, base.flags|FlagSeen)
				if got := before - unread(); got != wantDelta {
					t.Errorf("marking seen changed unread by %d, want %d", got, wantDelta)
				}
				s.ReplaceFlags(uid, base.flags)
				if got := unread(); got != before {
					t.Errorf("marking unseen again: unread %d, want %d", got, before)
				}
				assertConsistent(t, s)
			})
		}
	}
}
