package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"
	"weak"

	"github.com/google/uuid"
	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/summary/retry"
	"github.com/rbaliyan/summary/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// Summary is the metadata cache of one mail folder.
//
// It keeps two tiers in memory: a flag map with an entry for every known
// UID, always resident, and a map of fully loaded records that are read
// from the store on demand and evicted when idle. Mutations update the
// aggregate counters incrementally and are written back by Save.
//
// A Summary is safe for concurrent use.
type Summary struct {
	id       string
	folderID string
	opts     *options
	logger   *slog.Logger
	store    store.Store
	otel     *otelInstrumentation

	// mu guards every field below it. Lock order: mu, then a record's lock.
	mu            sync.Mutex
	flags         map[string]Flags
	loaded        map[string]*MessageInfo
	pendingFlags  map[string]struct{} // unloaded UIDs whose flags changed since the last save
	fetching      map[string]int      // Get calls waiting on a store load, per UID
	counters      *CounterSet
	nextUID       uint32
	headerFlags   uint32
	timestamp     int64
	headerDirty   bool
	cacheLoadTime time.Time
	closed        bool

	saveMu   sync.Mutex
	loads    singleflight.Group
	evictor  *evictor
	notifier *Notifier

	eventBus *event.Bus
	ownsBus  bool
	events   *FolderEvents
}

// New creates the summary of folderID. Without WithStore the summary is
// memory-only. Call Load to read an existing folder from its store.
func New(ctx context.Context, folderID string, opts ...Option) (*Summary, error) {
	if folderID == "" {
		return nil, ErrFolderRequired
	}
	o := newOptions(opts...)

	otelInstr, err := newOtelInstrumentation(folderID, o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	s := &Summary{
		id:           uuid.NewString(),
		folderID:     folderID,
		opts:         o,
		logger:       o.logger.With("folder", folderID),
		store:        o.store,
		otel:         otelInstr,
		flags:        make(map[string]Flags),
		loaded:       make(map[string]*MessageInfo),
		pendingFlags: make(map[string]struct{}),
		fetching:     make(map[string]int),
		counters:     NewCounterSet(o.role),
		nextUID:      1,
	}

	if s.ownsBus, err = s.initEventBus(ctx); err != nil {
		return nil, fmt.Errorf("init event bus: %w", err)
	}

	ref := weak.Make(s)
	s.evictor = newEvictor(ref, o.scheduler, o.evictionInterval)
	s.notifier = newNotifier(o.scheduler, o.notifyDelay, s.logger, func(ctx context.Context, changes []FlagChange) {
		if s := ref.Value(); s != nil {
			s.deliver(ctx, changes)
		}
	})
	return s, nil
}

// ID returns the unique id of this summary instance.
func (s *Summary) ID() string { return s.id }

// FolderID returns the folder the summary describes.
func (s *Summary) FolderID() string { return s.folderID }

// Role returns the folder role used by the counters.
func (s *Summary) Role() Role { return s.counters.Role() }

// MemoryOnly reports whether the summary has no backing store.
func (s *Summary) MemoryOnly() bool { return s.store == nil }

// Get returns the record for uid, reading it from the store if it is not
// loaded. The returned record is pinned; call Release when done with it.
func (s *Summary) Get(ctx context.Context, uid string) (*MessageInfo, error) {
	start := time.Now()
	ctx, endSpan := s.otel.startSpan(ctx, "summary.get", attribute.String("summary.uid", uid))
	mi, err := s.get(ctx, uid)
	endSpan(err)
	s.otel.record(ctx, opGet, time.Since(start), err)
	return mi, err
}

func (s *Summary) get(ctx context.Context, uid string) (*MessageInfo, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if mi, ok := s.loaded[uid]; ok {
		mi.Ref()
		s.mu.Unlock()
		s.otel.recordLookup(ctx, true)
		return mi, nil
	}
	_, known := s.flags[uid]
	if !known || s.store == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	// The sweep skips UIDs with waiting callers, so the record inserted by
	// the load is still there when it is pinned below.
	s.fetching[uid]++
	s.mu.Unlock()
	s.otel.recordLookup(ctx, false)

	_, err, _ := s.loads.Do(uid, func() (any, error) {
		return nil, s.loadRecord(ctx, uid)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetching[uid]--; s.fetching[uid] <= 0 {
		delete(s.fetching, uid)
	}
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("summary: load %s: %w", uid, err)
	}
	mi, ok := s.loaded[uid]
	if !ok {
		return nil, ErrNotFound
	}
	return mi.Ref(), nil
}

// loadRecord reads one row outside the summary lock and inserts it.
func (s *Summary) loadRecord(ctx context.Context, uid string) error {
	row, err := retry.DoWithResult(ctx, s.opts.retry, func(ctx context.Context) (*store.Row, error) {
		return s.store.ReadRecord(ctx, s.folderID, uid)
	})
	if err != nil {
		return err
	}
	mi := NewInfoFromRow(row)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.insertLoadedLocked(mi) {
		if _, ok := s.loaded[uid]; !ok {
			return ErrNotFound
		}
	}
	return nil
}

// insertLoadedLocked adds a record read from the store to the loaded map.
// A record that is already loaded wins over the fresh copy, dirty or not.
// It returns false if the record was not inserted.
func (s *Summary) insertLoadedLocked(mi *MessageInfo) bool {
	uid := mi.uid
	if _, ok := s.loaded[uid]; ok {
		return false
	}
	flags, known := s.flags[uid]
	if !known {
		return false
	}

	mi.mu.Lock()
	mi.owner = weak.Make(s)
	if mi.flags != flags {
		// The flag map is authoritative; the row predates a flag change.
		mi.flags = flags
		mi.dirty = true
		mi.generation++
	}
	if _, ok := s.pendingFlags[uid]; ok {
		mi.dirty = true
		mi.generation++
		delete(s.pendingFlags, uid)
	}
	mi.mu.Unlock()
	mi.refs.Store(1)

	s.loaded[uid] = mi
	s.cacheLoadTime = s.opts.scheduler.Now()
	if s.store != nil {
		s.evictor.arm()
	}
	return true
}

// Peek returns the loaded record for uid without reading the store, or nil.
// A non-nil record is pinned; call Release when done with it.
func (s *Summary) Peek(uid string) *MessageInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mi, ok := s.loaded[uid]; ok {
		return mi.Ref()
	}
	return nil
}

// InfoFlags returns the flags of uid from the flag map, without loading
// the record.
func (s *Summary) InfoFlags(uid string) (Flags, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[uid]
	return f, ok
}

// Has reports whether uid is known to the summary.
func (s *Summary) Has(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.flags[uid]
	return ok
}

// Count returns the number of known UIDs.
func (s *Summary) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flags)
}

// LoadedCount returns the number of records loaded in memory.
func (s *Summary) LoadedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loaded)
}

// UIDs returns every known UID in natural order.
func (s *Summary) UIDs() []string {
	s.mu.Lock()
	uids := make([]string, 0, len(s.flags))
	for uid := range s.flags {
		uids = append(uids, uid)
	}
	s.mu.Unlock()
	slices.SortFunc(uids, compareUID)
	return uids
}

// ChangedUIDs returns the UIDs with unsaved or unsynchronized changes:
// dirty or folder-flagged records, and unloaded records whose flags changed.
func (s *Summary) ChangedUIDs() []string {
	s.mu.Lock()
	var uids []string
	for uid, f := range s.flags {
		if f&FlagFolderFlagged != 0 {
			uids = append(uids, uid)
			continue
		}
		if _, ok := s.pendingFlags[uid]; ok {
			uids = append(uids, uid)
			continue
		}
		if mi, ok := s.loaded[uid]; ok && mi.Dirty() {
			uids = append(uids, uid)
		}
	}
	s.mu.Unlock()
	slices.SortFunc(uids, compareUID)
	return uids
}

// Counters returns a snapshot of the aggregate counters.
func (s *Summary) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters.Snapshot()
}

// Add inserts a new record. Unless forceKeepUID is set, a record without a
// UID is given the next sequential one, and a UID that already names
// another record is replaced by a fresh one and the record is marked
// folder-flagged. With forceKeepUID the record must carry a UID; it
// replaces any record known under it.
//
// The summary takes its own pin on the record and leaves the caller's pin
// alone, so a record the caller has not released is never evicted.
// Adding the same record twice is a no-op.
func (s *Summary) Add(mi *MessageInfo, forceKeepUID bool) error {
	if mi == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidArgument)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	mi.mu.Lock()
	if owner := mi.owner.Value(); owner != nil && owner != s {
		mi.mu.Unlock()
		s.mu.Unlock()
		return fmt.Errorf("%w: record belongs to folder %q", ErrInvalidArgument, owner.folderID)
	}

	var replaced *MessageInfo
	if forceKeepUID {
		if mi.uid == "" {
			mi.mu.Unlock()
			s.mu.Unlock()
			s.logger.Warn("cannot add record without uid when its uid must be kept")
			return fmt.Errorf("%w: uid required", ErrInvalidArgument)
		}
		if s.loaded[mi.uid] == mi {
			mi.mu.Unlock()
			s.mu.Unlock()
			return nil
		}
		if old, ok := s.flags[mi.uid]; ok {
			s.counters.Sub(old)
			replaced = s.loaded[mi.uid]
			delete(s.pendingFlags, mi.uid)
		}
	} else if !s.assignUIDLocked(mi) {
		mi.mu.Unlock()
		s.mu.Unlock()
		return nil
	}

	mi.owner = weak.Make(s)
	mi.flags |= FlagFolderFlagged
	mi.folderFlaggedStamp++
	mi.dirty = true
	mi.generation++
	uid, flags := mi.uid, mi.flags
	mi.mu.Unlock()

	s.counters.Add(flags)
	s.flags[uid] = flags
	s.loaded[uid] = mi
	mi.refs.Add(1)
	s.headerDirty = true
	s.mu.Unlock()

	if replaced != nil {
		replaced.detach()
	}
	return nil
}

// Remove forgets uid and deletes its row from the store. The in-memory
// removal stands even if the store delete fails.
func (s *Summary) Remove(ctx context.Context, uid string) error {
	start := time.Now()
	ctx, endSpan := s.otel.startSpan(ctx, "summary.remove", attribute.String("summary.uid", uid))

	var err error
	if !s.forget(uid) {
		err = ErrNotFound
	} else if s.store != nil {
		if derr := s.store.DeleteRecord(ctx, s.folderID, uid); derr != nil && !store.IsNotFound(derr) {
			err = fmt.Errorf("summary: delete %s: %w", uid, derr)
		}
	}

	endSpan(err)
	s.otel.record(ctx, opRemove, time.Since(start), err)
	return err
}

// RemoveMany forgets every listed UID and deletes their rows from the
// store. Unknown UIDs are skipped; ErrNotFound is returned only if none
// of them was known.
func (s *Summary) RemoveMany(ctx context.Context, uids []string) error {
	start := time.Now()
	ctx, endSpan := s.otel.startSpan(ctx, "summary.remove_many", attribute.Int("summary.count", len(uids)))

	removed := make([]string, 0, len(uids))
	for _, uid := range uids {
		if s.forget(uid) {
			removed = append(removed, uid)
		}
	}

	var err error
	switch {
	case len(removed) == 0 && len(uids) > 0:
		err = ErrNotFound
	case len(removed) > 0 && s.store != nil:
		if derr := s.store.DeleteRecords(ctx, s.folderID, removed); derr != nil {
			err = fmt.Errorf("summary: delete %d records: %w", len(removed), derr)
		}
	}

	endSpan(err)
	s.otel.record(ctx, opRemove, time.Since(start), err)
	return err
}

// forget drops uid from every map and adjusts the counters.
func (s *Summary) forget(uid string) bool {
	s.mu.Lock()
	flags, ok := s.flags[uid]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.counters.Sub(flags)
	mi := s.loaded[uid]
	delete(s.flags, uid)
	delete(s.loaded, uid)
	delete(s.pendingFlags, uid)
	s.headerDirty = true
	s.mu.Unlock()

	if mi != nil {
		mi.detach()
	}
	return true
}

// detach releases the cache's pin and the owner link of a record that
// left the loaded map.
func (mi *MessageInfo) detach() {
	mi.mu.Lock()
	mi.owner = weak.Pointer[Summary]{}
	mi.mu.Unlock()
	mi.Release()
}

// ReplaceFlags sets the flags of uid, loaded or not, and reports whether
// they changed. FlagFolderFlagged alone does not count as a change.
func (s *Summary) ReplaceFlags(uid string, flags Flags) bool {
	s.mu.Lock()
	old, ok := s.flags[uid]
	if !ok || old&^FlagFolderFlagged == flags&^FlagFolderFlagged {
		s.mu.Unlock()
		return false
	}

	s.flags[uid] = flags
	s.counters.Replace(old, flags)
	if mi, loaded := s.loaded[uid]; loaded {
		mi.mu.Lock()
		mi.flags = flags
		mi.dirty = true
		mi.generation++
		mi.mu.Unlock()
	} else {
		s.pendingFlags[uid] = struct{}{}
	}
	s.headerDirty = true
	s.mu.Unlock()

	s.notifier.Queue(uid, flags)
	return true
}

// SetFlags replaces the bits in mask with the bits of set on uid.
func (s *Summary) SetFlags(uid string, mask, set Flags) bool {
	s.mu.Lock()
	old, ok := s.flags[uid]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.ReplaceFlags(uid, (old&^mask)|(set&mask))
}

// infoChanged is called by a record after a setter changed it.
func (s *Summary) infoChanged(mi *MessageInfo, syncFlags, notify bool) {
	s.mu.Lock()
	uid := mi.UID()
	if s.loaded[uid] != mi {
		s.mu.Unlock()
		return
	}

	var queue bool
	flags := mi.Flags()
	if syncFlags {
		old := s.flags[uid]
		if old != flags {
			s.flags[uid] = flags
			s.counters.Replace(old, flags)
			queue = notify && old&^FlagFolderFlagged != flags&^FlagFolderFlagged
		}
	}
	if notify {
		s.headerDirty = true
	}
	s.mu.Unlock()

	if queue {
		s.notifier.Queue(uid, flags)
	}
}

// Touch marks the folder header dirty so the next Save writes it.
func (s *Summary) Touch() {
	s.mu.Lock()
	s.headerDirty = true
	s.mu.Unlock()
}

// HeaderDirty reports whether the next Save has work to do.
func (s *Summary) HeaderDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headerDirty
}

// NextUID consumes and returns the next sequential UID.
func (s *Summary) NextUID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextUIDLocked()
}

// NextUIDString is NextUID formatted as a UID.
func (s *Summary) NextUIDString() string {
	return strconv.FormatUint(uint64(s.NextUID()), 10)
}

// PeekNextUID returns the UID NextUID would hand out, without consuming it.
func (s *Summary) PeekNextUID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextUID
}

// SetNextUID raises the next UID to n. It never lowers it.
func (s *Summary) SetNextUID(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUID = max(s.nextUID, n)
	s.headerDirty = true
}

func (s *Summary) nextUIDLocked() uint32 {
	uid := s.nextUID
	s.nextUID++
	s.headerDirty = true
	return uid
}

// HeaderFlags returns the folder-level flags persisted in the header.
func (s *Summary) HeaderFlags() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headerFlags
}

// SetHeaderFlags sets the folder-level flags persisted in the header.
func (s *Summary) SetHeaderFlags(flags uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headerFlags != flags {
		s.headerFlags = flags
		s.headerDirty = true
	}
}

// Timestamp returns the time of the last header save or load, as Unix seconds.
func (s *Summary) Timestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamp
}

// Close saves pending changes, delivers queued notifications and stops
// background work. The summary is unusable afterwards.
func (s *Summary) Close(ctx context.Context) error {
	var errs []error
	if err := s.Save(ctx); err != nil {
		errs = append(errs, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Join(errs...)
	}
	s.closed = true
	s.mu.Unlock()

	s.evictor.stop()
	s.notifier.Flush(ctx)
	s.notifier.Stop()

	if s.ownsBus && s.eventBus != nil {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}
	return errors.Join(errs...)
}
