package summary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/summary/retry"
	"github.com/rbaliyan/summary/store"
	"go.opentelemetry.io/otel/attribute"
)

// pendingRow is a row queued for write-back with what is needed to mark it
// clean afterwards.
type pendingRow struct {
	row *store.Row
	mi  *MessageInfo // nil for a flag-only patch of an unloaded record
	gen uint64
}

// Save writes every dirty record and the folder header to the store. It is
// a no-op if nothing changed since the last Save, or if the summary is
// memory-only.
//
// Records are written independently: a record whose write succeeds is
// clean afterwards even if others fail. Any failure leaves the header
// dirty and is reported as a *SaveError.
func (s *Summary) Save(ctx context.Context) error {
	start := time.Now()
	ctx, endSpan := s.otel.startSpan(ctx, "summary.save")
	err := s.save(ctx)
	endSpan(err)
	s.otel.record(ctx, opSave, time.Since(start), err)
	return err
}

func (s *Summary) save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if !s.headerDirty || s.store == nil {
		s.mu.Unlock()
		return nil
	}
	s.headerDirty = false

	var pending []pendingRow
	for _, mi := range s.loaded {
		mi.mu.Lock()
		if mi.dirty {
			pending = append(pending, pendingRow{mi: mi})
		}
		mi.mu.Unlock()
	}
	patches := make(map[string]Flags, len(s.pendingFlags))
	for uid := range s.pendingFlags {
		patches[uid] = s.flags[uid]
	}
	s.mu.Unlock()

	for i := range pending {
		pending[i].row, pending[i].gen = pending[i].mi.rowWithGeneration()
	}

	failed := &store.BatchError{}
	for uid, flags := range patches {
		row, err := retry.DoWithResult(ctx, s.opts.retry, func(ctx context.Context) (*store.Row, error) {
			return s.store.ReadRecord(ctx, s.folderID, uid)
		})
		if err != nil {
			failed.Add(uid, err)
			continue
		}
		row.Flags = uint32(flags)
		pending = append(pending, pendingRow{row: row})
	}

	s.writeRows(ctx, pending, failed)

	written := 0
	for _, p := range pending {
		if _, bad := failed.Failed[p.row.UID]; bad {
			continue
		}
		written++
		if p.mi != nil {
			p.mi.markSaved(p.gen)
			continue
		}
		s.mu.Lock()
		if _, loaded := s.loaded[p.row.UID]; !loaded && s.flags[p.row.UID] == Flags(p.row.Flags) {
			delete(s.pendingFlags, p.row.UID)
		}
		s.mu.Unlock()
	}
	s.otel.recordWritten(ctx, written)

	headerErr := s.saveHeader(ctx)

	if failed.Len() == 0 && headerErr == nil {
		return nil
	}

	s.mu.Lock()
	s.headerDirty = true
	s.mu.Unlock()

	saveErr := &SaveError{Header: headerErr}
	if failed.Len() > 0 {
		saveErr.Records = failed
		s.logger.Warn("records not saved", "count", failed.Len(), "error", failed)
	}
	if headerErr != nil {
		s.logger.Warn("folder header not saved", "error", headerErr)
	}
	return saveErr
}

// writeRows writes the pending rows, in one batch if the store supports it,
// and records every failed UID in failed.
func (s *Summary) writeRows(ctx context.Context, pending []pendingRow, failed *store.BatchError) {
	if len(pending) == 0 {
		return
	}

	if bw, ok := s.store.(store.BatchWriter); ok {
		rows := make([]*store.Row, len(pending))
		uids := make([]string, len(pending))
		for i, p := range pending {
			rows[i] = p.row
			uids[i] = p.row.UID
		}
		err := bw.WriteRecords(ctx, s.folderID, rows)
		if err == nil {
			return
		}
		be, ok := store.AsBatchError(err)
		if !ok {
			be = store.NewBatchError(uids, err)
		}
		for uid, ferr := range be.Failed {
			failed.Add(uid, ferr)
		}
		return
	}

	for _, p := range pending {
		if err := s.store.WriteRecord(ctx, s.folderID, p.row); err != nil {
			failed.Add(p.row.UID, err)
		}
	}
}

// saveHeader writes the folder header. Counts come from the store when it
// can count rows itself.
func (s *Summary) saveHeader(ctx context.Context) error {
	s.mu.Lock()
	mem := s.counters.Snapshot()
	header := &store.HeaderRow{
		Version:   Version,
		NextUID:   s.nextUID,
		Timestamp: s.opts.scheduler.Now().Unix(),
		Flags:     s.headerFlags,
	}
	s.mu.Unlock()

	counts := mem
	if c, ok := s.store.(store.Counter); ok {
		stored, err := s.countStored(ctx, c)
		switch {
		case err != nil:
			s.logger.Warn("store count failed, using memory counters", "error", err)
		case stored != mem:
			s.logger.Warn("stored counts differ from memory counters",
				"stored_unread", stored.Unread, "memory_unread", mem.Unread,
				"stored_total", stored.Saved, "memory_total", mem.Saved)
			counts = stored
		default:
			counts = stored
		}
	}
	setHeaderCounts(header, counts)

	err := retry.Do(ctx, s.opts.retry, func(ctx context.Context) error {
		return s.store.WriteHeader(ctx, s.folderID, header)
	})
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	s.mu.Lock()
	s.timestamp = header.Timestamp
	s.mu.Unlock()
	return nil
}

func (s *Summary) countStored(ctx context.Context, c store.Counter) (Counters, error) {
	var out Counters
	for kind, match := range matches(s.counters.Role()) {
		n, err := c.CountMatching(ctx, s.folderID, match)
		if err != nil {
			return Counters{}, fmt.Errorf("count %s: %w", kind, err)
		}
		switch kind {
		case store.CountTotal:
			out.Saved = n
		case store.CountUnread:
			out.Unread = n
		case store.CountDeleted:
			out.Deleted = n
		case store.CountJunk:
			out.Junk = n
		case store.CountJunkNotDeleted:
			out.JunkNotDeleted = n
		case store.CountVisible:
			out.Visible = n
		}
	}
	return out, nil
}

func setHeaderCounts(h *store.HeaderRow, c Counters) {
	h.Saved = c.Saved
	h.Unread = c.Unread
	h.Deleted = c.Deleted
	h.Junk = c.Junk
	h.Visible = c.Visible
	h.JunkNotDeleted = c.JunkNotDeleted
}

func headerCounts(h *store.HeaderRow) Counters {
	return Counters{
		Saved:          h.Saved,
		Unread:         h.Unread,
		Deleted:        h.Deleted,
		Junk:           h.Junk,
		Visible:        h.Visible,
		JunkNotDeleted: h.JunkNotDeleted,
	}
}

// Load saves pending changes, then reads the folder header and the flags
// of every row from the store and rebuilds the counters. Loaded records
// that still exist stay loaded. A folder without a header loads empty.
func (s *Summary) Load(ctx context.Context) error {
	start := time.Now()
	ctx, endSpan := s.otel.startSpan(ctx, "summary.load")
	err := s.load(ctx)
	endSpan(err)
	s.otel.record(ctx, opLoad, time.Since(start), err)
	return err
}

func (s *Summary) load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	if err := s.Save(ctx); err != nil {
		return fmt.Errorf("summary: save before load: %w", err)
	}

	header, err := retry.DoWithResult(ctx, s.opts.retry, func(ctx context.Context) (*store.HeaderRow, error) {
		return s.store.ReadHeader(ctx, s.folderID)
	})
	if err != nil && !store.IsNotFound(err) {
		return fmt.Errorf("summary: read header: %w", err)
	}

	stored, err := s.readFlags(ctx)
	if err != nil {
		return fmt.Errorf("summary: read flags: %w", err)
	}

	s.mu.Lock()
	var dropped []*MessageInfo
	for uid, mi := range s.loaded {
		if _, ok := stored[uid]; !ok {
			dropped = append(dropped, mi)
			delete(s.loaded, uid)
			continue
		}
		stored[uid] = mi.Flags()
	}
	s.flags = stored
	clear(s.pendingFlags)
	s.counters.Recount(stored)
	mem := s.counters.Snapshot()

	if header != nil {
		s.nextUID = max(header.NextUID, 1)
		s.headerFlags = header.Flags
		s.timestamp = header.Timestamp
	}
	s.headerDirty = false
	s.mu.Unlock()

	for _, mi := range dropped {
		mi.detach()
	}

	if header != nil && headerCounts(header) != mem {
		s.logger.Warn("header counts differ from recount",
			"header_total", header.Saved, "total", mem.Saved,
			"header_unread", header.Unread, "unread", mem.Unread)
	}
	s.logger.Debug("summary loaded", "count", len(stored))
	return nil
}

// readFlags returns the flags of every stored row.
func (s *Summary) readFlags(ctx context.Context) (map[string]Flags, error) {
	out := make(map[string]Flags)
	if fr, ok := s.store.(store.FlagReader); ok {
		raw, err := retry.DoWithResult(ctx, s.opts.retry, func(ctx context.Context) (map[string]uint32, error) {
			return fr.ReadFlags(ctx, s.folderID)
		})
		if err != nil {
			return nil, err
		}
		for uid, f := range raw {
			out[uid] = Flags(f)
		}
		return out, nil
	}

	err := s.store.BulkRead(ctx, s.folderID, func(row *store.Row) bool {
		out[row.UID] = Flags(row.Flags)
		return true
	})
	return out, err
}

// PrepareFetchAll bulk-loads every record when many more UIDs are known
// than loaded, so that a following full scan does not read the store one
// record at a time.
func (s *Summary) PrepareFetchAll(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	missing := len(s.flags) - len(s.loaded)
	s.mu.Unlock()
	if missing <= s.opts.fetchAllThreshold {
		return nil
	}

	ctx, endSpan := s.otel.startSpan(ctx, "summary.prepare_fetch_all", attribute.Int("summary.missing", missing))
	var rows []*store.Row
	err := s.store.BulkRead(ctx, s.folderID, func(row *store.Row) bool {
		rows = append(rows, row)
		return true
	})
	endSpan(err)
	if err != nil {
		return fmt.Errorf("summary: bulk read: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.insertLoadedLocked(NewInfoFromRow(row))
	}
	s.cacheLoadTime = s.opts.scheduler.Now()
	return nil
}

// Clear forgets every record, zeroes the counters and clears the folder
// in the store.
func (s *Summary) Clear(ctx context.Context) error {
	start := time.Now()
	ctx, endSpan := s.otel.startSpan(ctx, "summary.clear")

	s.mu.Lock()
	dropped := make([]*MessageInfo, 0, len(s.loaded))
	for _, mi := range s.loaded {
		dropped = append(dropped, mi)
	}
	clear(s.flags)
	clear(s.loaded)
	clear(s.pendingFlags)
	s.counters.Reset()
	s.headerDirty = true
	s.mu.Unlock()

	for _, mi := range dropped {
		mi.detach()
	}

	var err error
	if s.store != nil {
		if cerr := s.store.ClearFolder(ctx, s.folderID); cerr != nil && !errors.Is(cerr, store.ErrNotFound) {
			err = fmt.Errorf("summary: clear folder: %w", cerr)
		}
	}

	endSpan(err)
	s.otel.record(ctx, opClear, time.Since(start), err)
	return err
}
