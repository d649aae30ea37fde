// Package memory provides an in-memory store.Store implementation.
// Data is not persisted; it is intended for tests and memory-only folders
// that still want header and counter bookkeeping.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/summary/store"
)

// Compile-time checks
var (
	_ store.Store        = (*Store)(nil)
	_ store.Lifecycle    = (*Store)(nil)
	_ store.Counter      = (*Store)(nil)
	_ store.FlagReader   = (*Store)(nil)
	_ store.BatchWriter  = (*Store)(nil)
	_ store.FolderLister = (*Store)(nil)
)

// Store implements store.Store with in-memory storage.
// Thread-safe for concurrent use.
type Store struct {
	folders   sync.Map // map[string]*folder
	connected int32
}

// folder holds the rows and header of one folder.
type folder struct {
	mu     sync.RWMutex
	rows   map[string]*store.Row
	header *store.HeaderRow
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) check(folderID string) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	if folderID == "" {
		return store.ErrInvalidFolder
	}
	return nil
}

// folder returns the folder, creating it if needed.
// Uses LoadOrStore for atomic get-or-create.
func (s *Store) folder(folderID string) *folder {
	f, _ := s.folders.LoadOrStore(folderID, &folder{rows: make(map[string]*store.Row)})
	return f.(*folder)
}

// ReadRecord returns a copy of the stored row.
func (s *Store) ReadRecord(_ context.Context, folderID, uid string) (*store.Row, error) {
	if err := s.check(folderID); err != nil {
		return nil, err
	}
	if uid == "" {
		return nil, store.ErrInvalidUID
	}
	f := s.folder(folderID)
	f.mu.RLock()
	defer f.mu.RUnlock()
	row, ok := f.rows[uid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return row.Clone(), nil
}

// WriteRecord stores a copy of row.
func (s *Store) WriteRecord(_ context.Context, folderID string, row *store.Row) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	if err := row.Validate(); err != nil {
		return err
	}
	f := s.folder(folderID)
	f.mu.Lock()
	f.rows[row.UID] = row.Clone()
	f.mu.Unlock()
	return nil
}

// WriteRecords stores every row. Invalid rows are reported in a *store.BatchError;
// valid rows are written regardless.
func (s *Store) WriteRecords(_ context.Context, folderID string, rows []*store.Row) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	var batchErr store.BatchError
	f := s.folder(folderID)
	f.mu.Lock()
	for _, row := range rows {
		if err := row.Validate(); err != nil {
			uid := ""
			if row != nil {
				uid = row.UID
			}
			batchErr.Add(uid, err)
			continue
		}
		f.rows[row.UID] = row.Clone()
	}
	f.mu.Unlock()
	if batchErr.Len() > 0 {
		return &batchErr
	}
	return nil
}

// DeleteRecord removes a row.
func (s *Store) DeleteRecord(_ context.Context, folderID, uid string) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	f := s.folder(folderID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[uid]; !ok {
		return store.ErrNotFound
	}
	delete(f.rows, uid)
	return nil
}

// DeleteRecords removes the listed rows, ignoring missing ones.
func (s *Store) DeleteRecords(_ context.Context, folderID string, uids []string) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	f := s.folder(folderID)
	f.mu.Lock()
	for _, uid := range uids {
		delete(f.rows, uid)
	}
	f.mu.Unlock()
	return nil
}

// BulkRead calls fn with a copy of every row, ordered by UID.
// The folder lock is not held while fn runs.
func (s *Store) BulkRead(ctx context.Context, folderID string, fn func(*store.Row) bool) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	f := s.folder(folderID)
	f.mu.RLock()
	rows := make([]*store.Row, 0, len(f.rows))
	for _, row := range f.rows {
		rows = append(rows, row.Clone())
	}
	f.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].UID < rows[j].UID })
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(row) {
			return nil
		}
	}
	return nil
}

// ReadFlags returns the flags of every row.
func (s *Store) ReadFlags(_ context.Context, folderID string) (map[string]uint32, error) {
	if err := s.check(folderID); err != nil {
		return nil, err
	}
	f := s.folder(folderID)
	f.mu.RLock()
	defer f.mu.RUnlock()
	flags := make(map[string]uint32, len(f.rows))
	for uid, row := range f.rows {
		flags[uid] = row.Flags
	}
	return flags, nil
}

// CountMatching counts rows whose flags satisfy match.
func (s *Store) CountMatching(_ context.Context, folderID string, match store.FlagMatch) (uint32, error) {
	if err := s.check(folderID); err != nil {
		return 0, err
	}
	f := s.folder(folderID)
	f.mu.RLock()
	defer f.mu.RUnlock()
	var n uint32
	for _, row := range f.rows {
		if match.Matches(row.Flags) {
			n++
		}
	}
	return n, nil
}

// ReadHeader returns a copy of the folder header.
func (s *Store) ReadHeader(_ context.Context, folderID string) (*store.HeaderRow, error) {
	if err := s.check(folderID); err != nil {
		return nil, err
	}
	f := s.folder(folderID)
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.header == nil {
		return nil, store.ErrNotFound
	}
	return f.header.Clone(), nil
}

// WriteHeader stores a copy of the folder header.
func (s *Store) WriteHeader(_ context.Context, folderID string, header *store.HeaderRow) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	f := s.folder(folderID)
	f.mu.Lock()
	f.header = header.Clone()
	f.mu.Unlock()
	return nil
}

// ClearFolder removes all rows and the header of a folder.
func (s *Store) ClearFolder(_ context.Context, folderID string) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	f := s.folder(folderID)
	f.mu.Lock()
	f.rows = make(map[string]*store.Row)
	f.header = nil
	f.mu.Unlock()
	return nil
}

// Folders returns the IDs of every folder that has rows or a header, sorted.
func (s *Store) Folders(_ context.Context) ([]string, error) {
	if atomic.LoadInt32(&s.connected) == 0 {
		return nil, store.ErrNotConnected
	}
	var ids []string
	s.folders.Range(func(key, value any) bool {
		f := value.(*folder)
		f.mu.RLock()
		if len(f.rows) > 0 || f.header != nil {
			ids = append(ids, key.(string))
		}
		f.mu.RUnlock()
		return true
	})
	sort.Strings(ids)
	return ids, nil
}
