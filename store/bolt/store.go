// Package bolt provides an embedded store.Store on a bbolt file.
//
// Every folder is a top-level bucket holding a "records" bucket (uid to
// JSON row), a "flags" bucket (uid to 4-byte big-endian flags, so counts
// and flag loads skip row decoding) and a "header" key.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/summary/store"
	"go.etcd.io/bbolt"
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

var (
	recordsBucket = []byte("records")
	flagsBucket   = []byte("flags")
	headerKey     = []byte("header")
)

// DefaultOpenTimeout bounds how long Open waits for the file lock.
const DefaultOpenTimeout = 5 * time.Second

type options struct {
	openTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a bolt store.
type Option func(*options)

// WithOpenTimeout sets how long Open waits for the file lock.
func WithOpenTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.openTimeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Store implements store.Store on bbolt.
type Store struct {
	db        *bbolt.DB
	connected int32
	logger    *slog.Logger
}

// Open opens (creating if needed) the bbolt file at path. Close releases it.
func Open(path string, opts ...Option) (*Store, error) {
	o := &options{openTimeout: DefaultOpenTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: o.openTimeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %q: %w", path, err)
	}
	return &Store{db: db, logger: o.logger}, nil
}

// Connect marks the store ready.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	s.logger.Debug("bolt store ready", "path", s.db.Path())
	return nil
}

// Close closes the database file.
func (s *Store) Close(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 1, 0) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) check(ctx context.Context, folderID string) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	if folderID == "" {
		return store.ErrInvalidFolder
	}
	return ctx.Err()
}

func encodeFlags(f uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], f)
	return b[:]
}

func decodeFlags(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// folderBuckets returns the record and flag buckets of a folder, creating
// them when create is set. Both are nil if the folder does not exist.
func folderBuckets(tx *bbolt.Tx, folderID string, create bool) (records, flags *bbolt.Bucket, err error) {
	name := []byte(folderID)
	if !create {
		fb := tx.Bucket(name)
		if fb == nil {
			return nil, nil, nil
		}
		return fb.Bucket(recordsBucket), fb.Bucket(flagsBucket), nil
	}
	fb, err := tx.CreateBucketIfNotExists(name)
	if err != nil {
		return nil, nil, err
	}
	if records, err = fb.CreateBucketIfNotExists(recordsBucket); err != nil {
		return nil, nil, err
	}
	if flags, err = fb.CreateBucketIfNotExists(flagsBucket); err != nil {
		return nil, nil, err
	}
	return records, flags, nil
}

func putRow(records, flags *bbolt.Bucket, row *store.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode %s: %w", row.UID, err)
	}
	if err := records.Put([]byte(row.UID), data); err != nil {
		return err
	}
	return flags.Put([]byte(row.UID), encodeFlags(row.Flags))
}

func (s *Store) ReadRecord(ctx context.Context, folderID, uid string) (*store.Row, error) {
	if err := s.check(ctx, folderID); err != nil {
		return nil, err
	}
	if uid == "" {
		return nil, store.ErrInvalidUID
	}

	var row *store.Row
	err := s.db.View(func(tx *bbolt.Tx) error {
		records, _, _ := folderBuckets(tx, folderID, false)
		if records == nil {
			return store.ErrNotFound
		}
		data := records.Get([]byte(uid))
		if data == nil {
			return store.ErrNotFound
		}
		row = &store.Row{}
		return json.Unmarshal(data, row)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Store) WriteRecord(ctx context.Context, folderID string, row *store.Row) error {
	if err := s.check(ctx, folderID); err != nil {
		return err
	}
	if err := row.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		records, flags, err := folderBuckets(tx, folderID, true)
		if err != nil {
			return err
		}
		return putRow(records, flags, row)
	})
}

// WriteRecords writes every row in one bbolt transaction.
func (s *Store) WriteRecords(ctx context.Context, folderID string, rows []*store.Row) error {
	if err := s.check(ctx, folderID); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	uids := make([]string, 0, len(rows))
	invalid := &store.BatchError{}
	for i, row := range rows {
		if err := row.Validate(); err != nil {
			invalid.Add(fmt.Sprint(i), err)
			continue
		}
		uids = append(uids, row.UID)
	}
	if invalid.Len() > 0 {
		return invalid
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		records, flags, err := folderBuckets(tx, folderID, true)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := putRow(records, flags, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return store.NewBatchError(uids, fmt.Errorf("%w: %v", store.ErrTransactionFailed, err))
	}
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, folderID, uid string) error {
	if err := s.check(ctx, folderID); err != nil {
		return err
	}
	if uid == "" {
		return store.ErrInvalidUID
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		records, flags, _ := folderBuckets(tx, folderID, false)
		if records == nil || records.Get([]byte(uid)) == nil {
			return store.ErrNotFound
		}
		if err := records.Delete([]byte(uid)); err != nil {
			return err
		}
		return flags.Delete([]byte(uid))
	})
}

func (s *Store) DeleteRecords(ctx context.Context, folderID string, uids []string) error {
	if err := s.check(ctx, folderID); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		records, flags, _ := folderBuckets(tx, folderID, false)
		if records == nil {
			return nil
		}
		for _, uid := range uids {
			if err := records.Delete([]byte(uid)); err != nil {
				return err
			}
			if err := flags.Delete([]byte(uid)); err != nil {
				return err
			}
		}
		return nil
	})
}

// BulkRead iterates rows in key order inside a read transaction.
func (s *Store) BulkRead(ctx context.Context, folderID string, fn func(*store.Row) bool) error {
	if err := s.check(ctx, folderID); err != nil {
		return err
	}
	stop := errors.New("stop")
	err := s.db.View(func(tx *bbolt.Tx) error {
		records, _, _ := folderBuckets(tx, folderID, false)
		if records == nil {
			return nil
		}
		return records.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			row := &store.Row{}
			if err := json.Unmarshal(v, row); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			if !fn(row) {
				return stop
			}
			return nil
		})
	})
	if errors.Is(err, stop) {
		return nil
	}
	return err
}

func (s *Store) ReadFlags(ctx context.Context, folderID string) (map[string]uint32, error) {
	if err := s.check(ctx, folderID); err != nil {
		return nil, err
	}
	out := make(map[string]uint32)
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, flags, _ := folderBuckets(tx, folderID, false)
		if flags == nil {
			return nil
		}
		return flags.ForEach(func(k, v []byte) error {
			out[string(k)] = decodeFlags(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CountMatching(ctx context.Context, folderID string, match store.FlagMatch) (uint32, error) {
	if err := s.check(ctx, folderID); err != nil {
		return 0, err
	}
	var n uint32
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, flags, _ := folderBuckets(tx, folderID, false)
		if flags == nil {
			return nil
		}
		return flags.ForEach(func(_, v []byte) error {
			if match.Matches(decodeFlags(v)) {
				n++
			}
			return nil
		})
	})
	return n, err
}

func (s *Store) ReadHeader(ctx context.Context, folderID string) (*store.HeaderRow, error) {
	if err := s.check(ctx, folderID); err != nil {
		return nil, err
	}
	var h *store.HeaderRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		fb := tx.Bucket([]byte(folderID))
		if fb == nil {
			return store.ErrNotFound
		}
		data := fb.Get(headerKey)
		if data == nil {
			return store.ErrNotFound
		}
		h = &store.HeaderRow{}
		return json.Unmarshal(data, h)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Store) WriteHeader(ctx context.Context, folderID string, header *store.HeaderRow) error {
	if err := s.check(ctx, folderID); err != nil {
		return err
	}
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		fb, err := tx.CreateBucketIfNotExists([]byte(folderID))
		if err != nil {
			return err
		}
		return fb.Put(headerKey, data)
	})
}

// ClearFolder drops the folder bucket.
func (s *Store) ClearFolder(ctx context.Context, folderID string) error {
	if err := s.check(ctx, folderID); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(folderID))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Folders lists the folder buckets in key order.
func (s *Store) Folders(_ context.Context) ([]string, error) {
	if atomic.LoadInt32(&s.connected) == 0 {
		return nil, store.ErrNotConnected
	}
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			ids = append(ids, string(name))
			return nil
		})
	})
	return ids, err
}
