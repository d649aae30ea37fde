// Package redis provides a store.Store on Redis.
//
// A folder uses three keys sharing a {folder} hash tag so they live in the
// same cluster slot:
//
//	<prefix>{<folder>}:rows    hash, uid -> JSON row
//	<prefix>{<folder>}:flags   hash, uid -> decimal flags
//	<prefix>{<folder>}:header  string, JSON header
//
// A set at <prefix>folders tracks which folders hold data.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/summary/store"
	"github.com/redis/go-redis/v9"
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

// Default configuration values.
const (
	DefaultKeyPrefix = "summary:"
	DefaultTimeout   = 5 * time.Second
)

type options struct {
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Redis store.
type Option func(*options)

// WithKeyPrefix sets the prefix of every key the store writes.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithTimeout sets the operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
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

// Store implements store.Store on a Redis client.
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Store struct {
	client    redis.UniversalClient
	opts      *options
	connected int32
}

// New creates a store on client. The caller owns and closes the client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	o := &options{prefix: DefaultKeyPrefix, timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	return &Store{client: client, opts: o}
}

// Connect pings the server.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("redis: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("redis ping: %w", err)
	}
	s.opts.logger.Info("connected to Redis", "prefix", s.opts.prefix)
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

func (s *Store) rowsKey(folderID string) string   { return s.opts.prefix + "{" + folderID + "}:rows" }
func (s *Store) flagsKey(folderID string) string  { return s.opts.prefix + "{" + folderID + "}:flags" }
func (s *Store) headerKey(folderID string) string { return s.opts.prefix + "{" + folderID + "}:header" }
func (s *Store) foldersKey() string               { return s.opts.prefix + "folders" }

func (s *Store) ReadRecord(ctx context.Context, folderID, uid string) (*store.Row, error) {
	if err := s.check(folderID); err != nil {
		return nil, err
	}
	if uid == "" {
		return nil, store.ErrInvalidUID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	data, err := s.client.HGet(ctx, s.rowsKey(folderID), uid).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	row := &store.Row{}
	if err := json.Unmarshal(data, row); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", uid, err)
	}
	return row, nil
}

func (s *Store) queueRows(ctx context.Context, pipe redis.Pipeliner, folderID string, rows []*store.Row) error {
	rowValues := make([]any, 0, 2*len(rows))
	flagValues := make([]any, 0, 2*len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode %s: %w", row.UID, err)
		}
		rowValues = append(rowValues, row.UID, data)
		flagValues = append(flagValues, row.UID, strconv.FormatUint(uint64(row.Flags), 10))
	}
	pipe.HSet(ctx, s.rowsKey(folderID), rowValues...)
	pipe.HSet(ctx, s.flagsKey(folderID), flagValues...)
	pipe.SAdd(ctx, s.foldersKey(), folderID)
	return nil
}

func (s *Store) WriteRecord(ctx context.Context, folderID string, row *store.Row) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	if err := row.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var encErr error
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		encErr = s.queueRows(ctx, pipe, folderID, []*store.Row{row})
		return encErr
	})
	if encErr != nil {
		return encErr
	}
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// WriteRecords writes every row in one MULTI/EXEC block.
func (s *Store) WriteRecords(ctx context.Context, folderID string, rows []*store.Row) error {
	if err := s.check(folderID); err != nil {
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

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.queueRows(ctx, pipe, folderID, rows)
	})
	if err != nil {
		return store.NewBatchError(uids, fmt.Errorf("%w: %v", store.ErrTransactionFailed, err))
	}
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, folderID, uid string) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	if uid == "" {
		return store.ErrInvalidUID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, s.rowsKey(folderID), uid)
		pipe.HDel(ctx, s.flagsKey(folderID), uid)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if removed.Val() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteRecords(ctx context.Context, folderID string, uids []string) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.rowsKey(folderID), uids...)
		pipe.HDel(ctx, s.flagsKey(folderID), uids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// BulkRead loads the folder hash and calls fn in uid order.
func (s *Store) BulkRead(ctx context.Context, folderID string, fn func(*store.Row) bool) error {
	if err := s.check(folderID); err != nil {
		return err
	}

	all, err := s.client.HGetAll(ctx, s.rowsKey(folderID)).Result()
	if err != nil {
		return fmt.Errorf("bulk read: %w", err)
	}
	uids := make([]string, 0, len(all))
	for uid := range all {
		uids = append(uids, uid)
	}
	slices.Sort(uids)

	for _, uid := range uids {
		row := &store.Row{}
		if err := json.Unmarshal([]byte(all[uid]), row); err != nil {
			return fmt.Errorf("decode record %s: %w", uid, err)
		}
		if !fn(row) {
			return nil
		}
	}
	return nil
}

func (s *Store) ReadFlags(ctx context.Context, folderID string) (map[string]uint32, error) {
	if err := s.check(folderID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	all, err := s.client.HGetAll(ctx, s.flagsKey(folderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read flags: %w", err)
	}
	flags := make(map[string]uint32, len(all))
	for uid, v := range all {
		f, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse flags of %s: %w", uid, err)
		}
		flags[uid] = uint32(f)
	}
	return flags, nil
}

func (s *Store) CountMatching(ctx context.Context, folderID string, match store.FlagMatch) (uint32, error) {
	flags, err := s.ReadFlags(ctx, folderID)
	if err != nil {
		return 0, err
	}
	var n uint32
	for _, f := range flags {
		if match.Matches(f) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ReadHeader(ctx context.Context, folderID string) (*store.HeaderRow, error) {
	if err := s.check(folderID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.headerKey(folderID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	h := &store.HeaderRow{}
	if err := json.Unmarshal(data, h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func (s *Store) WriteHeader(ctx context.Context, folderID string, header *store.HeaderRow) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.headerKey(folderID), data, 0)
		pipe.SAdd(ctx, s.foldersKey(), folderID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

func (s *Store) ClearFolder(ctx context.Context, folderID string) error {
	if err := s.check(folderID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.rowsKey(folderID), s.flagsKey(folderID), s.headerKey(folderID))
		pipe.SRem(ctx, s.foldersKey(), folderID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear folder: %w", err)
	}
	return nil
}

// Folders returns the tracked folders, sorted.
func (s *Store) Folders(ctx context.Context) ([]string, error) {
	if atomic.LoadInt32(&s.connected) == 0 {
		return nil, store.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	ids, err := s.client.SMembers(ctx, s.foldersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}
