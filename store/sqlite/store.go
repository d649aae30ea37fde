// Package sqlite provides an embedded store.Store backed by a SQLite file.
//
// The schema mirrors the PostgreSQL backend. List columns (references,
// user flags, user tags) are stored as JSON text since SQLite has no
// array type.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
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

var schema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		folder_id TEXT NOT NULL,
		uid TEXT NOT NULL,
		flags INTEGER NOT NULL DEFAULT 0,
		subject TEXT NOT NULL DEFAULT '',
		from_addr TEXT NOT NULL DEFAULT '',
		to_addr TEXT NOT NULL DEFAULT '',
		cc_addr TEXT NOT NULL DEFAULT '',
		mailing_list TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		date_sent INTEGER NOT NULL DEFAULT 0,
		date_received INTEGER NOT NULL DEFAULT 0,
		message_id INTEGER NOT NULL DEFAULT 0,
		refs TEXT NOT NULL DEFAULT '[]',
		user_flags TEXT NOT NULL DEFAULT '[]',
		user_tags TEXT NOT NULL DEFAULT '[]',
		extra BLOB,
		PRIMARY KEY (folder_id, uid)
	)`,
	`CREATE TABLE IF NOT EXISTS headers (
		folder_id TEXT NOT NULL PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 0,
		next_uid INTEGER NOT NULL DEFAULT 1,
		timestamp INTEGER NOT NULL DEFAULT 0,
		flags INTEGER NOT NULL DEFAULT 0,
		saved INTEGER NOT NULL DEFAULT 0,
		unread INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		junk INTEGER NOT NULL DEFAULT 0,
		visible INTEGER NOT NULL DEFAULT 0,
		junk_not_deleted INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_folder_flags ON records(folder_id, flags)`,
}

// Store implements store.Store on SQLite.
type Store struct {
	db        *sqlx.DB
	owned     bool
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New wraps an open "sqlite3" database. The caller closes db.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{db: db, opts: o, logger: o.logger}
}

// Open opens (creating if needed) the database file at path. Close on the
// returned store also closes the database.
func Open(path string, opts ...Option) (*Store, error) {
	o := newOptions(opts...)
	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", o.busyTimeout/time.Millisecond)},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: dsn for %q: %w", path, err)
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// One writer at a time avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	s := New(db, opts...)
	s.owned = true
	return s, nil
}

// dsnFromPath turns a file path or file: URL into a DSN carrying values.
func dsnFromPath(path string, values url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	q := u.Query()
	for k, v := range values {
		for _, item := range v {
			q.Add(k, item)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect creates the schema.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("sqlite: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			atomic.StoreInt32(&s.connected, 0)
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	s.logger.Debug("sqlite store ready")
	return nil
}

// Close marks the store disconnected and closes the database if Open
// created it.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	if s.owned {
		return s.db.Close()
	}
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func (s *Store) check(folderID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if folderID == "" {
		return store.ErrInvalidFolder
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			s.logger.Warn("rollback failed", "error", rerr)
		}
		return err
	}
	return tx.Commit()
}
