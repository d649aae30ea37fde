// Package postgres keeps folder summary records and headers in PostgreSQL.
//
// Records live in one table keyed by (folder_id, uid); folder headers live
// in a second table keyed by folder_id. Flags are stored as an integer so
// counts run as bitwise predicates in SQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
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

// Store persists summary rows in a records table keyed by (folder_id, uid).
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
// This wraps the sql.DB with sqlx for enhanced functionality.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "table", s.opts.table, "header_table", s.opts.headerTable)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureSchema creates the required tables and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	createRecords := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			folder_id VARCHAR(255) NOT NULL,
			uid VARCHAR(255) NOT NULL,
			flags BIGINT NOT NULL DEFAULT 0,
			subject TEXT NOT NULL DEFAULT '',
			from_addr TEXT NOT NULL DEFAULT '',
			to_addr TEXT NOT NULL DEFAULT '',
			cc_addr TEXT NOT NULL DEFAULT '',
			mailing_list TEXT NOT NULL DEFAULT '',
			size BIGINT NOT NULL DEFAULT 0,
			date_sent BIGINT NOT NULL DEFAULT 0,
			date_received BIGINT NOT NULL DEFAULT 0,
			message_id BIGINT NOT NULL DEFAULT 0,
			refs BIGINT[] NOT NULL DEFAULT '{}',
			user_flags TEXT[] NOT NULL DEFAULT '{}',
			user_tags JSONB NOT NULL DEFAULT '[]',
			extra BYTEA,
			PRIMARY KEY (folder_id, uid)
		)
	`, s.opts.table)
	if _, err := s.db.ExecContext(ctx, createRecords); err != nil {
		return fmt.Errorf("create record table: %w", err)
	}

	createHeaders := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			folder_id VARCHAR(255) PRIMARY KEY,
			version BIGINT NOT NULL DEFAULT 0,
			next_uid BIGINT NOT NULL DEFAULT 1,
			timestamp BIGINT NOT NULL DEFAULT 0,
			flags BIGINT NOT NULL DEFAULT 0,
			saved BIGINT NOT NULL DEFAULT 0,
			unread BIGINT NOT NULL DEFAULT 0,
			deleted BIGINT NOT NULL DEFAULT 0,
			junk BIGINT NOT NULL DEFAULT 0,
			visible BIGINT NOT NULL DEFAULT 0,
			junk_not_deleted BIGINT NOT NULL DEFAULT 0
		)
	`, s.opts.headerTable)
	if _, err := s.db.ExecContext(ctx, createHeaders); err != nil {
		return fmt.Errorf("create header table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_folder_flags ON %s(folder_id, flags)`, s.opts.table, s.opts.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_message_id ON %s(folder_id, message_id)`, s.opts.table, s.opts.table),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}
	return nil
}

// checkConnected reports ErrNotConnected before Connect or after Close.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// check validates the folder and connection state.
func (s *Store) check(folderID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if folderID == "" {
		return store.ErrInvalidFolder
	}
	return nil
}
