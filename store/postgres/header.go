package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/summary/store"
)

type headerRecord struct {
	FolderID       string `db:"folder_id"`
	Version        int64  `db:"version"`
	NextUID        int64  `db:"next_uid"`
	Timestamp      int64  `db:"timestamp"`
	Flags          int64  `db:"flags"`
	Saved          int64  `db:"saved"`
	Unread         int64  `db:"unread"`
	Deleted        int64  `db:"deleted"`
	Junk           int64  `db:"junk"`
	Visible        int64  `db:"visible"`
	JunkNotDeleted int64  `db:"junk_not_deleted"`
}

const headerColumns = `folder_id, version, next_uid, timestamp, flags, saved, unread, deleted, junk, visible, junk_not_deleted`

func (s *Store) ReadHeader(ctx context.Context, folderID string) (*store.HeaderRow, error) {
	if err := s.check(folderID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE folder_id = $1`, headerColumns, s.opts.headerTable)
	var h headerRecord
	if err := s.db.GetContext(ctx, &h, query, folderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	return &store.HeaderRow{
		Version:        uint32(h.Version),
		NextUID:        uint32(h.NextUID),
		Timestamp:      h.Timestamp,
		Flags:          uint32(h.Flags),
		Saved:          uint32(h.Saved),
		Unread:         uint32(h.Unread),
		Deleted:        uint32(h.Deleted),
		Junk:           uint32(h.Junk),
		Visible:        uint32(h.Visible),
		JunkNotDeleted: uint32(h.JunkNotDeleted),
	}, nil
}

func (s *Store) WriteHeader(ctx context.Context, folderID string, header *store.HeaderRow) error {
	if err := s.check(folderID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	h := headerRecord{
		FolderID:       folderID,
		Version:        int64(header.Version),
		NextUID:        int64(header.NextUID),
		Timestamp:      header.Timestamp,
		Flags:          int64(header.Flags),
		Saved:          int64(header.Saved),
		Unread:         int64(header.Unread),
		Deleted:        int64(header.Deleted),
		Junk:           int64(header.Junk),
		Visible:        int64(header.Visible),
		JunkNotDeleted: int64(header.JunkNotDeleted),
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (:folder_id, :version, :next_uid, :timestamp, :flags, :saved, :unread, :deleted, :junk, :visible, :junk_not_deleted)
		ON CONFLICT (folder_id) DO UPDATE SET
			version = EXCLUDED.version, next_uid = EXCLUDED.next_uid, timestamp = EXCLUDED.timestamp,
			flags = EXCLUDED.flags, saved = EXCLUDED.saved, unread = EXCLUDED.unread,
			deleted = EXCLUDED.deleted, junk = EXCLUDED.junk, visible = EXCLUDED.visible,
			junk_not_deleted = EXCLUDED.junk_not_deleted
	`, s.opts.headerTable, headerColumns)
	if _, err := s.db.NamedExecContext(ctx, query, h); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// ClearFolder deletes the folder's rows and header in one transaction.
func (s *Store) ClearFolder(ctx context.Context, folderID string) error {
	if err := s.check(folderID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE folder_id = $1`, s.opts.table), folderID); err != nil {
			return fmt.Errorf("clear records: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE folder_id = $1`, s.opts.headerTable), folderID); err != nil {
			return fmt.Errorf("clear header: %w", err)
		}
		return nil
	})
}

// Folders returns the IDs of every folder with records or a header, sorted.
func (s *Store) Folders(ctx context.Context) ([]string, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var ids []string
	query := fmt.Sprintf(`
		SELECT folder_id FROM %s
		UNION
		SELECT folder_id FROM %s
		ORDER BY folder_id
	`, s.opts.table, s.opts.headerTable)
	if err := s.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	return ids, nil
}
