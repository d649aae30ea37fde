package sqlite

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

func (s *Store) ReadHeader(ctx context.Context, folderID string) (*store.HeaderRow, error) {
	if err := s.check(folderID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var h headerRecord
	if err := s.db.GetContext(ctx, &h, `SELECT * FROM headers WHERE folder_id = ?`, folderID); err != nil {
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
	_, err := s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO headers
			(folder_id, version, next_uid, timestamp, flags, saved, unread, deleted, junk, visible, junk_not_deleted)
		VALUES
			(:folder_id, :version, :next_uid, :timestamp, :flags, :saved, :unread, :deleted, :junk, :visible, :junk_not_deleted)`, h)
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

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE folder_id = ?`, folderID); err != nil {
			return fmt.Errorf("clear records: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM headers WHERE folder_id = ?`, folderID); err != nil {
			return fmt.Errorf("clear header: %w", err)
		}
		return nil
	})
}

// Folders returns every folder with records or a header, sorted.
func (s *Store) Folders(ctx context.Context) ([]string, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT folder_id FROM records
		UNION
		SELECT folder_id FROM headers
		ORDER BY folder_id`)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	return ids, nil
}
