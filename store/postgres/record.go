package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/summary/store"
)

const recordColumns = `folder_id, uid, flags, subject, from_addr, to_addr, cc_addr, mailing_list,
	size, date_sent, date_received, message_id, refs, user_flags, user_tags, extra`

// record is the table form of a store.Row. Unsigned values are stored in
// signed columns with the same bit pattern.
type record struct {
	FolderID     string         `db:"folder_id"`
	UID          string         `db:"uid"`
	Flags        int64          `db:"flags"`
	Subject      string         `db:"subject"`
	From         string         `db:"from_addr"`
	To           string         `db:"to_addr"`
	Cc           string         `db:"cc_addr"`
	MailingList  string         `db:"mailing_list"`
	Size         int64          `db:"size"`
	DateSent     int64          `db:"date_sent"`
	DateReceived int64          `db:"date_received"`
	MessageID    int64          `db:"message_id"`
	Refs         pq.Int64Array  `db:"refs"`
	UserFlags    pq.StringArray `db:"user_flags"`
	UserTags     string         `db:"user_tags"`
	Extra        []byte         `db:"extra"`
}

func toRecord(folderID string, row *store.Row) (*record, error) {
	tags := row.UserTags
	if tags == nil {
		tags = []store.Tag{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal user tags: %w", err)
	}
	refs := make(pq.Int64Array, len(row.References))
	for i, r := range row.References {
		refs[i] = int64(r)
	}
	userFlags := pq.StringArray(row.UserFlags)
	if userFlags == nil {
		userFlags = pq.StringArray{}
	}
	return &record{
		FolderID:     folderID,
		UID:          row.UID,
		Flags:        int64(row.Flags),
		Subject:      row.Subject,
		From:         row.From,
		To:           row.To,
		Cc:           row.Cc,
		MailingList:  row.MailingList,
		Size:         int64(row.Size),
		DateSent:     row.DateSent,
		DateReceived: row.DateReceived,
		MessageID:    int64(row.MessageIDHash),
		Refs:         refs,
		UserFlags:    userFlags,
		UserTags:     string(tagsJSON),
		Extra:        row.Extra,
	}, nil
}

func (r *record) toRow() (*store.Row, error) {
	row := &store.Row{
		UID:           r.UID,
		Flags:         uint32(r.Flags),
		Subject:       r.Subject,
		From:          r.From,
		To:            r.To,
		Cc:            r.Cc,
		MailingList:   r.MailingList,
		Size:          uint32(r.Size),
		DateSent:      r.DateSent,
		DateReceived:  r.DateReceived,
		MessageIDHash: uint64(r.MessageID),
		Extra:         r.Extra,
	}
	if len(r.Refs) > 0 {
		row.References = make([]uint64, len(r.Refs))
		for i, v := range r.Refs {
			row.References[i] = uint64(v)
		}
	}
	if len(r.UserFlags) > 0 {
		row.UserFlags = []string(r.UserFlags)
	}
	if r.UserTags != "" && r.UserTags != "[]" {
		if err := json.Unmarshal([]byte(r.UserTags), &row.UserTags); err != nil {
			return nil, fmt.Errorf("unmarshal user tags of %s: %w", r.UID, err)
		}
	}
	return row, nil
}

func (s *Store) upsertQuery() string {
	return fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (:folder_id, :uid, :flags, :subject, :from_addr, :to_addr, :cc_addr, :mailing_list,
		        :size, :date_sent, :date_received, :message_id, :refs, :user_flags, :user_tags, :extra)
		ON CONFLICT (folder_id, uid) DO UPDATE SET
			flags = EXCLUDED.flags, subject = EXCLUDED.subject,
			from_addr = EXCLUDED.from_addr, to_addr = EXCLUDED.to_addr, cc_addr = EXCLUDED.cc_addr,
			mailing_list = EXCLUDED.mailing_list, size = EXCLUDED.size,
			date_sent = EXCLUDED.date_sent, date_received = EXCLUDED.date_received,
			message_id = EXCLUDED.message_id, refs = EXCLUDED.refs,
			user_flags = EXCLUDED.user_flags, user_tags = EXCLUDED.user_tags, extra = EXCLUDED.extra
	`, s.opts.table, recordColumns)
}

func (s *Store) ReadRecord(ctx context.Context, folderID, uid string) (*store.Row, error) {
	if err := s.check(folderID); err != nil {
		return nil, err
	}
	if uid == "" {
		return nil, store.ErrInvalidUID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE folder_id = $1 AND uid = $2`, recordColumns, s.opts.table)
	var rec record
	if err := s.db.GetContext(ctx, &rec, query, folderID, uid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	return rec.toRow()
}

func (s *Store) WriteRecord(ctx context.Context, folderID string, row *store.Row) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	if err := row.Validate(); err != nil {
		return err
	}
	rec, err := toRecord(folderID, row)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if _, err := s.db.NamedExecContext(ctx, s.upsertQuery(), rec); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// WriteRecords upserts every row in one transaction. On failure no row is
// written and every UID is reported in a *store.BatchError.
func (s *Store) WriteRecords(ctx context.Context, folderID string, rows []*store.Row) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	uids := make([]string, len(rows))
	recs := make([]*record, len(rows))
	invalid := &store.BatchError{}
	for i, row := range rows {
		if err := row.Validate(); err != nil {
			invalid.Add(fmt.Sprint(i), err)
			continue
		}
		uids[i] = row.UID
		rec, err := toRecord(folderID, row)
		if err != nil {
			invalid.Add(row.UID, err)
			continue
		}
		recs[i] = rec
	}
	if invalid.Len() > 0 {
		return invalid
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, s.upsertQuery())
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()
		for _, rec := range recs {
			if _, err := stmt.ExecContext(ctx, rec); err != nil {
				return fmt.Errorf("upsert %s: %w", rec.UID, err)
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
	if err := s.check(folderID); err != nil {
		return err
	}
	if uid == "" {
		return store.ErrInvalidUID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE folder_id = $1 AND uid = $2`, s.opts.table)
	result, err := s.db.ExecContext(ctx, query, folderID, uid)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
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

	query := fmt.Sprintf(`DELETE FROM %s WHERE folder_id = $1 AND uid = ANY($2)`, s.opts.table)
	if _, err := s.db.ExecContext(ctx, query, folderID, pq.Array(uids)); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// BulkRead streams the folder's rows in uid order.
func (s *Store) BulkRead(ctx context.Context, folderID string, fn func(*store.Row) bool) error {
	if err := s.check(folderID); err != nil {
		return err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE folder_id = $1 ORDER BY uid`, recordColumns, s.opts.table)
	rows, err := s.db.QueryxContext(ctx, query, folderID)
	if err != nil {
		return fmt.Errorf("bulk read: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec record
		if err := rows.StructScan(&rec); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		row, err := rec.toRow()
		if err != nil {
			return err
		}
		if !fn(row) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}
	return nil
}

func (s *Store) ReadFlags(ctx context.Context, folderID string) (map[string]uint32, error) {
	if err := s.check(folderID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT uid, flags FROM %s WHERE folder_id = $1`, s.opts.table)
	rows, err := s.db.QueryContext(ctx, query, folderID)
	if err != nil {
		return nil, fmt.Errorf("read flags: %w", err)
	}
	defer rows.Close()

	flags := make(map[string]uint32)
	for rows.Next() {
		var uid string
		var f int64
		if err := rows.Scan(&uid, &f); err != nil {
			return nil, fmt.Errorf("scan flags: %w", err)
		}
		flags[uid] = uint32(f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flags: %w", err)
	}
	return flags, nil
}

// CountMatching counts rows with a bitwise predicate on the flags column.
func (s *Store) CountMatching(ctx context.Context, folderID string, match store.FlagMatch) (uint32, error) {
	if err := s.check(folderID); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE folder_id = $1 AND (flags & $2) = $2 AND (flags & $3) = 0
	`, s.opts.table)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, folderID, int64(match.Set), int64(match.Clear)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return uint32(n), nil
}

// withTx runs fn in a transaction, committing on success.
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
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
