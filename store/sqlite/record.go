package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/summary/store"
)

const recordColumns = `folder_id, uid, flags, subject, from_addr, to_addr, cc_addr, mailing_list,
	size, date_sent, date_received, message_id, refs, user_flags, user_tags, extra`

const upsertRecord = `
	INSERT INTO records (` + recordColumns + `)
	VALUES (:folder_id, :uid, :flags, :subject, :from_addr, :to_addr, :cc_addr, :mailing_list,
	        :size, :date_sent, :date_received, :message_id, :refs, :user_flags, :user_tags, :extra)
	ON CONFLICT (folder_id, uid) DO UPDATE SET
		flags = excluded.flags, subject = excluded.subject,
		from_addr = excluded.from_addr, to_addr = excluded.to_addr, cc_addr = excluded.cc_addr,
		mailing_list = excluded.mailing_list, size = excluded.size,
		date_sent = excluded.date_sent, date_received = excluded.date_received,
		message_id = excluded.message_id, refs = excluded.refs,
		user_flags = excluded.user_flags, user_tags = excluded.user_tags, extra = excluded.extra`

// record is the table form of a store.Row.
type record struct {
	FolderID     string `db:"folder_id"`
	UID          string `db:"uid"`
	Flags        int64  `db:"flags"`
	Subject      string `db:"subject"`
	From         string `db:"from_addr"`
	To           string `db:"to_addr"`
	Cc           string `db:"cc_addr"`
	MailingList  string `db:"mailing_list"`
	Size         int64  `db:"size"`
	DateSent     int64  `db:"date_sent"`
	DateReceived int64  `db:"date_received"`
	MessageID    int64  `db:"message_id"`
	Refs         string `db:"refs"`
	UserFlags    string `db:"user_flags"`
	UserTags     string `db:"user_tags"`
	Extra        []byte `db:"extra"`
}

func jsonList[T any](v []T) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parseList[T any](s string) ([]T, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var v []T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func toRecord(folderID string, row *store.Row) (*record, error) {
	rec := &record{
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
		Extra:        row.Extra,
	}
	var err error
	if rec.Refs, err = jsonList(row.References); err != nil {
		return nil, fmt.Errorf("encode references: %w", err)
	}
	if rec.UserFlags, err = jsonList(row.UserFlags); err != nil {
		return nil, fmt.Errorf("encode user flags: %w", err)
	}
	if rec.UserTags, err = jsonList(row.UserTags); err != nil {
		return nil, fmt.Errorf("encode user tags: %w", err)
	}
	return rec, nil
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
	}
	if len(r.Extra) > 0 {
		row.Extra = r.Extra
	}
	var err error
	if row.References, err = parseList[uint64](r.Refs); err != nil {
		return nil, fmt.Errorf("decode references of %s: %w", r.UID, err)
	}
	if row.UserFlags, err = parseList[string](r.UserFlags); err != nil {
		return nil, fmt.Errorf("decode user flags of %s: %w", r.UID, err)
	}
	if row.UserTags, err = parseList[store.Tag](r.UserTags); err != nil {
		return nil, fmt.Errorf("decode user tags of %s: %w", r.UID, err)
	}
	return row, nil
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

	var rec record
	err := s.db.GetContext(ctx, &rec,
		`SELECT `+recordColumns+` FROM records WHERE folder_id = ? AND uid = ?`, folderID, uid)
	if err != nil {
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

	if _, err := s.db.NamedExecContext(ctx, upsertRecord, rec); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// WriteRecords upserts every row in one transaction.
func (s *Store) WriteRecords(ctx context.Context, folderID string, rows []*store.Row) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	uids := make([]string, 0, len(rows))
	recs := make([]*record, 0, len(rows))
	invalid := &store.BatchError{}
	for i, row := range rows {
		if err := row.Validate(); err != nil {
			invalid.Add(fmt.Sprint(i), err)
			continue
		}
		rec, err := toRecord(folderID, row)
		if err != nil {
			invalid.Add(row.UID, err)
			continue
		}
		uids = append(uids, row.UID)
		recs = append(recs, rec)
	}
	if invalid.Len() > 0 {
		return invalid
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, upsertRecord)
		if err != nil {
			return err
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

	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE folder_id = ? AND uid = ?`, folderID, uid)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
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

	query, args, err := sqlx.In(`DELETE FROM records WHERE folder_id = ? AND uid IN (?)`, folderID, uids)
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// BulkRead streams the folder's rows in uid order. The rows are read
// fully before fn runs so the single pooled connection is released.
func (s *Store) BulkRead(ctx context.Context, folderID string, fn func(*store.Row) bool) error {
	if err := s.check(folderID); err != nil {
		return err
	}

	var recs []record
	err := s.db.SelectContext(ctx, &recs,
		`SELECT `+recordColumns+` FROM records WHERE folder_id = ? ORDER BY uid`, folderID)
	if err != nil {
		return fmt.Errorf("bulk read: %w", err)
	}
	for i := range recs {
		row, err := recs[i].toRow()
		if err != nil {
			return err
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

	var rows []struct {
		UID   string `db:"uid"`
		Flags int64  `db:"flags"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT uid, flags FROM records WHERE folder_id = ?`, folderID); err != nil {
		return nil, fmt.Errorf("read flags: %w", err)
	}
	flags := make(map[string]uint32, len(rows))
	for _, r := range rows {
		flags[r.UID] = uint32(r.Flags)
	}
	return flags, nil
}

func (s *Store) CountMatching(ctx context.Context, folderID string, match store.FlagMatch) (uint32, error) {
	if err := s.check(folderID); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM records
		WHERE folder_id = ? AND (flags & ?) = ? AND (flags & ?) = 0`,
		folderID, int64(match.Set), int64(match.Set), int64(match.Clear))
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return uint32(n), nil
}
