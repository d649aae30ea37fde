package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbaliyan/summary/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// recordDoc is the BSON form of a store.Row. Unsigned values are stored
// as signed integers with the same bit pattern.
type recordDoc struct {
	FolderID     string      `bson:"folder_id"`
	UID          string      `bson:"uid"`
	Flags        int64       `bson:"flags"`
	Subject      string      `bson:"subject,omitempty"`
	From         string      `bson:"from,omitempty"`
	To           string      `bson:"to,omitempty"`
	Cc           string      `bson:"cc,omitempty"`
	MailingList  string      `bson:"mailing_list,omitempty"`
	Size         int64       `bson:"size,omitempty"`
	DateSent     int64       `bson:"date_sent,omitempty"`
	DateReceived int64       `bson:"date_received,omitempty"`
	MessageID    int64       `bson:"message_id,omitempty"`
	Refs         []int64     `bson:"refs,omitempty"`
	UserFlags    []string    `bson:"user_flags,omitempty"`
	UserTags     []store.Tag `bson:"user_tags,omitempty"`
	Extra        []byte      `bson:"extra,omitempty"`
}

func toDoc(folderID string, row *store.Row) *recordDoc {
	doc := &recordDoc{
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
		UserFlags:    row.UserFlags,
		UserTags:     row.UserTags,
		Extra:        row.Extra,
	}
	if len(row.References) > 0 {
		doc.Refs = make([]int64, len(row.References))
		for i, r := range row.References {
			doc.Refs[i] = int64(r)
		}
	}
	return doc
}

func (d *recordDoc) toRow() *store.Row {
	row := &store.Row{
		UID:           d.UID,
		Flags:         uint32(d.Flags),
		Subject:       d.Subject,
		From:          d.From,
		To:            d.To,
		Cc:            d.Cc,
		MailingList:   d.MailingList,
		Size:          uint32(d.Size),
		DateSent:      d.DateSent,
		DateReceived:  d.DateReceived,
		MessageIDHash: uint64(d.MessageID),
	}
	if len(d.Refs) > 0 {
		row.References = make([]uint64, len(d.Refs))
		for i, r := range d.Refs {
			row.References[i] = uint64(r)
		}
	}
	if len(d.UserFlags) > 0 {
		row.UserFlags = d.UserFlags
	}
	if len(d.UserTags) > 0 {
		row.UserTags = d.UserTags
	}
	if len(d.Extra) > 0 {
		row.Extra = d.Extra
	}
	return row
}

func recordFilter(folderID, uid string) bson.M {
	return bson.M{"folder_id": folderID, "uid": uid}
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

	var doc recordDoc
	if err := s.collection.FindOne(ctx, recordFilter(folderID, uid)).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find record: %w", err)
	}
	return doc.toRow(), nil
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

	_, err := s.collection.ReplaceOne(ctx, recordFilter(folderID, row.UID), toDoc(folderID, row),
		mongoopts.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}

// WriteRecords upserts every row with one unordered bulk write inside a
// transaction. Without transaction support the bulk write runs alone and a
// failure still reports every row, since rewriting them is harmless.
func (s *Store) WriteRecords(ctx context.Context, folderID string, rows []*store.Row) error {
	if err := s.check(folderID); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	uids := make([]string, 0, len(rows))
	models := make([]mongo.WriteModel, 0, len(rows))
	invalid := &store.BatchError{}
	for i, row := range rows {
		if err := row.Validate(); err != nil {
			invalid.Add(fmt.Sprint(i), err)
			continue
		}
		uids = append(uids, row.UID)
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(recordFilter(folderID, row.UID)).
			SetReplacement(toDoc(folderID, row)).
			SetUpsert(true))
	}
	if invalid.Len() > 0 {
		return invalid
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	err := s.withTransaction(ctx, func(ctx context.Context) error {
		_, err := s.collection.BulkWrite(ctx, models, mongoopts.BulkWrite().SetOrdered(false))
		return err
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

	result, err := s.collection.DeleteOne(ctx, recordFilter(folderID, uid))
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if result.DeletedCount == 0 {
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

	filter := bson.M{"folder_id": folderID, "uid": bson.M{"$in": uids}}
	if _, err := s.collection.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// BulkRead streams the folder's records ordered by uid.
func (s *Store) BulkRead(ctx context.Context, folderID string, fn func(*store.Row) bool) error {
	if err := s.check(folderID); err != nil {
		return err
	}

	cursor, err := s.collection.Find(ctx, bson.M{"folder_id": folderID},
		mongoopts.Find().SetSort(bson.D{bson.E{Key: "uid", Value: 1}}))
	if err != nil {
		return fmt.Errorf("find records: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var doc recordDoc
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if !fn(doc.toRow()) {
			return nil
		}
	}
	if err := cursor.Err(); err != nil {
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

	cursor, err := s.collection.Find(ctx, bson.M{"folder_id": folderID},
		mongoopts.Find().SetProjection(bson.M{"uid": 1, "flags": 1, "_id": 0}))
	if err != nil {
		return nil, fmt.Errorf("find flags: %w", err)
	}
	defer cursor.Close(ctx)

	var results []struct {
		UID   string `bson:"uid"`
		Flags int64  `bson:"flags"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("decode flags: %w", err)
	}

	flags := make(map[string]uint32, len(results))
	for _, r := range results {
		flags[r.UID] = uint32(r.Flags)
	}
	return flags, nil
}

// CountMatching counts records using the server's bitwise query operators.
func (s *Store) CountMatching(ctx context.Context, folderID string, match store.FlagMatch) (uint32, error) {
	if err := s.check(folderID); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{"folder_id": folderID}
	bits := bson.M{}
	if match.Set != 0 {
		bits["$bitsAllSet"] = int64(match.Set)
	}
	if match.Clear != 0 {
		bits["$bitsAllClear"] = int64(match.Clear)
	}
	if len(bits) > 0 {
		filter["flags"] = bits
	}

	n, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return uint32(n), nil
}
