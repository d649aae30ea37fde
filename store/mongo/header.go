package mongo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/rbaliyan/summary/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

type headerDoc struct {
	FolderID       string `bson:"_id"`
	Version        int64  `bson:"version"`
	NextUID        int64  `bson:"next_uid"`
	Timestamp      int64  `bson:"timestamp"`
	Flags          int64  `bson:"flags"`
	Saved          int64  `bson:"saved"`
	Unread         int64  `bson:"unread"`
	Deleted        int64  `bson:"deleted"`
	Junk           int64  `bson:"junk"`
	Visible        int64  `bson:"visible"`
	JunkNotDeleted int64  `bson:"junk_not_deleted"`
}

func (s *Store) ReadHeader(ctx context.Context, folderID string) (*store.HeaderRow, error) {
	if err := s.check(folderID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc headerDoc
	if err := s.headers.FindOne(ctx, bson.M{"_id": folderID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find header: %w", err)
	}
	return &store.HeaderRow{
		Version:        uint32(doc.Version),
		NextUID:        uint32(doc.NextUID),
		Timestamp:      doc.Timestamp,
		Flags:          uint32(doc.Flags),
		Saved:          uint32(doc.Saved),
		Unread:         uint32(doc.Unread),
		Deleted:        uint32(doc.Deleted),
		Junk:           uint32(doc.Junk),
		Visible:        uint32(doc.Visible),
		JunkNotDeleted: uint32(doc.JunkNotDeleted),
	}, nil
}

func (s *Store) WriteHeader(ctx context.Context, folderID string, header *store.HeaderRow) error {
	if err := s.check(folderID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	doc := headerDoc{
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
	_, err := s.headers.ReplaceOne(ctx, bson.M{"_id": folderID}, doc, mongoopts.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace header: %w", err)
	}
	return nil
}

// ClearFolder removes the folder's records and header, in a transaction
// when the deployment supports one.
func (s *Store) ClearFolder(ctx context.Context, folderID string) error {
	if err := s.check(folderID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	return s.withTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.collection.DeleteMany(ctx, bson.M{"folder_id": folderID}); err != nil {
			return fmt.Errorf("clear records: %w", err)
		}
		if _, err := s.headers.DeleteOne(ctx, bson.M{"_id": folderID}); err != nil {
			return fmt.Errorf("clear header: %w", err)
		}
		return nil
	})
}

// Folders returns every folder with records or a header, sorted.
func (s *Store) Folders(ctx context.Context) ([]string, error) {
	if atomic.LoadInt32(&s.connected) == 0 {
		return nil, store.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var withRecords []string
	if err := s.collection.Distinct(ctx, "folder_id", bson.M{}).Decode(&withRecords); err != nil {
		return nil, fmt.Errorf("list record folders: %w", err)
	}
	var withHeader []string
	if err := s.headers.Distinct(ctx, "_id", bson.M{}).Decode(&withHeader); err != nil {
		return nil, fmt.Errorf("list header folders: %w", err)
	}

	ids := append(withRecords, withHeader...)
	slices.Sort(ids)
	return slices.Compact(ids), nil
}
