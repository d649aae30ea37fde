// Package mongo keeps folder summary records and headers in MongoDB.
//
// Each record is one document in the record collection, unique on
// (folder_id, uid). Headers are stored one document per folder, keyed by
// the folder ID. Flag counts use the $bitsAllSet and $bitsAllClear query
// operators so they are answered by the server.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/summary/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
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

// Store persists summary rows, one document per (folder, uid).
type Store struct {
	client     *mongo.Client
	db         *mongo.Database
	collection *mongo.Collection
	headers    *mongo.Collection
	opts       *options
	connected  int32
	logger     *slog.Logger
}

// New returns a store on client. Call Connect before use.
// Call Connect() to initialize the collections and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect initializes the database, collections, and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 1 {
		return store.ErrAlreadyConnected
	}

	if s.client == nil {
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.db = s.client.Database(s.opts.database)
	s.collection = s.db.Collection(s.opts.collection)
	s.headers = s.db.Collection(s.opts.headerCollection)

	if err := s.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	atomic.StoreInt32(&s.connected, 1)
	s.logger.Info("connected to MongoDB", "database", s.opts.database, "collection", s.opts.collection)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureIndexes creates the (folder_id, uid) unique index and the message-id lookup index.
func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				bson.E{Key: "folder_id", Value: 1},
				bson.E{Key: "uid", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
		{Keys: bson.D{
			bson.E{Key: "folder_id", Value: 1},
			bson.E{Key: "message_id", Value: 1},
		}},
	}

	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
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

// withTransaction runs fn inside a transaction. Deployments without
// transaction support (standalone servers) run fn directly.
func (s *Store) withTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fn(ctx)
	}
	defer session.EndSession(ctx)

	_, txErr := session.WithTransaction(ctx, func(sessCtx context.Context) (any, error) {
		return nil, fn(sessCtx)
	})
	if txErr != nil && isTransactionNotSupported(txErr) {
		s.logger.Debug("transactions not supported, running without", "error", txErr)
		return fn(ctx)
	}
	return txErr
}

// isTransactionNotSupported checks if the error indicates transactions aren't supported.
func isTransactionNotSupported(err error) bool {
	if err == nil {
		return false
	}
	// 263 is OperationNotSupportedInTransaction, 20 is IllegalOperation
	// ("Transaction numbers are only allowed on a replica set member").
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == 263 || cmdErr.Code == 20
	}
	return false
}
