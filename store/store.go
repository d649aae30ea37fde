// Package store defines the persistence boundary used by a folder summary.
// Implementations are in store/memory, store/postgres, store/mongo,
// store/sqlite, store/redis and store/bolt.
//
// A backend persists two kinds of data per folder: one row per message
// (see [Row]) and a single folder header (see [HeaderRow]). Rows are keyed
// by UID and written with upsert semantics. The summary never assumes a
// particular on-disk layout.
//
// # Optional capabilities
//
// Backends may implement additional interfaces that the summary detects
// with a type assertion:
//
//   - [Counter]: answers flag-count queries directly, used when saving the header.
//   - [FlagReader]: returns the UID to flags map without decoding full rows.
//   - [BatchWriter]: writes several rows in one round trip or transaction.
//   - [FolderLister]: enumerates the folders that hold data, used by snapshots.
//
// All operations must be safe for concurrent use. The summary assumes one
// writer per folder at a time; backends do not need cross-folder locking.
package store

import "context"

// Store is the record and header persistence contract consumed by a summary.
type Store interface {
	// ReadRecord returns the row for uid, or ErrNotFound.
	ReadRecord(ctx context.Context, folderID, uid string) (*Row, error)

	// WriteRecord inserts or replaces a row.
	WriteRecord(ctx context.Context, folderID string, row *Row) error

	// DeleteRecord removes a single row. Deleting a missing row returns ErrNotFound.
	DeleteRecord(ctx context.Context, folderID, uid string) error

	// DeleteRecords removes every listed row. Missing rows are ignored.
	DeleteRecords(ctx context.Context, folderID string, uids []string) error

	// BulkRead calls fn for every row of the folder until fn returns false.
	BulkRead(ctx context.Context, folderID string, fn func(*Row) bool) error

	// ReadHeader returns the folder header, or ErrNotFound for a new folder.
	ReadHeader(ctx context.Context, folderID string) (*HeaderRow, error)

	// WriteHeader inserts or replaces the folder header.
	WriteHeader(ctx context.Context, folderID string, header *HeaderRow) error

	// ClearFolder removes every row and the header of a folder.
	ClearFolder(ctx context.Context, folderID string) error
}

// Lifecycle is implemented by backends that need explicit setup (schema,
// indexes) before use.
type Lifecycle interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
}

// FlagMatch selects rows by flag bits: every bit of Set must be present and
// every bit of Clear must be absent.
type FlagMatch struct {
	Set   uint32
	Clear uint32
}

// Matches reports whether flags satisfy the match.
func (m FlagMatch) Matches(flags uint32) bool {
	return flags&m.Set == m.Set && flags&m.Clear == 0
}

// Counter is implemented by backends that can count rows by flag bits
// without loading them.
type Counter interface {
	CountMatching(ctx context.Context, folderID string, match FlagMatch) (uint32, error)
}

// FlagReader is implemented by backends that can return the flags of every
// row of a folder cheaply.
type FlagReader interface {
	ReadFlags(ctx context.Context, folderID string) (map[string]uint32, error)
}

// BatchWriter is implemented by backends that can write several rows at once.
// A failure is reported as a *BatchError naming the rows that were not written.
type BatchWriter interface {
	WriteRecords(ctx context.Context, folderID string, rows []*Row) error
}

// FolderLister is implemented by backends that can enumerate the folders
// holding rows or a header. IDs are returned sorted.
type FolderLister interface {
	Folders(ctx context.Context) ([]string, error)
}

// CountKind names one of the aggregate folder counters.
type CountKind int

const (
	CountTotal CountKind = iota
	CountUnread
	CountDeleted
	CountJunk
	CountVisible
	CountJunkNotDeleted
)

func (k CountKind) String() string {
	switch k {
	case CountTotal:
		return "total"
	case CountUnread:
		return "unread"
	case CountDeleted:
		return "deleted"
	case CountJunk:
		return "junk"
	case CountVisible:
		return "visible"
	case CountJunkNotDeleted:
		return "junk_not_deleted"
	default:
		return "unknown"
	}
}
