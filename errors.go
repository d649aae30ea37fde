package summary

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/summary/store"
)

// Sentinel errors for the summary package.
// Use errors.Is() to check for these errors.
var (
	// ErrNotFound is returned when a UID is unknown to the summary and its store.
	// Wraps store.ErrNotFound for consistent error checking.
	ErrNotFound = fmt.Errorf("summary: %w", store.ErrNotFound)

	// ErrInvalidArgument is returned for malformed input, such as adding a
	// record with forceKeepUID and no UID. The operation has no effect.
	ErrInvalidArgument = errors.New("summary: invalid argument")

	// ErrClosed is returned by operations on a closed summary.
	ErrClosed = errors.New("summary: closed")

	// ErrFolderRequired is returned by New when the folder ID is empty.
	ErrFolderRequired = errors.New("summary: folder id is required")
)

// SaveError reports a partially failed Save. Records that are not listed in
// Records were written and are clean; the header is marked dirty again so a
// later Save retries.
type SaveError struct {
	// Records lists rows that could not be written, or is nil.
	Records *store.BatchError
	// Header is the header write error, or nil.
	Header error
}

func (e *SaveError) Error() string {
	switch {
	case e.Records != nil && e.Header != nil:
		return fmt.Sprintf("summary: save: %d records failed: %v; header: %v", e.Records.Len(), e.Records, e.Header)
	case e.Records != nil:
		return fmt.Sprintf("summary: save: %d records failed: %v", e.Records.Len(), e.Records)
	default:
		return fmt.Sprintf("summary: save header: %v", e.Header)
	}
}

func (e *SaveError) Unwrap() []error {
	var errs []error
	if e.Records != nil {
		errs = append(errs, e.Records)
	}
	if e.Header != nil {
		errs = append(errs, e.Header)
	}
	return errs
}

// IsNotFound reports whether err is a not-found error from the summary or its store.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
