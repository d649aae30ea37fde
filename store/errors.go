package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a record or header does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidUID is returned for an empty or malformed UID.
	ErrInvalidUID = errors.New("store: invalid uid")

	// ErrInvalidFolder is returned for an empty folder ID.
	ErrInvalidFolder = errors.New("store: invalid folder id")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrTransactionFailed is returned when a database transaction fails.
	// No row of the transaction was written.
	ErrTransactionFailed = errors.New("store: transaction failed")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalidUID(err error) bool {
	return errors.Is(err, ErrInvalidUID)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// BatchError reports the rows of a batched write that were not stored.
// Rows absent from Failed were written successfully.
type BatchError struct {
	Failed map[string]error
}

// NewBatchError returns a BatchError failing every uid with err.
func NewBatchError(uids []string, err error) *BatchError {
	be := &BatchError{Failed: make(map[string]error, len(uids))}
	for _, uid := range uids {
		be.Failed[uid] = err
	}
	return be
}

// Add records a failed row.
func (e *BatchError) Add(uid string, err error) {
	if e.Failed == nil {
		e.Failed = make(map[string]error)
	}
	e.Failed[uid] = err
}

// Len returns the number of failed rows.
func (e *BatchError) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Failed)
}

// UIDs returns the failed UIDs, sorted.
func (e *BatchError) UIDs() []string {
	uids := make([]string, 0, len(e.Failed))
	for uid := range e.Failed {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

func (e *BatchError) Error() string {
	uids := e.UIDs()
	if len(uids) == 0 {
		return "store: batch write failed"
	}
	if len(uids) > 5 {
		return fmt.Sprintf("store: %d records failed (%s, ...): %v", len(uids), strings.Join(uids[:5], ", "), e.Failed[uids[0]])
	}
	return fmt.Sprintf("store: %d records failed (%s): %v", len(uids), strings.Join(uids, ", "), e.Failed[uids[0]])
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, uid := range e.UIDs() {
		errs = append(errs, e.Failed[uid])
	}
	return errs
}

// AsBatchError extracts a *BatchError from err.
func AsBatchError(err error) (*BatchError, bool) {
	var be *BatchError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
