package store

import (
	"fmt"
	"slices"
)

// Tag is a single user tag. Tags keep insertion order.
type Tag struct {
	Name  string `json:"name" bson:"name"`
	Value string `json:"value" bson:"value"`
}

// Row is the persisted form of one message record.
type Row struct {
	UID           string   `json:"uid"`
	Flags         uint32   `json:"flags"`
	Subject       string   `json:"subject,omitempty"`
	From          string   `json:"from,omitempty"`
	To            string   `json:"to,omitempty"`
	Cc            string   `json:"cc,omitempty"`
	MailingList   string   `json:"mlist,omitempty"`
	Size          uint32   `json:"size,omitempty"`
	DateSent      int64    `json:"dsent,omitempty"`
	DateReceived  int64    `json:"dreceived,omitempty"`
	MessageIDHash uint64   `json:"msgid,omitempty"`
	References    []uint64 `json:"refs,omitempty"`
	UserFlags     []string `json:"uflags,omitempty"`
	UserTags      []Tag    `json:"utags,omitempty"`

	// Extra is an opaque provider payload (headers, preview, backend state).
	// Its format is owned by the caller.
	Extra []byte `json:"extra,omitempty"`
}

// Clone returns a deep copy of the row.
func (r *Row) Clone() *Row {
	if r == nil {
		return nil
	}
	c := *r
	c.References = slices.Clone(r.References)
	c.UserFlags = slices.Clone(r.UserFlags)
	c.UserTags = slices.Clone(r.UserTags)
	c.Extra = slices.Clone(r.Extra)
	return &c
}

// Validate checks the row can be stored.
func (r *Row) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil row", ErrInvalidUID)
	}
	if r.UID == "" {
		return ErrInvalidUID
	}
	return nil
}

// HeaderRow is the persisted folder header.
type HeaderRow struct {
	Version        uint32 `json:"version"`
	NextUID        uint32 `json:"nextuid"`
	Timestamp      int64  `json:"time"`
	Flags          uint32 `json:"flags"`
	Saved          uint32 `json:"saved"`
	Unread         uint32 `json:"unread"`
	Deleted        uint32 `json:"deleted"`
	Junk           uint32 `json:"junk"`
	Visible        uint32 `json:"visible"`
	JunkNotDeleted uint32 `json:"jnd"`
}

// Clone returns a copy of the header.
func (h *HeaderRow) Clone() *HeaderRow {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}
