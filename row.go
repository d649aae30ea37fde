package summary

import (
	"bytes"
	"encoding/json"
	"slices"

	"github.com/rbaliyan/summary/store"
)

// extraMagic prefixes the JSON envelope stored in store.Row.Extra when a
// record carries a preview, user headers or retained headers. Without them
// the provider extension is stored as is.
var extraMagic = []byte("\x00sx1")

type extraEnvelope struct {
	Preview     string        `json:"p,omitempty"`
	UserHeaders []store.Tag   `json:"uh,omitempty"`
	Headers     []HeaderField `json:"h,omitempty"`
	Ext         []byte        `json:"x,omitempty"`
}

func encodeExtra(mi *MessageInfo) []byte {
	if mi.preview == "" && mi.userHeaders.Len() == 0 && len(mi.headers) == 0 {
		return slices.Clone(mi.ext)
	}
	env := extraEnvelope{
		Preview:     mi.preview,
		UserHeaders: toStoreTags(mi.userHeaders.Tags()),
		Headers:     mi.headers,
		Ext:         mi.ext,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return slices.Clone(mi.ext)
	}
	return append(slices.Clone(extraMagic), b...)
}

func decodeExtra(mi *MessageInfo, extra []byte) {
	if !bytes.HasPrefix(extra, extraMagic) {
		mi.ext = slices.Clone(extra)
		return
	}
	var env extraEnvelope
	if err := json.Unmarshal(extra[len(extraMagic):], &env); err != nil {
		mi.ext = slices.Clone(extra)
		return
	}
	mi.preview = env.Preview
	mi.userHeaders = NewTagMap(fromStoreTags(env.UserHeaders)...)
	mi.headers = env.Headers
	mi.ext = env.Ext
}

func toStoreTags(tags []Tag) []store.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]store.Tag, len(tags))
	for i, t := range tags {
		out[i] = store.Tag{Name: t.Name, Value: t.Value}
	}
	return out
}

func fromStoreTags(tags []store.Tag) []Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]Tag, len(tags))
	for i, t := range tags {
		out[i] = Tag{Name: t.Name, Value: t.Value}
	}
	return out
}

// NewInfoFromRow builds a clean, unowned record from a persisted row.
func NewInfoFromRow(row *store.Row) *MessageInfo {
	mi := &MessageInfo{
		uid:          row.UID,
		flags:        Flags(row.Flags),
		subject:      row.Subject,
		from:         row.From,
		to:           row.To,
		cc:           row.Cc,
		mlist:        row.MailingList,
		size:         row.Size,
		dateSent:     row.DateSent,
		dateReceived: row.DateReceived,
		messageID:    row.MessageIDHash,
		references:   slices.Clone(row.References),
		userFlags:    NewNamedFlags(row.UserFlags...),
		userTags:     NewTagMap(fromStoreTags(row.UserTags)...),
	}
	decodeExtra(mi, row.Extra)
	return mi
}

// Row returns the persisted form of the record.
func (mi *MessageInfo) Row() *store.Row {
	row, _ := mi.rowWithGeneration()
	return row
}

func (mi *MessageInfo) rowWithGeneration() (*store.Row, uint64) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return &store.Row{
		UID:           mi.uid,
		Flags:         uint32(mi.flags),
		Subject:       mi.subject,
		From:          mi.from,
		To:            mi.to,
		Cc:            mi.cc,
		MailingList:   mi.mlist,
		Size:          mi.size,
		DateSent:      mi.dateSent,
		DateReceived:  mi.dateReceived,
		MessageIDHash: mi.messageID,
		References:    slices.Clone(mi.references),
		UserFlags:     mi.userFlags.Names(),
		UserTags:      toStoreTags(mi.userTags.Tags()),
		Extra:         encodeExtra(mi),
	}, mi.generation
}
