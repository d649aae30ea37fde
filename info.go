package summary

import (
	"slices"
	"sync"
	"sync/atomic"
	"weak"
)

// HeaderField is one raw header retained on a record.
type HeaderField struct {
	Name  string
	Value string
}

// MessageInfo is the cached metadata record of one message.
//
// Every field is guarded by a lock private to the record, so reading one
// record never contends with mutating another. A record belongs to at most
// one Summary; it refers to it through a weak pointer only.
//
// Setters report whether the value changed. A change marks the record dirty
// and touches the owning summary. Flag, user flag and user tag changes also
// set FlagFolderFlagged and are reflected in the summary's flag map and
// counters.
type MessageInfo struct {
	mu    sync.Mutex
	refs  atomic.Int32
	owner weak.Pointer[Summary]

	uid          string
	flags        Flags
	subject      string
	from         string
	to           string
	cc           string
	mlist        string
	size         uint32
	dateSent     int64
	dateReceived int64
	messageID    uint64
	references   []uint64
	userFlags    NamedFlags
	userTags     TagMap
	userHeaders  TagMap
	headers      []HeaderField
	preview      string
	ext          []byte

	dirty              bool
	generation         uint64
	folderFlaggedStamp uint32
	frozen             int
}

// NewMessageInfo returns an empty, unowned record. The record starts with
// one pin that belongs to the caller: once added to a summary it stays
// loaded until the caller calls Release.
func NewMessageInfo() *MessageInfo {
	mi := &MessageInfo{}
	mi.refs.Store(1)
	return mi
}

// Ref pins the record. A pinned record is never evicted from the cache.
func (mi *MessageInfo) Ref() *MessageInfo {
	mi.refs.Add(1)
	return mi
}

// Release drops a pin taken by Ref or returned by Summary.Get.
func (mi *MessageInfo) Release() {
	if mi.refs.Add(-1) < 0 {
		mi.refs.Store(0)
	}
}

// Refs returns the number of pins, including the cache's own.
func (mi *MessageInfo) Refs() int32 {
	return mi.refs.Load()
}

// Summary returns the owning summary, or nil.
func (mi *MessageInfo) Summary() *Summary {
	return mi.owner.Value()
}

// FreezeNotifications stops setters from marking the record dirty and from
// emitting change notifications until ThawNotifications is called.
// Flag changes still reach the summary's flag map.
func (mi *MessageInfo) FreezeNotifications() {
	mi.mu.Lock()
	mi.frozen++
	mi.mu.Unlock()
}

// ThawNotifications undoes one FreezeNotifications.
func (mi *MessageInfo) ThawNotifications() {
	mi.mu.Lock()
	if mi.frozen > 0 {
		mi.frozen--
	}
	mi.mu.Unlock()
}

// Clone returns an unowned deep copy holding one pin for the caller, like
// NewMessageInfo.
func (mi *MessageInfo) Clone() *MessageInfo {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	c := &MessageInfo{
		uid:          mi.uid,
		flags:        mi.flags,
		subject:      mi.subject,
		from:         mi.from,
		to:           mi.to,
		cc:           mi.cc,
		mlist:        mi.mlist,
		size:         mi.size,
		dateSent:     mi.dateSent,
		dateReceived: mi.dateReceived,
		messageID:    mi.messageID,
		references:   slices.Clone(mi.references),
		userFlags:    mi.userFlags.Clone(),
		userTags:     mi.userTags.Clone(),
		userHeaders:  mi.userHeaders.Clone(),
		headers:      slices.Clone(mi.headers),
		preview:      mi.preview,
		ext:          slices.Clone(mi.ext),
		dirty:        mi.dirty,
	}
	c.refs.Store(1)
	return c
}

// change runs fn under the record lock and, if it reports a change, marks
// the record dirty and tells the owner. folderFlagged also sets
// FlagFolderFlagged. syncFlags pushes the new flags to the summary.
func (mi *MessageInfo) change(folderFlagged, syncFlags bool, fn func() bool) bool {
	mi.mu.Lock()
	changed := fn()
	notify := changed && mi.frozen == 0
	if notify {
		mi.dirty = true
		mi.generation++
		if folderFlagged {
			if mi.flags&FlagFolderFlagged == 0 {
				mi.flags |= FlagFolderFlagged
				syncFlags = true
			}
			mi.folderFlaggedStamp++
		}
	}
	mi.mu.Unlock()

	if !changed {
		return false
	}
	if s := mi.owner.Value(); s != nil {
		s.infoChanged(mi, syncFlags, notify)
	}
	return true
}

// UID returns the record's UID, or "" before it is assigned.
func (mi *MessageInfo) UID() string {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.uid
}

// SetUID sets the UID of a record that does not belong to a summary yet.
// It returns false for an owned record, whose UID is immutable.
func (mi *MessageInfo) SetUID(uid string) bool {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if mi.owner.Value() != nil || mi.uid == uid {
		return false
	}
	mi.uid = uid
	return true
}

// Flags returns the system flags.
func (mi *MessageInfo) Flags() Flags {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.flags
}

// SetFlags replaces the bits in mask with the bits of set.
func (mi *MessageInfo) SetFlags(mask, set Flags) bool {
	return mi.change(mask&FlagFolderFlagged == 0, true, func() bool {
		next := (mi.flags &^ mask) | (set & mask)
		if next == mi.flags {
			return false
		}
		mi.flags = next
		return true
	})
}

// FolderFlagged reports whether FlagFolderFlagged is set.
func (mi *MessageInfo) FolderFlagged() bool {
	return mi.Flags()&FlagFolderFlagged != 0
}

// SetFolderFlagged sets or clears FlagFolderFlagged.
func (mi *MessageInfo) SetFolderFlagged(on bool) bool {
	var set Flags
	if on {
		set = FlagFolderFlagged
		mi.mu.Lock()
		mi.folderFlaggedStamp++
		mi.mu.Unlock()
	}
	return mi.SetFlags(FlagFolderFlagged, set)
}

// FolderFlaggedStamp changes every time the record is marked folder-flagged,
// even if it already was.
func (mi *MessageInfo) FolderFlaggedStamp() uint32 {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.folderFlaggedStamp
}

// Dirty reports whether the record differs from its persisted row.
func (mi *MessageInfo) Dirty() bool {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.dirty
}

// SetDirty marks the record dirty or clean. Marking it dirty touches the summary.
func (mi *MessageInfo) SetDirty(dirty bool) bool {
	mi.mu.Lock()
	if mi.dirty == dirty {
		mi.mu.Unlock()
		return false
	}
	mi.dirty = dirty
	if dirty {
		mi.generation++
	}
	mi.mu.Unlock()
	if dirty {
		if s := mi.owner.Value(); s != nil {
			s.Touch()
		}
	}
	return true
}

// markSaved clears the dirty flag if the record has not changed since gen.
func (mi *MessageInfo) markSaved(gen uint64) {
	mi.mu.Lock()
	if mi.generation == gen {
		mi.dirty = false
	}
	mi.mu.Unlock()
}

// UserFlag reports whether the named user flag is set.
func (mi *MessageInfo) UserFlag(name string) bool {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.userFlags.Contains(name)
}

// UserFlags returns the set user flags in insertion order.
func (mi *MessageInfo) UserFlags() []string {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.userFlags.Names()
}

// SetUserFlag sets or clears a user flag.
func (mi *MessageInfo) SetUserFlag(name string, state bool) bool {
	return mi.change(true, false, func() bool {
		if state {
			return mi.userFlags.Insert(name)
		}
		return mi.userFlags.Remove(name)
	})
}

// SetUserFlags replaces every user flag.
func (mi *MessageInfo) SetUserFlags(names []string) bool {
	return mi.change(true, false, func() bool {
		next := NewNamedFlags(names...)
		if mi.userFlags.Equal(&next) {
			return false
		}
		mi.userFlags = next
		return true
	})
}

// UserTag returns the value of a user tag, or "".
func (mi *MessageInfo) UserTag(name string) string {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	v, _ := mi.userTags.Get(name)
	return v
}

// UserTags returns every user tag in insertion order.
func (mi *MessageInfo) UserTags() []Tag {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.userTags.Tags()
}

// SetUserTag sets a user tag; an empty value removes it.
func (mi *MessageInfo) SetUserTag(name, value string) bool {
	return mi.change(true, false, func() bool {
		return mi.userTags.Set(name, value)
	})
}

// SetUserTags replaces every user tag.
func (mi *MessageInfo) SetUserTags(tags []Tag) bool {
	return mi.change(true, false, func() bool {
		next := NewTagMap(tags...)
		if mi.userTags.Equal(&next) {
			return false
		}
		mi.userTags = next
		return true
	})
}

// UserHeader returns a header copied by WithUserHeaders, or "".
func (mi *MessageInfo) UserHeader(name string) string {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	v, _ := mi.userHeaders.Get(name)
	return v
}

// UserHeaders returns every copied user header.
func (mi *MessageInfo) UserHeaders() []Tag {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.userHeaders.Tags()
}

// SetUserHeader sets a copied user header; an empty value removes it.
func (mi *MessageInfo) SetUserHeader(name, value string) bool {
	return mi.change(false, false, func() bool {
		return mi.userHeaders.Set(name, value)
	})
}

// Headers returns the retained raw headers, or nil if the folder does not
// retain them.
func (mi *MessageInfo) Headers() []HeaderField {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return slices.Clone(mi.headers)
}

// SetHeaders replaces the retained raw headers.
func (mi *MessageInfo) SetHeaders(headers []HeaderField) bool {
	return mi.change(false, false, func() bool {
		if slices.Equal(mi.headers, headers) {
			return false
		}
		mi.headers = slices.Clone(headers)
		return true
	})
}

// Subject returns the decoded subject.
func (mi *MessageInfo) Subject() string {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.subject
}

// SetSubject sets the subject.
func (mi *MessageInfo) SetSubject(v string) bool {
	return mi.change(false, false, func() bool { return setString(&mi.subject, v) })
}

// From returns the decoded sender address list.
func (mi *MessageInfo) From() string {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.from
}

// SetFrom sets the sender.
func (mi *MessageInfo) SetFrom(v string) bool {
	return mi.change(false, false, func() bool { return setString(&mi.from, v) })
}

// To returns the decoded To recipients.
func (mi *MessageInfo) To() string {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.to
}

// SetTo sets the To recipients.
func (mi *MessageInfo) SetTo(v string) bool {
	return mi.change(false, false, func() bool { return setString(&mi.to, v) })
}

// Cc returns the decoded Cc recipients.
func (mi *MessageInfo) Cc() string {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.cc
}

// SetCc sets the Cc recipients.
func (mi *MessageInfo) SetCc(v string) bool {
	return mi.change(false, false, func() bool { return setString(&mi.cc, v) })
}

// MailingList returns the detected mailing list, or "".
func (mi *MessageInfo) MailingList() string {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.mlist
}

// SetMailingList sets the mailing list.
func (mi *MessageInfo) SetMailingList(v string) bool {
	return mi.change(false, false, func() bool { return setString(&mi.mlist, v) })
}

// Size returns the message size in bytes.
func (mi *MessageInfo) Size() uint32 {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.size
}

// SetSize sets the message size.
func (mi *MessageInfo) SetSize(v uint32) bool {
	return mi.change(false, false, func() bool { return setValue(&mi.size, v) })
}

// DateSent returns the sent date as Unix seconds.
func (mi *MessageInfo) DateSent() int64 {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.dateSent
}

// SetDateSent sets the sent date, in Unix seconds.
func (mi *MessageInfo) SetDateSent(v int64) bool {
	return mi.change(false, false, func() bool { return setValue(&mi.dateSent, v) })
}

// DateReceived returns the received date as Unix seconds, or 0 if unknown.
func (mi *MessageInfo) DateReceived() int64 {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.dateReceived
}

// SetDateReceived sets the received date, in Unix seconds.
func (mi *MessageInfo) SetDateReceived(v int64) bool {
	return mi.change(false, false, func() bool { return setValue(&mi.dateReceived, v) })
}

// MessageID returns the hash of the Message-ID header.
func (mi *MessageInfo) MessageID() uint64 {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.messageID
}

// SetMessageID sets the Message-ID hash.
func (mi *MessageInfo) SetMessageID(v uint64) bool {
	return mi.change(false, false, func() bool { return setValue(&mi.messageID, v) })
}

// References returns the ancestor hashes, parent first.
func (mi *MessageInfo) References() []uint64 {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return slices.Clone(mi.references)
}

// SetReferences replaces the ancestor hashes.
func (mi *MessageInfo) SetReferences(refs []uint64) bool {
	return mi.change(false, false, func() bool {
		if slices.Equal(mi.references, refs) {
			return false
		}
		mi.references = slices.Clone(refs)
		return true
	})
}

// Preview returns the body preview, or "".
func (mi *MessageInfo) Preview() string {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.preview
}

// SetPreview sets the body preview.
func (mi *MessageInfo) SetPreview(v string) bool {
	return mi.change(false, false, func() bool { return setString(&mi.preview, v) })
}

// Extension returns the provider payload attached to the record.
func (mi *MessageInfo) Extension() []byte {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return slices.Clone(mi.ext)
}

// SetExtension replaces the provider payload.
func (mi *MessageInfo) SetExtension(b []byte) bool {
	return mi.change(false, false, func() bool {
		if slices.Equal(mi.ext, b) {
			return false
		}
		mi.ext = slices.Clone(b)
		return true
	})
}

func setString(dst *string, v string) bool {
	if *dst == v {
		return false
	}
	*dst = v
	return true
}

func setValue[T comparable](dst *T, v T) bool {
	if *dst == v {
		return false
	}
	*dst = v
	return true
}
