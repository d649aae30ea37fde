package summary

import (
	"strings"
)

// Flags is the system flag bitset of a message record.
type Flags uint32

// System flags. The bit values are part of the persisted row format.
const (
	FlagAnswered    Flags = 1 << 0
	FlagDeleted     Flags = 1 << 1
	FlagDraft       Flags = 1 << 2
	FlagFlagged     Flags = 1 << 3
	FlagSeen        Flags = 1 << 4
	FlagAttachments Flags = 1 << 5
	FlagJunk        Flags = 1 << 7
	FlagSecure      Flags = 1 << 8
	FlagNotJunk     Flags = 1 << 9
	FlagForwarded   Flags = 1 << 10
	FlagJunkLearn   Flags = 1 << 15

	// FlagFolderFlagged marks a record with local changes not yet pushed to
	// the remote side. It is housekeeping and never counts as a flag change.
	FlagFolderFlagged Flags = 1 << 16

	// FlagUser is reserved for providers.
	FlagUser Flags = 1 << 31
)

// systemFlagNames maps flag names to bits, in display order.
var systemFlagNames = []struct {
	name string
	flag Flags
}{
	{"answered", FlagAnswered},
	{"deleted", FlagDeleted},
	{"draft", FlagDraft},
	{"flagged", FlagFlagged},
	{"seen", FlagSeen},
	{"attachments", FlagAttachments},
	{"junk", FlagJunk},
	{"notjunk", FlagNotJunk},
	{"secure", FlagSecure},
	{"forwarded", FlagForwarded},
	{"junklearn", FlagJunkLearn},
}

// SystemFlag returns the flag for a system flag name (case-insensitive),
// or 0 if the name is unknown.
func SystemFlag(name string) Flags {
	for _, f := range systemFlagNames {
		if strings.EqualFold(f.name, name) {
			return f.flag
		}
	}
	return 0
}

// Has reports whether every bit of mask is set.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

// Names returns the names of the system flags that are set.
func (f Flags) Names() []string {
	var names []string
	for _, sf := range systemFlagNames {
		if f&sf.flag != 0 {
			names = append(names, sf.name)
		}
	}
	return names
}

// String returns the set flag names joined by '|'.
func (f Flags) String() string {
	names := f.Names()
	if f&FlagFolderFlagged != 0 {
		names = append(names, "folder-flagged")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Reserved user flag names derived from message content.
const (
	UserFlagHasCalendar = "$has_cal"
	UserFlagHasNote     = "$has_note"
)
