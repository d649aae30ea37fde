package summary

import (
	"fmt"

	"github.com/rbaliyan/summary/store"
)

// Role describes how a folder treats deleted and junk messages.
type Role int

const (
	// RoleNormal is any folder that is neither trash nor junk.
	RoleNormal Role = iota
	// RoleTrash is the home folder of deleted messages.
	RoleTrash
	// RoleJunk is the home folder of junk messages.
	RoleJunk
)

func (r Role) String() string {
	switch r {
	case RoleNormal:
		return "normal"
	case RoleTrash:
		return "trash"
	case RoleJunk:
		return "junk"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Counters is a snapshot of the aggregate folder counts.
type Counters struct {
	Saved          uint32
	Unread         uint32
	Deleted        uint32
	Junk           uint32
	JunkNotDeleted uint32
	Visible        uint32
}

// counts reports which buckets a record with flags falls into.
// A deleted message only counts as unread inside trash; junk never hides
// a message from the unread count.
func counts(flags Flags, role Role) (unread, deleted, junk, junkNotDeleted, visible bool) {
	isDeleted := flags&FlagDeleted != 0
	isJunk := flags&FlagJunk != 0

	unread = flags&FlagSeen == 0 && (!isDeleted || role == RoleTrash)
	deleted = isDeleted
	junk = isJunk
	junkNotDeleted = isJunk && !isDeleted
	visible = !isJunk && !isDeleted
	return
}

// matches returns the store-side predicates equivalent to counts.
func matches(role Role) map[store.CountKind]store.FlagMatch {
	unread := store.FlagMatch{Clear: uint32(FlagSeen | FlagDeleted)}
	if role == RoleTrash {
		unread = store.FlagMatch{Clear: uint32(FlagSeen)}
	}
	return map[store.CountKind]store.FlagMatch{
		store.CountTotal:          {},
		store.CountUnread:         unread,
		store.CountDeleted:        {Set: uint32(FlagDeleted)},
		store.CountJunk:           {Set: uint32(FlagJunk)},
		store.CountJunkNotDeleted: {Set: uint32(FlagJunk), Clear: uint32(FlagDeleted)},
		store.CountVisible:        {Clear: uint32(FlagJunk | FlagDeleted)},
	}
}

// CounterSet maintains Counters incrementally from flag transitions.
// It is not safe for concurrent use; the summary lock guards it.
type CounterSet struct {
	role Role
	c    Counters
}

// NewCounterSet returns zeroed counters for a folder role.
func NewCounterSet(role Role) *CounterSet {
	return &CounterSet{role: role}
}

// Role returns the folder role.
func (cs *CounterSet) Role() Role {
	return cs.role
}

// Snapshot returns the current counts.
func (cs *CounterSet) Snapshot() Counters {
	return cs.c
}

// Reset zeroes every counter.
func (cs *CounterSet) Reset() {
	cs.c = Counters{}
}

// Add accounts for a new record.
func (cs *CounterSet) Add(flags Flags) {
	cs.apply(flags, 1, true)
}

// Sub accounts for a removed record.
func (cs *CounterSet) Sub(flags Flags) {
	cs.apply(flags, -1, true)
}

// Replace moves a record from old to new flags without touching the total.
// It reports whether any counter changed.
func (cs *CounterSet) Replace(old, new Flags) bool {
	before := cs.c
	cs.apply(old, -1, false)
	cs.apply(new, 1, false)
	return before != cs.c
}

// Recount rebuilds the counters from the flags of every record.
func (cs *CounterSet) Recount(all map[string]Flags) {
	cs.c = Counters{}
	for _, f := range all {
		cs.Add(f)
	}
}

func (cs *CounterSet) apply(flags Flags, delta int, withTotal bool) {
	unread, deleted, junk, jnd, visible := counts(flags, cs.role)
	if unread {
		step(&cs.c.Unread, delta)
	}
	if deleted {
		step(&cs.c.Deleted, delta)
	}
	if junk {
		step(&cs.c.Junk, delta)
	}
	if jnd {
		step(&cs.c.JunkNotDeleted, delta)
	}
	if visible {
		step(&cs.c.Visible, delta)
	}
	if withTotal {
		step(&cs.c.Saved, delta)
	}
}

// step adds delta to v, never going below zero.
func step(v *uint32, delta int) {
	if delta < 0 {
		if *v > 0 {
			*v--
		}
		return
	}
	*v++
}

// Recount computes counters from scratch for flags in a folder of role.
func Recount(role Role, all map[string]Flags) Counters {
	cs := NewCounterSet(role)
	cs.Recount(all)
	return cs.Snapshot()
}
