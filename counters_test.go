package summary

import (
	"fmt"
	"testing"

	"github.com/rbaliyan/summary/store"
)

// allFlagStates is every combination of seen, deleted and junk.
func allFlagStates() []Flags {
	var out []Flags
	for _, seen := range []Flags{0, FlagSeen} {
		for _, deleted := range []Flags{0, FlagDeleted} {
			for _, junk := range []Flags{0, FlagJunk} {
				out = append(out, seen|deleted|junk)
			}
		}
	}
	return out
}

func TestCounterTransitions(t *testing.T) {
	for _, role := range []Role{RoleNormal, RoleTrash, RoleJunk} {
		for _, from := range allFlagStates() {
			for _, to := range allFlagStates() {
				t.Run(fmt.Sprintf("%s/%v->%v", role, from, to), func(t *testing.T) {
					all := map[string]Flags{"1": from, "2": FlagSeen, "3": 0}
					cs := NewCounterSet(role)
					cs.Recount(all)

					cs.Replace(from, to)
					all["1"] = to
					if want := Recount(role, all); cs.Snapshot() != want {
						t.Errorf("want %+v, got %+v", want, cs.Snapshot())
					}
				})
			}
		}
	}
}

func TestCountsAgainstStoreMatches(t *testing.T) {
	for _, role := range []Role{RoleNormal, RoleTrash, RoleJunk} {
		m := matches(role)
		for _, f := range allFlagStates() {
			unread, deleted, junk, jnd, visible := counts(f, role)
			checks := map[store.CountKind]bool{
				store.CountTotal:          true,
				store.CountUnread:         unread,
				store.CountDeleted:        deleted,
				store.CountJunk:           junk,
				store.CountJunkNotDeleted: jnd,
				store.CountVisible:        visible,
			}
			for kind, want := range checks {
				if got := m[kind].Matches(uint32(f)); got != want {
					t.Errorf("%s %v %s: store match %v, memory %v", role, f, kind, got, want)
				}
			}
		}
	}
}

func TestCounterSemantics(t *testing.T) {
	tests := []struct {
		name  string
		role  Role
		flags Flags
		want  Counters
	}{
		{"unread", RoleNormal, 0, Counters{Saved: 1, Unread: 1, Visible: 1}},
		{"seen", RoleNormal, FlagSeen, Counters{Saved: 1, Visible: 1}},
		{"deleted unread", RoleNormal, FlagDeleted, Counters{Saved: 1, Deleted: 1}},
		{"deleted unread in trash", RoleTrash, FlagDeleted, Counters{Saved: 1, Unread: 1, Deleted: 1}},
		{"junk unread", RoleNormal, FlagJunk, Counters{Saved: 1, Unread: 1, Junk: 1, JunkNotDeleted: 1}},
		{"junk deleted", RoleJunk, FlagJunk | FlagDeleted, Counters{Saved: 1, Deleted: 1, Junk: 1}},
		{"folder flagged is ignored", RoleNormal, FlagFolderFlagged | FlagSeen, Counters{Saved: 1, Visible: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := NewCounterSet(tt.role)
			cs.Add(tt.flags)
			if got := cs.Snapshot(); got != tt.want {
				t.Errorf("want %+v, got %+v", tt.want, got)
			}
			cs.Sub(tt.flags)
			if got := cs.Snapshot(); got != (Counters{}) {
				t.Errorf("Sub should undo Add, got %+v", got)
			}
		})
	}
}

func TestCounterSeenToggle(t *testing.T) {
	cs := NewCounterSet(RoleNormal)
	cs.Add(0)
	cs.Add(0)

	if !cs.Replace(0, FlagSeen) {
		t.Fatal("marking seen reported no change")
	}
	if got := cs.Snapshot().Unread; got != 1 {
		t.Errorf("expected unread 1, got %d", got)
	}
	if !cs.Replace(FlagSeen, 0) {
		t.Fatal("marking unseen reported no change")
	}
	if got := cs.Snapshot().Unread; got != 2 {
		t.Errorf("expected unread 2, got %d", got)
	}
	if cs.Replace(FlagSeen, FlagSeen|FlagAnswered) {
		t.Error("answered does not move any counter")
	}
}

func TestCounterClamp(t *testing.T) {
	cs := NewCounterSet(RoleNormal)
	cs.Sub(0)
	cs.Replace(0, FlagSeen)
	want := Counters{Visible: 1}
	if got := cs.Snapshot(); got != want {
		t.Errorf("counters must not wrap below zero: want %+v, got %+v", want, got)
	}
}

func TestRoleString(t *testing.T) {
	tests := map[Role]string{
		RoleNormal: "normal",
		RoleTrash:  "trash",
		RoleJunk:   "junk",
		Role(9):    "role(9)",
	}
	for role, want := range tests {
		if got := role.String(); got != want {
			t.Errorf("Role(%d).String() = %q, want %q", int(role), got, want)
		}
	}
}
