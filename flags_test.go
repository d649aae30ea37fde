package summary

import (
	"testing"
)

func TestSystemFlag(t *testing.T) {
	tests := []struct {
		name string
		want Flags
	}{
		{"seen", FlagSeen},
		{"Deleted", FlagDeleted},
		{"JUNK", FlagJunk},
		{"junklearn", FlagJunkLearn},
		{"bogus", 0},
	}
	for _, tt := range tests {
		if got := SystemFlag(tt.name); got != tt.want {
			t.Errorf("SystemFlag(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFlagsString(t *testing.T) {
	tests := []struct {
		flags Flags
		want  string
	}{
		{0, "none"},
		{FlagSeen, "seen"},
		{FlagAnswered | FlagSeen, "answered|seen"},
		{FlagJunk | FlagFolderFlagged, "junk|folder-flagged"},
	}
	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("Flags(%#x).String() = %q, want %q", uint32(tt.flags), got, tt.want)
		}
	}
}

func TestFlagsHas(t *testing.T) {
	f := FlagSeen | FlagFlagged
	if !f.Has(FlagSeen) || !f.Has(FlagSeen|FlagFlagged) {
		t.Error("expected set bits to be reported")
	}
	if f.Has(FlagSeen | FlagDeleted) {
		t.Error("Has requires every bit of the mask")
	}
}
