package summary

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNamedFlags(t *testing.T) {
	nf := NewNamedFlags("b", "a", "b", "")
	if diff := cmp.Diff([]string{"b", "a"}, nf.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if nf.Insert("a") {
		t.Error("duplicate insert reported a change")
	}
	if !nf.Remove("b") || nf.Remove("b") {
		t.Error("Remove should report a change only once")
	}

	other := NewNamedFlags("a")
	if !nf.Equal(&other) {
		t.Error("expected equal sets")
	}
	c := nf.Clone()
	c.Insert("z")
	if nf.Contains("z") {
		t.Error("clone shares storage with the original")
	}
	nf.Clear()
	if nf.Len() != 0 {
		t.Error("Clear left names behind")
	}
}

func TestTagMap(t *testing.T) {
	tm := NewTagMap(Tag{"k", "1"}, Tag{"j", "2"}, Tag{"k", "3"})
	if diff := cmp.Diff([]Tag{{"k", "3"}, {"j", "2"}}, tm.Tags()); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if tm.Set("k", "3") {
		t.Error("same value reported a change")
	}
	if tm.Set("", "x") {
		t.Error("an empty name must be rejected")
	}
	if !tm.Remove("j") || tm.Len() != 1 {
		t.Error("Remove did not delete the tag")
	}
	if diff := cmp.Diff(map[string]string{"k": "3"}, tm.Map()); diff != "" {
		t.Errorf("map mismatch (-want +got):\n%s", diff)
	}

	other := NewTagMap(Tag{"k", "3"})
	if !tm.Equal(&other) {
		t.Error("expected equal maps")
	}
	other.Set("k", "4")
	if tm.Equal(&other) {
		t.Error("different values compared equal")
	}
}
