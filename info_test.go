package summary

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMessageInfoSetters(t *testing.T) {
	mi := NewMessageInfo()

	if !mi.SetSubject("hello") {
		t.Error("first SetSubject reported no change")
	}
	if mi.SetSubject("hello") {
		t.Error("same value reported a change")
	}
	if !mi.Dirty() {
		t.Error("a changed record should be dirty")
	}
	if mi.FolderFlagged() {
		t.Error("a subject change must not folder-flag the record")
	}

	mi.SetDirty(false)
	stamp := mi.FolderFlaggedStamp()
	if !mi.SetUserTag("label", "red") {
		t.Error("SetUserTag reported no change")
	}
	if !mi.FolderFlagged() || mi.FolderFlaggedStamp() == stamp {
		t.Error("a user tag change should folder-flag the record")
	}
	if got := mi.UserTag("label"); got != "red" {
		t.Errorf("expected red, got %q", got)
	}
	if !mi.SetUserTag("label", "") || mi.UserTag("label") != "" {
		t.Error("an empty value should remove the tag")
	}

	if !mi.SetUserFlags([]string{"a", "b"}) || mi.SetUserFlags([]string{"b", "a"}) {
		t.Error("user flags compare as a set")
	}
	if !mi.SetUserTags([]Tag{{Name: "x", Value: "1"}}) {
		t.Error("SetUserTags reported no change")
	}
}

func TestMessageInfoGeneration(t *testing.T) {
	mi := NewMessageInfo()
	mi.SetSubject("one")

	_, gen := mi.rowWithGeneration()
	mi.SetSubject("two")
	mi.markSaved(gen)
	if !mi.Dirty() {
		t.Error("a record changed after the snapshot must stay dirty")
	}

	_, gen = mi.rowWithGeneration()
	mi.markSaved(gen)
	if mi.Dirty() {
		t.Error("an unchanged record should be clean after markSaved")
	}
}

func TestMessageInfoFreeze(t *testing.T) {
	mi := NewMessageInfo()
	mi.FreezeNotifications()
	mi.FreezeNotifications()
	mi.SetSubject("quiet")
	mi.ThawNotifications()
	mi.SetPreview("still quiet")

	if mi.Dirty() {
		t.Error("a frozen record must not become dirty")
	}
	if mi.Subject() != "quiet" || mi.Preview() != "still quiet" {
		t.Error("values should change while frozen")
	}

	mi.ThawNotifications()
	mi.ThawNotifications()
	mi.SetSubject("loud")
	if !mi.Dirty() {
		t.Error("a thawed record should become dirty")
	}
}

func TestMessageInfoClone(t *testing.T) {
	s, _ := newTestSummary(t)
	mi := NewMessageInfo()
	mi.SetSubject("original")
	mi.SetReferences([]uint64{1, 2})
	mi.SetUserFlag("work", true)
	if err := s.Add(mi, false); err != nil {
		t.Fatalf("Add: %v", err)
	}

	c := mi.Clone()
	if c.Summary() != nil || c.Refs() != 1 {
		t.Error("a clone is unowned and pinned once for the caller")
	}
	if diff := cmp.Diff(mi.Row(), c.Row()); diff != "" {
		t.Errorf("clone mismatch (-orig +clone):\n%s", diff)
	}

	c.SetSubject("changed")
	c.SetUserFlag("home", true)
	if mi.Subject() != "original" || mi.UserFlag("home") {
		t.Error("changing the clone changed the original")
	}
}

func TestMessageInfoUID(t *testing.T) {
	s, _ := newTestSummary(t)
	mi := NewMessageInfo()
	if !mi.SetUID("42") || mi.UID() != "42" {
		t.Fatal("an unowned record accepts a uid")
	}
	if err := s.Add(mi, true); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if mi.SetUID("43") || mi.UID() != "42" {
		t.Error("an owned record must keep its uid")
	}
	if mi.Summary() != s {
		t.Error("owner not set")
	}
	if err := s.Remove(context.Background(), "42"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !mi.SetUID("43") {
		t.Error("a removed record is unowned again")
	}
}

func TestMessageInfoRefs(t *testing.T) {
	mi := NewMessageInfo()
	if mi.Refs() != 1 {
		t.Fatalf("a new record holds the caller's pin, got %d", mi.Refs())
	}
	mi.Ref().Ref()
	if mi.Refs() != 3 {
		t.Errorf("expected 3 refs, got %d", mi.Refs())
	}
	for range 4 {
		mi.Release()
	}
	if mi.Refs() != 0 {
		t.Errorf("refs must not go negative, got %d", mi.Refs())
	}
}
