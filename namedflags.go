package summary

import (
	"slices"
)

// NamedFlags is an ordered set of user flag names.
// The zero value is an empty set. Not safe for concurrent use; a MessageInfo
// guards its own copy.
type NamedFlags struct {
	names []string
}

// NewNamedFlags returns a set holding names, without duplicates.
func NewNamedFlags(names ...string) NamedFlags {
	var nf NamedFlags
	for _, n := range names {
		nf.Insert(n)
	}
	return nf
}

// Len returns the number of names.
func (nf *NamedFlags) Len() int {
	return len(nf.names)
}

// Contains reports whether name is in the set.
func (nf *NamedFlags) Contains(name string) bool {
	return slices.Contains(nf.names, name)
}

// Insert adds name and reports whether the set changed.
func (nf *NamedFlags) Insert(name string) bool {
	if name == "" || nf.Contains(name) {
		return false
	}
	nf.names = append(nf.names, name)
	return true
}

// Remove deletes name and reports whether the set changed.
func (nf *NamedFlags) Remove(name string) bool {
	i := slices.Index(nf.names, name)
	if i < 0 {
		return false
	}
	nf.names = slices.Delete(nf.names, i, i+1)
	return true
}

// Clear removes every name.
func (nf *NamedFlags) Clear() {
	nf.names = nil
}

// Names returns a copy of the names in insertion order.
func (nf *NamedFlags) Names() []string {
	return slices.Clone(nf.names)
}

// Equal reports whether both sets hold the same names, ignoring order.
func (nf *NamedFlags) Equal(other *NamedFlags) bool {
	if nf.Len() != other.Len() {
		return false
	}
	for _, n := range nf.names {
		if !other.Contains(n) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (nf *NamedFlags) Clone() NamedFlags {
	return NamedFlags{names: slices.Clone(nf.names)}
}

// Tag is a name/value pair held in a TagMap.
type Tag struct {
	Name  string
	Value string
}

// TagMap is an ordered name to value map used for user tags and user headers.
// Setting an empty value removes the tag.
type TagMap struct {
	tags []Tag
}

// NewTagMap returns a map holding tags; later duplicates override earlier ones.
func NewTagMap(tags ...Tag) TagMap {
	var tm TagMap
	for _, t := range tags {
		tm.Set(t.Name, t.Value)
	}
	return tm
}

// Len returns the number of tags.
func (tm *TagMap) Len() int {
	return len(tm.tags)
}

func (tm *TagMap) index(name string) int {
	return slices.IndexFunc(tm.tags, func(t Tag) bool { return t.Name == name })
}

// Get returns the value of a tag.
func (tm *TagMap) Get(name string) (string, bool) {
	if i := tm.index(name); i >= 0 {
		return tm.tags[i].Value, true
	}
	return "", false
}

// Set stores value under name and reports whether the map changed.
// An empty value removes the tag.
func (tm *TagMap) Set(name, value string) bool {
	if name == "" {
		return false
	}
	i := tm.index(name)
	if value == "" {
		if i < 0 {
			return false
		}
		tm.tags = slices.Delete(tm.tags, i, i+1)
		return true
	}
	if i >= 0 {
		if tm.tags[i].Value == value {
			return false
		}
		tm.tags[i].Value = value
		return true
	}
	tm.tags = append(tm.tags, Tag{Name: name, Value: value})
	return true
}

// Remove deletes a tag and reports whether the map changed.
func (tm *TagMap) Remove(name string) bool {
	return tm.Set(name, "")
}

// Clear removes every tag.
func (tm *TagMap) Clear() {
	tm.tags = nil
}

// Tags returns a copy of the tags in insertion order.
func (tm *TagMap) Tags() []Tag {
	return slices.Clone(tm.tags)
}

// Map returns the tags as a plain map.
func (tm *TagMap) Map() map[string]string {
	m := make(map[string]string, len(tm.tags))
	for _, t := range tm.tags {
		m[t.Name] = t.Value
	}
	return m
}

// Equal reports whether both maps hold the same tags, ignoring order.
func (tm *TagMap) Equal(other *TagMap) bool {
	if tm.Len() != other.Len() {
		return false
	}
	for _, t := range tm.tags {
		if v, ok := other.Get(t.Name); !ok || v != t.Value {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (tm *TagMap) Clone() TagMap {
	return TagMap{tags: slices.Clone(tm.tags)}
}
