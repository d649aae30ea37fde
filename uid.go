package summary

import (
	"cmp"
	"strconv"
	"strings"
)

// assignUIDLocked gives mi a UID that no other record of the summary uses.
// A record without a UID gets the next sequential one. A UID that already
// names another record is regenerated and the record is marked
// folder-flagged. It returns false if mi is already the loaded record for
// its UID, which makes the insertion a no-op.
//
// Caller must hold s.mu and mi.mu.
func (s *Summary) assignUIDLocked(mi *MessageInfo) bool {
	if mi.uid == "" {
		mi.uid = s.formatUIDLocked()
	}
	for {
		if cur, ok := s.loaded[mi.uid]; ok && cur == mi {
			return false
		}
		if _, taken := s.flags[mi.uid]; !taken {
			return true
		}
		s.logger.Debug("uid already in use, assigning a new one", "uid", mi.uid)
		mi.uid = s.formatUIDLocked()
		mi.flags |= FlagFolderFlagged
	}
}

func (s *Summary) formatUIDLocked() string {
	return strconv.FormatUint(uint64(s.nextUIDLocked()), 10)
}

// compareUID orders numeric UIDs numerically and everything else
// lexically, numeric first.
func compareUID(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return cmp.Compare(na, nb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}
