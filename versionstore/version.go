package versionstore

import "strconv"

// VersionID is the opaque, totally ordered identifier of one committed store
// state. It is monotonically non-decreasing within a store's lifetime; two
// handles with an equal VersionID observe identical data.
//
// The zero value means "no version": it is the version of an async handle
// before its query resolves, and the baseline of a first emission that has
// nothing to diff against.
type VersionID uint64

// IsZero reports whether v is the "no version" marker.
func (v VersionID) IsZero() bool {
	return v == 0
}

// Before reports whether v was committed strictly before other.
func (v VersionID) Before(other VersionID) bool {
	return v < other
}

// After reports whether v was committed strictly after other.
func (v VersionID) After(other VersionID) bool {
	return v > other
}

// String renders the version for logging.
func (v VersionID) String() string {
	return strconv.FormatUint(uint64(v), 10)
}
