package versionstore

import (
	"errors"
)

var ErrNilEngine = errors.New("nil engine supplied")
var ErrStoreClosed = errors.New("store is closed")
var ErrObjectNotFound = errors.New("object does not exist at the current version")
var ErrTypeMismatch = errors.New("requested entity kind does not match the handle's entity kind")
var ErrEmptyEntityKind = errors.New("empty entity kind supplied")
var ErrInvalidPayloadJSON = errors.New("payload json is not valid")
var ErrQueryingStoreFailed = errors.New("querying the store failed")
var ErrCommittingFailed = errors.New("committing the write transaction failed")
var ErrComputingChangesetFailed = errors.New("computing the changeset failed")
var ErrFreezingFailed = errors.New("freezing the handle failed")

// panicMisuse signals a contract violation that would corrupt the
// single-goroutine-confinement invariant if ignored.
func panicMisuse(msg string) {
	panic("versionstore: " + msg)
}
