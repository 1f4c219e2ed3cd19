package versionstore

import (
	"context"
	"errors"
)

var ErrInvalidMutation = errors.New("invalid mutation")
var ErrUnknownVersion = errors.New("version was never committed or has been pruned")

// Row is the engine-level representation of one object at one version.
// The payload is the JSON-serialized field map.
type Row struct {
	EntityKind string
	ObjectID   string
	Payload    []byte
	Position   int
}

// RawChangeset is the engine's contribution to a diff: the ordered snapshots
// of one descriptor at the two versions being compared. The positional and
// field-level refinement happens in the ChangesetComputer.
type RawChangeset struct {
	Old []Row
	New []Row
}

// Pin is a read transaction pinned to one version. Pinned versions stay
// readable until released, independent of later commits or pruning; a Pin is
// safe to share across goroutines.
type Pin interface {
	// Version returns the pinned VersionID.
	Version() VersionID

	// Release gives the pinned version back to the engine. Idempotent.
	Release() error
}

// MutationOp discriminates the write operations an engine can apply.
type MutationOp int

const (
	// OpInsert creates a new object.
	OpInsert MutationOp = iota
	// OpUpdate replaces an existing object's payload.
	OpUpdate
	// OpDelete removes an object (and, for a list owner, its elements).
	OpDelete
	// OpListInsert appends a new element to an embedded list.
	OpListInsert
	// OpListDelete removes one element from an embedded list.
	OpListDelete
)

// Mutation is a DTO describing one write inside a commit. It should only be
// constructed with the supplied factory methods so that payloads are
// validated up front.
type Mutation struct {
	Op         MutationOp
	EntityKind string
	ObjectID   string
	Payload    []byte

	// List element placement; for OpListInsert and OpListDelete.
	OwnerKind string
	OwnerID   string
	ListField string
}

// BuildInsertMutation builds an OpInsert Mutation. Returns an error if
// entityKind or objectID is empty or payload is not valid JSON.
func BuildInsertMutation(entityKind string, objectID string, payload []byte) (Mutation, error) {
	if entityKind == "" || objectID == "" {
		return Mutation{}, ErrInvalidMutation
	}
	if !validJSON(payload) {
		return Mutation{}, ErrInvalidPayloadJSON
	}

	return Mutation{Op: OpInsert, EntityKind: entityKind, ObjectID: objectID, Payload: payload}, nil
}

// BuildUpdateMutation builds an OpUpdate Mutation replacing the object's
// whole payload.
func BuildUpdateMutation(entityKind string, objectID string, payload []byte) (Mutation, error) {
	if entityKind == "" || objectID == "" {
		return Mutation{}, ErrInvalidMutation
	}
	if !validJSON(payload) {
		return Mutation{}, ErrInvalidPayloadJSON
	}

	return Mutation{Op: OpUpdate, EntityKind: entityKind, ObjectID: objectID, Payload: payload}, nil
}

// BuildDeleteMutation builds an OpDelete Mutation.
func BuildDeleteMutation(entityKind string, objectID string) (Mutation, error) {
	if entityKind == "" || objectID == "" {
		return Mutation{}, ErrInvalidMutation
	}

	return Mutation{Op: OpDelete, EntityKind: entityKind, ObjectID: objectID}, nil
}

// BuildListInsertMutation builds an OpListInsert Mutation appending one
// element to the owner object's embedded list field.
func BuildListInsertMutation(
	ownerKind string,
	ownerID string,
	listField string,
	elementKind string,
	elementID string,
	payload []byte,
) (Mutation, error) {

	if ownerKind == "" || ownerID == "" || listField == "" || elementKind == "" || elementID == "" {
		return Mutation{}, ErrInvalidMutation
	}
	if !validJSON(payload) {
		return Mutation{}, ErrInvalidPayloadJSON
	}

	return Mutation{
		Op:         OpListInsert,
		EntityKind: elementKind,
		ObjectID:   elementID,
		Payload:    payload,
		OwnerKind:  ownerKind,
		OwnerID:    ownerID,
		ListField:  listField,
	}, nil
}

// BuildListDeleteMutation builds an OpListDelete Mutation removing one
// element from the owner object's embedded list field.
func BuildListDeleteMutation(ownerKind string, ownerID string, listField string, elementID string) (Mutation, error) {
	if ownerKind == "" || ownerID == "" || listField == "" || elementID == "" {
		return Mutation{}, ErrInvalidMutation
	}

	return Mutation{
		Op:        OpListDelete,
		ObjectID:  elementID,
		OwnerKind: ownerKind,
		OwnerID:   ownerID,
		ListField: listField,
	}, nil
}

// Engine is the storage collaborator the bridge is built on: an opaque,
// single-writer, multi-version store that can open reads pinned to a
// version, query a pinned version, report commits to registered listeners,
// and snapshot two versions for diffing.
//
// All methods must be safe for concurrent use. Version listeners are invoked
// on the committing goroutine, after the commit is visible to readers, in
// registration order; they must not block.
type Engine interface {
	// CurrentVersion returns the latest committed VersionID, or zero when
	// nothing was ever committed.
	CurrentVersion(ctx context.Context) (VersionID, error)

	// Apply atomically commits the mutations and returns the new
	// VersionID. The engine serializes concurrent Apply calls.
	Apply(ctx context.Context, mutations []Mutation) (VersionID, error)

	// OpenRead pins the given version so it stays readable until the Pin
	// is released. Fails with ErrUnknownVersion for versions that were
	// never committed or have been pruned.
	OpenRead(ctx context.Context, version VersionID) (Pin, error)

	// Query returns the ordered rows the descriptor selects at the given
	// version. It is a pure function of descriptor and version.
	Query(ctx context.Context, descriptor Descriptor, version VersionID) ([]Row, error)

	// DiffVersions returns the descriptor's ordered snapshots at the two
	// versions to be compared.
	DiffVersions(ctx context.Context, oldVersion VersionID, newVersion VersionID, descriptor Descriptor) (RawChangeset, error)

	// RegisterVersionListener registers a commit callback and returns its
	// idempotent unregister function.
	RegisterVersionListener(listener func(VersionID)) (unregister func(), err error)

	// Close releases the engine's resources. Behavior of other methods
	// after Close is undefined.
	Close() error
}
