package versionstore

import (
	"context"
	"errors"
	"sync"
)

// Handle is a view over one entity, bound to a VersionID. The entity is a
// single object, an ordered query result collection, or an embedded list.
//
// A live handle is confined to its store's owning goroutine and re-resolves
// in place as the store advances version. A frozen handle is pinned to one
// version, immutable, and safe to read from any goroutine.
type Handle struct {
	store  *Store
	desc   Descriptor
	parent *Handle

	frozen bool

	// Live-handle state below is confined to the owning goroutine.
	// Frozen handles never mutate it after construction.
	version VersionID
	loaded  bool
	valid   bool
	bound   bool // object handles: a concrete object identity is bound

	object  Object
	objects []Object

	pin         Pin
	releaseOnce sync.Once
}

// Kind returns the shape of the entity this handle views.
func (h *Handle) Kind() HandleKind {
	return h.desc.Kind
}

// EntityKind returns the entity kind of the viewed object(s).
func (h *Handle) EntityKind() string {
	return h.desc.EntityKind
}

// ID returns the bound object's identity, or "" for collections and unbound
// first-match handles.
func (h *Handle) ID() string {
	return h.desc.ObjectID
}

// Version returns the VersionID the handle is currently bound to; zero while
// an async query is still outstanding.
//
// Live handles must be accessed on the owning goroutine.
func (h *Handle) Version() VersionID {
	h.assertAccess("Handle.Version")

	return h.version
}

// IsFrozen reports whether the handle is pinned to one version and detached
// from the owning goroutine.
func (h *Handle) IsFrozen() bool {
	return h.frozen
}

// IsLoaded reports whether the handle's query has completed. Synchronously
// created handles are born loaded; async handles load when their result is
// adopted by the owning goroutine.
//
// Live handles must be accessed on the owning goroutine; subscribe to
// observe an async load from elsewhere.
func (h *Handle) IsLoaded() bool {
	h.assertAccess("Handle.IsLoaded")

	return h.loaded
}

// IsValid reports whether the underlying entity still exists at the bound
// version and the owning store is open. For collections, validity tracks
// the containing object (list owner) rather than emptiness.
//
// Live handles must be accessed on the owning goroutine.
func (h *Handle) IsValid() bool {
	if h.frozen {
		return h.valid
	}

	h.assertAccess("Handle.IsValid")

	if h.store.isClosed() {
		return false
	}
	return h.valid
}

// Object returns the single object's state. The second return is false for
// collection handles and for object handles that are unloaded, unbound or
// invalid.
//
// Live handles must be accessed on the owning goroutine.
func (h *Handle) Object() (Object, bool) {
	h.assertAccess("Handle.Object")

	if h.desc.Kind != KindObject || !h.loaded || !h.bound || !h.valid {
		return Object{}, false
	}

	return h.object, true
}

// Objects returns the ordered collection state. Callers must not mutate the
// returned slice or the contained field maps.
//
// Live handles must be accessed on the owning goroutine.
func (h *Handle) Objects() []Object {
	h.assertAccess("Handle.Objects")

	return h.objects
}

// Size returns the number of elements of a collection handle.
func (h *Handle) Size() int {
	h.assertAccess("Handle.Size")

	return len(h.objects)
}

// Equal reports whether the two handles view the same underlying entity at
// the same version. Frozen and live handles, and handles from different
// stores over the same engine, compare equal when identity and version
// match.
func (h *Handle) Equal(other *Handle) bool {
	if h == nil || other == nil {
		return h == other
	}

	return h.desc.identity() == other.desc.identity() && h.version == other.version
}

// Freeze returns a handle pinned to the current VersionID, detached from the
// owning goroutine and safe to share. The original handle is unaffected and
// continues to live-update. Freezing a frozen handle returns the same
// handle (idempotent).
//
// Safe to call from any goroutine; the snapshot is taken on the owning
// goroutine.
func (h *Handle) Freeze() (*Handle, error) {
	if h.frozen {
		return h, nil
	}

	var frozen *Handle
	var freezeErr error

	if callErr := h.store.owner.call(func() {
		frozen, freezeErr = h.freezeOnOwner()
	}); callErr != nil {
		return nil, callErr
	}

	return frozen, freezeErr
}

func (h *Handle) freezeOnOwner() (*Handle, error) {
	if h.store.isClosed() {
		return nil, ErrStoreClosed
	}

	var pin Pin
	if !h.version.IsZero() {
		var pinErr error
		pin, pinErr = h.store.engine.OpenRead(context.Background(), h.version)
		if pinErr != nil {
			return nil, errors.Join(ErrFreezingFailed, pinErr)
		}
	}

	frozen := h.snapshot()
	frozen.pin = pin

	return frozen, nil
}

// Release gives a frozen handle's pinned transaction back to the engine.
// Idempotent; a no-op for live handles and for emission-borne snapshots
// that carry no pin.
func (h *Handle) Release() {
	if !h.frozen || h.pin == nil {
		return
	}

	h.releaseOnce.Do(func() {
		if releaseErr := h.pin.Release(); releaseErr != nil && h.store.logger != nil {
			h.store.logger.Warn(logMsgReleasePinFailed, logAttrError, releaseErr.Error())
		}
	})
}

// AsStream adapts the handle into a cancellable, lazily-started stream of
// frozen snapshot handles. The stream is cold: nothing is registered until
// Subscribe is called, and every Subscribe starts an independent
// subscription.
func (h *Handle) AsStream() *Stream {
	return &Stream{source: h}
}

// AsChangesetStream is AsStream with a per-emission Changeset. The changeset
// is absent (nil) on the first element, which has no baseline to diff
// against.
func (h *Handle) AsChangesetStream() *Stream {
	return &Stream{source: h, withChangesets: true}
}

// AsStreamOf is AsStream constrained to an expected entity kind. When the
// expectation does not match the handle's runtime entity kind, the
// subscription terminates with ErrTypeMismatch before emitting anything.
func (h *Handle) AsStreamOf(entityKind string) *Stream {
	return &Stream{source: h, expectKind: entityKind}
}

// snapshot builds a frozen, materialized copy of the handle's current state,
// without a pin. Used for emissions and as the body of Freeze.
func (h *Handle) snapshot() *Handle {
	objects := make([]Object, len(h.objects))
	copy(objects, h.objects)

	return &Handle{
		store:   h.store,
		desc:    h.desc,
		frozen:  true,
		version: h.version,
		loaded:  h.loaded,
		valid:   h.valid,
		bound:   h.bound,
		object:  h.object,
		objects: objects,
	}
}

// resolve re-binds a live handle to the given version, re-running the
// underlying query/lookup, and reports whether the bound entity still
// exists. Owning-goroutine only.
func (h *Handle) resolve(ctx context.Context, version VersionID) (bool, error) {
	h.store.owner.assertCurrent("Handle.resolve")

	if h.frozen {
		panicMisuse("cannot resolve a frozen handle")
	}

	switch h.desc.Kind {
	case KindObject:
		return h.resolveObject(ctx, version)
	case KindList:
		return h.resolveList(ctx, version)
	default:
		return h.resolveResults(ctx, version)
	}
}

func (h *Handle) resolveObject(ctx context.Context, version VersionID) (bool, error) {
	if !h.bound {
		// First-match handle: keep re-running the query until an object
		// binds. Once bound it tracks that object only and never
		// rebinds, even if a different match appears later.
		rows, queryErr := h.store.engine.Query(ctx, ResultsDescriptor(h.desc.Query), version)
		if queryErr != nil {
			return false, errors.Join(ErrQueryingStoreFailed, queryErr)
		}

		h.version = version
		h.loaded = true

		if len(rows) == 0 {
			h.valid = false
			return false, nil
		}

		first, decodeErr := decodeObject(rows[0])
		if decodeErr != nil {
			return false, decodeErr
		}

		h.bound = true
		h.desc.ObjectID = first.ID
		h.object = first
		h.valid = true

		return true, nil
	}

	rows, queryErr := h.store.engine.Query(ctx, h.desc, version)
	if queryErr != nil {
		return false, errors.Join(ErrQueryingStoreFailed, queryErr)
	}

	h.version = version
	h.loaded = true

	if len(rows) == 0 {
		h.valid = false
		return false, nil
	}

	object, decodeErr := decodeObject(rows[0])
	if decodeErr != nil {
		return false, decodeErr
	}

	h.object = object
	h.valid = true

	return true, nil
}

func (h *Handle) resolveResults(ctx context.Context, version VersionID) (bool, error) {
	rows, queryErr := h.store.engine.Query(ctx, h.desc, version)
	if queryErr != nil {
		return false, errors.Join(ErrQueryingStoreFailed, queryErr)
	}

	objects, decodeErr := decodeObjects(rows)
	if decodeErr != nil {
		return false, decodeErr
	}

	h.version = version
	h.loaded = true
	h.valid = true
	h.objects = objects

	return true, nil
}

func (h *Handle) resolveList(ctx context.Context, version VersionID) (bool, error) {
	// A list is only as alive as its owning object.
	ownerRows, ownerErr := h.store.engine.Query(ctx, ObjectDescriptor(h.desc.OwnerKind, h.desc.OwnerID), version)
	if ownerErr != nil {
		return false, errors.Join(ErrQueryingStoreFailed, ownerErr)
	}

	h.version = version
	h.loaded = true

	if len(ownerRows) == 0 {
		h.valid = false
		h.objects = nil
		return false, nil
	}

	rows, queryErr := h.store.engine.Query(ctx, h.desc, version)
	if queryErr != nil {
		return false, errors.Join(ErrQueryingStoreFailed, queryErr)
	}

	objects, decodeErr := decodeObjects(rows)
	if decodeErr != nil {
		return false, decodeErr
	}

	h.valid = true
	h.objects = objects

	return true, nil
}

// assertAccess fails fast when a live handle is read off the owning
// goroutine or against a closed store.
func (h *Handle) assertAccess(operation string) {
	if h.frozen {
		return
	}

	h.store.owner.assertCurrent(operation)
}
