package versionstore

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// ListenerToken identifies one registration in the store's listener
// registry. It is owned exclusively by the registry entry that created it
// and is destroyed exactly once, regardless of whether the consumer or the
// closing store triggers deregistration.
type ListenerToken struct {
	id       uuid.UUID
	registry *listenerRegistry
	removed  atomic.Bool
}

// Deregister removes the registration. It is idempotent: calling it twice,
// or after the store already auto-deregistered on close, is a no-op. Safe to
// call from any goroutine.
func (t *ListenerToken) Deregister() {
	if t == nil || !t.removed.CompareAndSwap(false, true) {
		return
	}

	// The registry's table is loop-confined; the removal is marshaled
	// onto the owning goroutine. A post dropped because the store is
	// closing is fine: close clears the whole table.
	t.registry.owner.post(func() {
		t.registry.remove(t.id)
	})
}

type listenerEntry struct {
	token  *ListenerToken
	handle *Handle
	notify func(VersionID)
	fail   func(error)
}

// listenerRegistry is the per-store table of change registrations. All state
// is confined to the owning goroutine; entries fire in registration order,
// exactly once per processed version transition.
type listenerRegistry struct {
	owner   *ownerLoop
	entries []*listenerEntry
}

func newListenerRegistry(owner *ownerLoop) *listenerRegistry {
	return &listenerRegistry{owner: owner}
}

// register adds a callback for the given live handle and returns its token.
// The fail callback delivers a terminal error when the handle can no longer
// be resolved; it may be nil. Registering a frozen handle is a programming
// error: a frozen handle never changes, so a registration on it could only
// ever be a leak.
func (r *listenerRegistry) register(handle *Handle, notify func(VersionID), fail func(error)) *ListenerToken {
	r.owner.assertCurrent("register change listener")

	if handle != nil && handle.IsFrozen() {
		panicMisuse("cannot register a change listener on a frozen handle")
	}

	token := &ListenerToken{id: uuid.New(), registry: r}
	r.entries = append(r.entries, &listenerEntry{token: token, handle: handle, notify: notify, fail: fail})

	return token
}

func (r *listenerRegistry) remove(id uuid.UUID) {
	for i, entry := range r.entries {
		if entry.token.id == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// snapshotEntries copies the table so dispatch survives entries
// deregistering themselves mid-iteration.
func (r *listenerRegistry) snapshotEntries() []*listenerEntry {
	entries := make([]*listenerEntry, len(r.entries))
	copy(entries, r.entries)

	return entries
}

// entriesFor returns the active entries registered for one handle, in
// registration order.
func (r *listenerRegistry) entriesFor(handle *Handle) []*listenerEntry {
	var matching []*listenerEntry

	for _, entry := range r.entries {
		if entry.handle == handle {
			matching = append(matching, entry)
		}
	}

	return matching
}

// deregisterAll marks every token removed and clears the table. Used by
// store close; individual Deregister calls afterwards are no-ops.
func (r *listenerRegistry) deregisterAll() {
	for _, entry := range r.entries {
		entry.token.removed.Store(true)
	}

	r.entries = nil
}

func (r *listenerRegistry) size() int {
	return len(r.entries)
}
