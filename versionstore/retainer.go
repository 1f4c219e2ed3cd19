package versionstore

import (
	"sync"

	"github.com/google/uuid"
)

// referenceRetainer keeps strong ownership links from every outstanding
// subscription to its source handle and, transitively, to any parent handle
// the source was derived from. While a link exists, the chain cannot be
// abandoned: in-flight async results still find their handle alive when they
// come back to the owning goroutine.
//
// Links are released exactly once, on subscription termination, whichever of
// cancel, complete or error gets there first.
type referenceRetainer struct {
	mu    sync.Mutex
	links map[uuid.UUID][]*Handle
}

func newReferenceRetainer() *referenceRetainer {
	return &referenceRetainer{links: make(map[uuid.UUID][]*Handle)}
}

// retain records the ownership chain for one subscription.
func (r *referenceRetainer) retain(subscription uuid.UUID, source *Handle) {
	chain := make([]*Handle, 0, 2)
	for h := source; h != nil; h = h.parent {
		chain = append(chain, h)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.links[subscription] = chain
}

// release drops the chain. Releasing an unknown or already-released
// subscription is a no-op; the caller's termination guard keeps it
// exactly-once.
func (r *referenceRetainer) release(subscription uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.links, subscription)
}

// retains reports whether the handle is part of any outstanding
// subscription's ownership chain.
func (r *referenceRetainer) retains(handle *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, chain := range r.links {
		for _, h := range chain {
			if h == handle {
				return true
			}
		}
	}

	return false
}

// outstanding returns the number of retained chains, for close-time
// accounting and tests.
func (r *referenceRetainer) outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.links)
}
