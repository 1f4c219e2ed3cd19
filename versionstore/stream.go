package versionstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"gopkg.in/tomb.v2"
)

// Emission is one element of a subscription: a frozen snapshot handle, the
// optional changeset against the previous emission, and the version both
// refer to. Terminal errors travel on the same channel with Err set; no
// further emissions follow an error.
//
// For store-level version streams the Handle is nil and only Version is
// meaningful.
type Emission struct {
	Version   VersionID
	Handle    *Handle
	Changeset *Changeset
	Err       error
}

// Stream adapts a handle and its change notifications into a cancellable,
// lazily-started sequence of emissions. A Stream value is inert: no listener
// is registered until Subscribe is called, and every Subscribe call starts
// an independent, restartable subscription.
type Stream struct {
	source         *Handle
	withChangesets bool
	expectKind     string

	// store is set for store-level version streams, where source is nil.
	store *Store
}

// Subscribe starts the stream: it eagerly emits the source's current state
// once (before any subsequent commit is processed) and then one emission per
// processed version advance. Frozen sources emit exactly once and complete.
//
// The returned subscription's channel may be consumed from any goroutine;
// emissions carry frozen handles only.
func (s *Stream) Subscribe() *Subscription {
	store := s.store
	if s.source != nil {
		store = s.source.store
	}

	sub := &Subscription{
		id:             uuid.New(),
		store:          store,
		source:         s.source,
		withChangesets: s.withChangesets,
		expectKind:     s.expectKind,
		out:            make(chan Emission),
		signal:         make(chan struct{}, 1),
	}

	store.retainer.retain(sub.id, s.source)
	store.trackSubscription(sub)
	sub.tomb.Go(sub.pump)

	if s.source != nil && s.source.IsFrozen() {
		// Frozen sources need no registration and survive store close:
		// one emission, then complete.
		sub.push(Emission{Version: s.source.version, Handle: s.source}, true)
		return sub
	}

	if !store.owner.post(sub.start) {
		sub.push(Emission{Err: ErrStoreClosed}, true)
	}

	return sub
}

// Subscription binds one consumer to one stream. It holds the listener
// registration, the retained ownership chain, and a single-slot mailbox that
// coalesces emissions for slow consumers: a consumer that falls behind by N
// commits receives one emission reflecting the latest state, not N.
type Subscription struct {
	id             uuid.UUID
	store          *Store
	source         *Handle
	withChangesets bool
	expectKind     string

	out    chan Emission
	signal chan struct{}

	mu   sync.Mutex
	next *emissionItem

	token *ListenerToken

	// lastVersion and lastLoaded track the most recent emission, so a
	// version delivered twice (a dispatch cycle trailing an async
	// adoption) collapses into one emission. Owning-goroutine confined.
	lastVersion VersionID
	lastLoaded  bool

	terminated atomic.Bool
	tomb       tomb.Tomb
}

type emissionItem struct {
	emission Emission
	terminal bool
}

// Events returns the subscription's emission channel. The channel is closed
// on termination (cancel, completion, or after a terminal error emission).
func (sub *Subscription) Events() <-chan Emission {
	return sub.out
}

// Cancel terminates the subscription: no further emissions are delivered
// (one emission already in flight may still arrive), the listener token is
// deregistered exactly once, and the retained ownership chain is released.
//
// Safe to call from any goroutine, any number of times, and concurrently
// with an in-flight emission; cancellation is never reported as an error.
func (sub *Subscription) Cancel() {
	sub.finish()
	sub.tomb.Kill(nil)
}

// Terminated reports whether the subscription reached a terminal state.
func (sub *Subscription) Terminated() bool {
	return sub.terminated.Load()
}

// start runs on the owning goroutine: it validates the requested entity
// kind, delivers the emit-on-subscribe element, and registers the change
// listener for live sources.
func (sub *Subscription) start() {
	if sub.terminated.Load() {
		return
	}

	if sub.store.isClosed() {
		sub.push(Emission{Err: ErrStoreClosed}, true)
		return
	}

	if sub.source == nil {
		// Store-level version stream.
		sub.lastVersion = sub.store.lastProcessed
		sub.push(Emission{Version: sub.lastVersion}, false)
		sub.token = sub.store.registry.register(nil, sub.onVersionAdvance, sub.onFailure)
		sub.deregisterIfFinished()
		return
	}

	src := sub.source

	if sub.expectKind != "" && sub.expectKind != src.desc.EntityKind {
		sub.push(Emission{Err: errors.Join(
			ErrTypeMismatch,
			errors.New("requested "+sub.expectKind+", handle views "+src.desc.EntityKind),
		)}, true)
		return
	}

	sub.lastVersion = src.version
	sub.lastLoaded = src.loaded
	sub.push(Emission{Version: src.version, Handle: src.snapshot()}, false)
	sub.token = sub.store.registry.register(src, sub.onVersionAdvance, sub.onFailure)
	sub.deregisterIfFinished()
}

// deregisterIfFinished covers a Cancel that lands between start's entry check
// and the token registration: finish has already run with no token to remove,
// so the fresh token must be deregistered here or its registry entry would
// outlive the subscription.
func (sub *Subscription) deregisterIfFinished() {
	if sub.terminated.Load() {
		sub.token.Deregister()
	}
}

// onFailure delivers a terminal error from dispatch or async adoption.
func (sub *Subscription) onFailure(err error) {
	if sub.terminated.Load() {
		return
	}

	sub.push(Emission{Err: err}, true)
}

// onVersionAdvance runs on the owning goroutine after the source handle was
// re-resolved to the given version. It computes the changeset against this
// subscription's previous emission and pushes the new frozen snapshot.
func (sub *Subscription) onVersionAdvance(version VersionID) {
	if sub.terminated.Load() {
		return
	}

	if sub.source == nil {
		if !version.After(sub.lastVersion) {
			return
		}

		sub.lastVersion = version
		sub.push(Emission{Version: version}, false)
		return
	}

	// An async adoption and the dispatch cycle for the same version may
	// both notify; only the first delivery per version goes through. The
	// load transition itself still counts as new even when the version
	// did not move.
	if !version.After(sub.lastVersion) && sub.lastLoaded {
		return
	}

	var changeset *Changeset
	if sub.withChangesets {
		var diffErr error
		changeset, diffErr = sub.store.computer.Diff(
			context.Background(), sub.lastVersion, version, sub.source.desc)
		if diffErr != nil {
			sub.push(Emission{Err: diffErr}, true)
			return
		}
	}

	snapshot := sub.source.snapshot()
	sub.lastVersion = version
	sub.lastLoaded = snapshot.loaded
	sub.push(Emission{Version: version, Handle: snapshot, Changeset: changeset}, false)
}

// push places an emission into the single-slot mailbox, replacing any
// undelivered predecessor, and signals the pump.
func (sub *Subscription) push(emission Emission, terminal bool) {
	sub.mu.Lock()
	sub.next = &emissionItem{emission: emission, terminal: terminal}
	sub.mu.Unlock()

	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

// pump delivers mailbox items to the consumer until the subscription dies or
// a terminal item was delivered.
func (sub *Subscription) pump() error {
	defer sub.finish()
	defer close(sub.out)

	for {
		select {
		case <-sub.tomb.Dying():
			return nil
		case <-sub.signal:
			sub.mu.Lock()
			item := sub.next
			sub.next = nil
			sub.mu.Unlock()

			if item == nil {
				continue
			}

			select {
			case sub.out <- item.emission:
			case <-sub.tomb.Dying():
				return nil
			}

			if item.terminal {
				return nil
			}
		}
	}
}

// finish runs the termination logic exactly once, regardless of how many
// goroutines race into it (consumer cancel, terminal emission, store close).
func (sub *Subscription) finish() {
	if !sub.terminated.CompareAndSwap(false, true) {
		return
	}

	sub.token.Deregister()
	sub.store.retainer.release(sub.id)
	sub.store.untrackSubscription(sub.id)
}
