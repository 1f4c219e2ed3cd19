// Package versionstore provides a reactive bridge over a versioned,
// single-writer object store: immutable snapshot handles, change-notification
// streams and field/element-level changesets, layered on top of a pluggable
// storage engine.
//
// The package defines the fundamental types used across engine
// implementations:
//
//   - VersionID: monotonic identifier of one committed store state
//   - Handle: a view over one entity (single object, ordered query result
//     collection, or embedded list), either live (goroutine-confined,
//     re-resolving on every commit) or frozen (immutable, safe to share)
//   - Changeset: the computed diff between two versions of one handle
//   - Stream / Subscription: cancellable, lazily-started change streams
//   - Engine: the minimal surface a storage engine must implement
//
// Every live handle belongs to the goroutine that runs its store's dispatch
// loop. Commits advance the store's version; the dispatch loop re-resolves
// subscribed handles and publishes frozen snapshots (optionally with
// changesets) to subscribers, which may consume them from any goroutine.
//
// Common usage pattern:
//
//	store, _ := versionstore.Open(engine)
//	defer store.Close()
//
//	handle, _ := store.FindAll(ctx, versionstore.BuildQuery().
//		OfKind("task").
//		AnyPredicateOf(versionstore.P("done", false)).
//		Finalize())
//
//	sub := handle.AsChangesetStream().Subscribe()
//	defer sub.Cancel()
//
//	for emission := range sub.Events() {
//		// emission.Handle is frozen; emission.Changeset is nil on the
//		// first element.
//	}
package versionstore
