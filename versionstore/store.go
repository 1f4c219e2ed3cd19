package versionstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	logMsgCommitApplied       = "commit applied"
	logMsgDispatchFailed      = "re-resolving a live handle failed during dispatch"
	logMsgAsyncQueryFailed    = "async query failed"
	logMsgAdoptionFailed      = "adopting an async query result failed"
	logMsgReleasePinFailed    = "releasing a pinned read failed"
	logMsgStoreClosed         = "store closed"
	logMsgEngineListenerError = "registering the engine version listener failed"
)

const (
	logAttrError         = "error"
	logAttrVersion       = "version"
	logAttrEntityKind    = "entityKind"
	logAttrMutations     = "mutations"
	logAttrSubscriptions = "subscriptions"
)

const (
	metricCommitDuration      = "versionstore_commit_duration"
	metricDispatchDuration    = "versionstore_dispatch_duration"
	metricDispatchedVersions  = "versionstore_dispatched_versions_total"
	metricCoalescedWakeups    = "versionstore_coalesced_wakeups_total"
	metricAsyncQueryDuration  = "versionstore_async_query_duration"
	metricActiveSubscriptions = "versionstore_active_subscriptions"
)

const (
	spanNameCommit   = "versionstore.commit"
	spanNameDispatch = "versionstore.dispatch"

	spanStatusOK    = "ok"
	spanStatusError = "error"
)

// Store is the reactive bridge over a versioned Engine. It owns a single
// dispatch goroutine to which all live handles and listener registrations
// are confined; consumers on other goroutines interact through frozen
// handles and subscription streams.
//
// Writes go through Execute and may be issued from any goroutine. Reads
// through Find* return live handles; reading a live handle off the owning
// goroutine panics, freeze it or subscribe instead.
type Store struct {
	engine Engine

	logger           Logger
	contextualLogger ContextualLogger
	metrics          MetricsCollector
	tracing          TracingCollector

	owner    *ownerLoop
	registry *listenerRegistry
	retainer *referenceRetainer
	computer ChangesetComputer
	executor *asyncQueryExecutor

	asyncParallelism int

	unregisterListener func()

	closed atomic.Bool

	subsMu sync.Mutex
	subs   map[uuid.UUID]*Subscription

	// lastProcessed is the version the dispatch cycle has caught up to.
	// Owning-goroutine confined after Open.
	lastProcessed VersionID

	// pendingVersion is the highest version a commit listener has
	// announced; dispatch collapses any backlog into one cycle.
	pendingVersion atomic.Uint64
}

// Open wires a Store over the given engine and starts its dispatch
// goroutine. The engine stays owned by the caller: Close does not close it.
func Open(engine Engine, opts ...Option) (*Store, error) {
	if engine == nil {
		return nil, ErrNilEngine
	}

	store := &Store{
		engine:           engine,
		subs:             make(map[uuid.UUID]*Subscription),
		asyncParallelism: defaultAsyncQueryParallelism,
	}

	for _, opt := range opts {
		if optErr := opt(store); optErr != nil {
			return nil, optErr
		}
	}

	current, versionErr := engine.CurrentVersion(context.Background())
	if versionErr != nil {
		return nil, errors.Join(ErrQueryingStoreFailed, versionErr)
	}

	store.owner = newOwnerLoop()
	store.registry = newListenerRegistry(store.owner)
	store.retainer = newReferenceRetainer()
	store.computer = NewChangesetComputer(engine)
	store.executor = newAsyncQueryExecutor(store, store.asyncParallelism)
	store.lastProcessed = current
	store.pendingVersion.Store(uint64(current))

	unregister, listenErr := engine.RegisterVersionListener(store.scheduleVersionAdvance)
	if listenErr != nil {
		store.owner.shutdown()

		if store.logger != nil {
			store.logger.Error(logMsgEngineListenerError, logAttrError, listenErr.Error())
		}

		return nil, listenErr
	}
	store.unregisterListener = unregister

	return store, nil
}

// CurrentVersion returns the engine's latest committed version. It may run
// ahead of what subscriptions have observed: dispatch catches up
// asynchronously.
func (s *Store) CurrentVersion(ctx context.Context) (VersionID, error) {
	if s.isClosed() {
		return 0, ErrStoreClosed
	}

	return s.engine.CurrentVersion(ctx)
}

// ProcessedVersion returns the version the dispatch cycle has caught up to.
// It trails CurrentVersion until pending commits are dispatched. Safe to call
// from any goroutine; the read is marshaled onto the owning goroutine.
func (s *Store) ProcessedVersion() (VersionID, error) {
	var version VersionID

	if callErr := s.owner.call(func() {
		version = s.lastProcessed
	}); callErr != nil {
		return 0, callErr
	}

	return version, nil
}

// ActiveSubscriptions returns the number of subscriptions that have not yet
// reached a terminal state. Each of them retains its source handle chain.
func (s *Store) ActiveSubscriptions() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	return len(s.subs)
}

// WriteTx collects the mutations of one atomic commit. Its methods validate
// eagerly; the commit itself happens when the Execute callback returns.
type WriteTx struct {
	mutations []Mutation
}

// Create inserts a new object of the given kind under a generated identity.
func (tx *WriteTx) Create(entityKind string, fields FieldMap) (Object, error) {
	return tx.CreateWithID(entityKind, uuid.New().String(), fields)
}

// CreateWithID inserts a new object under the caller's identity.
func (tx *WriteTx) CreateWithID(entityKind string, objectID string, fields FieldMap) (Object, error) {
	object, buildErr := BuildObject(entityKind, objectID, fields)
	if buildErr != nil {
		return Object{}, buildErr
	}

	payload, payloadErr := object.PayloadJSON()
	if payloadErr != nil {
		return Object{}, payloadErr
	}

	mutation, mutationErr := BuildInsertMutation(entityKind, objectID, payload)
	if mutationErr != nil {
		return Object{}, mutationErr
	}

	tx.mutations = append(tx.mutations, mutation)

	return object, nil
}

// Update replaces the object's fields wholesale.
func (tx *WriteTx) Update(entityKind string, objectID string, fields FieldMap) error {
	object, buildErr := BuildObject(entityKind, objectID, fields)
	if buildErr != nil {
		return buildErr
	}

	payload, payloadErr := object.PayloadJSON()
	if payloadErr != nil {
		return payloadErr
	}

	mutation, mutationErr := BuildUpdateMutation(entityKind, objectID, payload)
	if mutationErr != nil {
		return mutationErr
	}

	tx.mutations = append(tx.mutations, mutation)

	return nil
}

// Delete removes the object. Deleting a list owner removes its embedded
// elements with it.
func (tx *WriteTx) Delete(entityKind string, objectID string) error {
	mutation, mutationErr := BuildDeleteMutation(entityKind, objectID)
	if mutationErr != nil {
		return mutationErr
	}

	tx.mutations = append(tx.mutations, mutation)

	return nil
}

// ListAppend appends a new element object to the owner's embedded list
// field, under a generated identity.
func (tx *WriteTx) ListAppend(
	ownerKind string,
	ownerID string,
	listField string,
	elementKind string,
	fields FieldMap,
) (Object, error) {

	elementID := uuid.New().String()

	element, buildErr := BuildObject(elementKind, elementID, fields)
	if buildErr != nil {
		return Object{}, buildErr
	}

	payload, payloadErr := element.PayloadJSON()
	if payloadErr != nil {
		return Object{}, payloadErr
	}

	mutation, mutationErr := BuildListInsertMutation(ownerKind, ownerID, listField, elementKind, elementID, payload)
	if mutationErr != nil {
		return Object{}, mutationErr
	}

	tx.mutations = append(tx.mutations, mutation)

	return element, nil
}

// ListRemove removes one element from the owner's embedded list field.
func (tx *WriteTx) ListRemove(ownerKind string, ownerID string, listField string, elementID string) error {
	mutation, mutationErr := BuildListDeleteMutation(ownerKind, ownerID, listField, elementID)
	if mutationErr != nil {
		return mutationErr
	}

	tx.mutations = append(tx.mutations, mutation)

	return nil
}

// Execute runs the write callback and commits its mutations atomically,
// returning the new VersionID. A callback error aborts the commit. An empty
// transaction commits nothing and returns the current version.
//
// Safe to call from any goroutine; the engine serializes writers.
func (s *Store) Execute(ctx context.Context, write func(tx *WriteTx) error) (VersionID, error) {
	if s.isClosed() {
		return 0, ErrStoreClosed
	}

	var span SpanContext
	if s.tracing != nil {
		ctx, span = s.tracing.StartSpan(ctx, spanNameCommit, nil)
	}

	start := time.Now()

	tx := &WriteTx{}
	if writeErr := write(tx); writeErr != nil {
		s.finishSpan(span, spanStatusError, writeErr)
		return 0, writeErr
	}

	if len(tx.mutations) == 0 {
		s.finishSpan(span, spanStatusOK, nil)
		return s.engine.CurrentVersion(ctx)
	}

	version, applyErr := s.engine.Apply(ctx, tx.mutations)
	if applyErr != nil {
		s.finishSpan(span, spanStatusError, applyErr)
		return 0, errors.Join(ErrCommittingFailed, applyErr)
	}

	if s.metrics != nil {
		s.metrics.RecordDuration(metricCommitDuration, time.Since(start), nil)
	}
	s.debugContext(ctx, logMsgCommitApplied,
		logAttrVersion, version.String(), logAttrMutations, len(tx.mutations))
	s.finishSpan(span, spanStatusOK, nil)

	return version, nil
}

// Find returns a live handle over one object by identity, resolved at the
// store's processed version. ErrObjectNotFound when the object does not
// exist there.
func (s *Store) Find(ctx context.Context, entityKind string, objectID string) (*Handle, error) {
	if entityKind == "" {
		return nil, ErrEmptyEntityKind
	}

	handle := &Handle{store: s, desc: ObjectDescriptor(entityKind, objectID), bound: true}

	found, resolveErr := s.resolveNow(ctx, handle)
	if resolveErr != nil {
		return nil, resolveErr
	}
	if !found {
		return nil, ErrObjectNotFound
	}

	return handle, nil
}

// FindFirst returns a live handle bound to the first object matching the
// query, in the query's order. ErrObjectNotFound when nothing matches.
func (s *Store) FindFirst(ctx context.Context, query Query) (*Handle, error) {
	if query.EntityKind() == "" {
		return nil, ErrEmptyEntityKind
	}

	handle := &Handle{store: s, desc: Descriptor{
		Kind:       KindObject,
		EntityKind: query.EntityKind(),
		Query:      query,
	}}

	found, resolveErr := s.resolveNow(ctx, handle)
	if resolveErr != nil {
		return nil, resolveErr
	}
	if !found {
		return nil, ErrObjectNotFound
	}

	return handle, nil
}

// FindAll returns a live handle over the query's ordered result collection.
// An empty result is a valid, empty collection, not an error.
func (s *Store) FindAll(ctx context.Context, query Query) (*Handle, error) {
	if query.EntityKind() == "" {
		return nil, ErrEmptyEntityKind
	}

	handle := &Handle{store: s, desc: ResultsDescriptor(query)}

	if _, resolveErr := s.resolveNow(ctx, handle); resolveErr != nil {
		return nil, resolveErr
	}

	return handle, nil
}

// ListOf returns a live handle over the embedded list field of one owner
// object. ErrObjectNotFound when the owner does not exist.
func (s *Store) ListOf(ctx context.Context, ownerKind string, ownerID string, listField string) (*Handle, error) {
	if ownerKind == "" {
		return nil, ErrEmptyEntityKind
	}

	handle := &Handle{store: s, desc: ListDescriptor(ownerKind, ownerID, listField)}

	found, resolveErr := s.resolveNow(ctx, handle)
	if resolveErr != nil {
		return nil, resolveErr
	}
	if !found {
		return nil, ErrObjectNotFound
	}

	return handle, nil
}

// FindAllAsync returns an unloaded live handle over the query's result
// collection and schedules its initial load on the worker pool. The handle
// becomes loaded when the owning goroutine adopts the result; subscribe to
// observe the load.
func (s *Store) FindAllAsync(query Query) (*Handle, error) {
	if query.EntityKind() == "" {
		return nil, ErrEmptyEntityKind
	}
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	handle := &Handle{store: s, desc: ResultsDescriptor(query), valid: true}

	if callErr := s.owner.call(func() {
		s.executor.submit(handle)
	}); callErr != nil {
		return nil, callErr
	}

	return handle, nil
}

// FindFirstAsync returns an unloaded, unbound live handle for the first
// object matching the query and schedules its initial load. If no object
// matches at load time the handle stays unbound and keeps re-running the
// query on every processed commit until a match binds; once bound it tracks
// that object only.
func (s *Store) FindFirstAsync(query Query) (*Handle, error) {
	if query.EntityKind() == "" {
		return nil, ErrEmptyEntityKind
	}
	if s.isClosed() {
		return nil, ErrStoreClosed
	}

	handle := &Handle{store: s, desc: Descriptor{
		Kind:       KindObject,
		EntityKind: query.EntityKind(),
		Query:      query,
	}}

	if callErr := s.owner.call(func() {
		s.executor.submit(handle)
	}); callErr != nil {
		return nil, callErr
	}

	return handle, nil
}

// AsVersionStream adapts the store's version advances into a stream. Each
// emission carries only the processed VersionID; coalescing applies as for
// handle streams.
func (s *Store) AsVersionStream() *Stream {
	return &Stream{store: s}
}

// Close drives every outstanding subscription terminal, stops the dispatch
// goroutine, and detaches from the engine. It returns only after all
// subscription pumps have exited. Idempotent. The engine itself stays open;
// the caller owns it.
//
// Frozen handles and their reads survive Close until released.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.unregisterListener != nil {
		s.unregisterListener()
	}

	s.executor.wait()

	_ = s.owner.call(func() {
		s.registry.deregisterAll()
	})

	s.subsMu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	for _, sub := range subs {
		_ = sub.tomb.Wait()
	}

	s.owner.shutdown()

	if s.logger != nil {
		s.logger.Info(logMsgStoreClosed, logAttrSubscriptions, len(subs))
	}

	return nil
}

func (s *Store) isClosed() bool {
	return s.closed.Load()
}

// resolveNow resolves a freshly built handle at the processed version, on
// the owning goroutine.
func (s *Store) resolveNow(ctx context.Context, handle *Handle) (bool, error) {
	if s.isClosed() {
		return false, ErrStoreClosed
	}

	var found bool
	var resolveErr error

	if callErr := s.owner.call(func() {
		found, resolveErr = handle.resolve(ctx, s.lastProcessed)
	}); callErr != nil {
		return false, callErr
	}

	return found, resolveErr
}

// scheduleVersionAdvance is the engine's commit listener. It runs on the
// committing goroutine and must not block: it raises the pending watermark
// and pokes the dispatch goroutine. Several commits landing before dispatch
// runs collapse into one cycle at the highest version.
func (s *Store) scheduleVersionAdvance(version VersionID) {
	for {
		pending := s.pendingVersion.Load()
		if uint64(version) <= pending {
			return
		}
		if s.pendingVersion.CompareAndSwap(pending, uint64(version)) {
			break
		}
	}

	s.owner.post(s.processPending)
}

func (s *Store) processPending() {
	version := VersionID(s.pendingVersion.Load())
	if !version.After(s.lastProcessed) {
		// An earlier cycle already covered this wakeup.
		if s.metrics != nil {
			s.metrics.IncrementCounter(metricCoalescedWakeups, nil)
		}
		return
	}

	s.dispatch(version)
}

// dispatch advances the store to the given version: each distinct live
// handle with registrations is re-resolved once, then its listeners fire in
// registration order. Runs on the owning goroutine.
func (s *Store) dispatch(version VersionID) {
	ctx := context.Background()

	var span SpanContext
	if s.tracing != nil {
		ctx, span = s.tracing.StartSpan(ctx, spanNameDispatch,
			map[string]string{logAttrVersion: version.String()})
	}

	start := time.Now()

	resolved := make(map[*Handle]bool)

	for _, entry := range s.registry.snapshotEntries() {
		if entry.token.removed.Load() {
			continue
		}

		handle := entry.handle
		if handle == nil {
			// Store-level version listener.
			entry.notify(version)
			continue
		}

		if !handle.loaded {
			// Async load still outstanding; adoption delivers instead.
			continue
		}

		ok, seen := resolved[handle]
		if !seen {
			_, resolveErr := handle.resolve(ctx, version)
			ok = resolveErr == nil
			resolved[handle] = ok

			if resolveErr != nil {
				if s.logger != nil {
					s.logger.Error(logMsgDispatchFailed,
						logAttrEntityKind, handle.desc.EntityKind,
						logAttrVersion, version.String(),
						logAttrError, resolveErr.Error())
				}

				for _, failing := range s.registry.entriesFor(handle) {
					if failing.fail != nil {
						failing.fail(resolveErr)
					}
				}
			}
		}

		if ok {
			entry.notify(version)
		}
	}

	s.lastProcessed = version

	if s.metrics != nil {
		s.metrics.RecordDuration(metricDispatchDuration, time.Since(start), nil)
		s.metrics.IncrementCounter(metricDispatchedVersions, nil)
		s.metrics.RecordValue(metricActiveSubscriptions, float64(s.ActiveSubscriptions()), nil)
	}
	s.finishSpan(span, spanStatusOK, nil)
}

// adoptAsyncResult applies a finished background query to its handle and
// notifies the handle's subscriptions. Runs on the owning goroutine. The
// load is not a version advance: only this handle's listeners fire.
func (s *Store) adoptAsyncResult(handle *Handle, result asyncResult) {
	if s.isClosed() {
		return
	}

	entries := s.registry.entriesFor(handle)

	failAll := func(err error) {
		for _, entry := range entries {
			if entry.fail != nil {
				entry.fail(err)
			}
		}
	}

	if result.err != nil {
		if s.logger != nil {
			s.logger.Error(logMsgAsyncQueryFailed,
				logAttrEntityKind, handle.desc.EntityKind, logAttrError, result.err.Error())
		}
		failAll(result.err)
		return
	}

	if adoptErr := handle.adopt(result); adoptErr != nil {
		if s.logger != nil {
			s.logger.Error(logMsgAdoptionFailed,
				logAttrEntityKind, handle.desc.EntityKind, logAttrError, adoptErr.Error())
		}
		failAll(adoptErr)
		return
	}

	// Commits may have been processed while the query ran; catch the
	// handle up so its first delivery reflects the processed version.
	if s.lastProcessed.After(handle.version) {
		if _, resolveErr := handle.resolve(context.Background(), s.lastProcessed); resolveErr != nil {
			failAll(resolveErr)
			return
		}
	}

	for _, entry := range entries {
		entry.notify(handle.version)
	}
}

func (s *Store) trackSubscription(sub *Subscription) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	s.subs[sub.id] = sub
}

func (s *Store) untrackSubscription(id uuid.UUID) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	delete(s.subs, id)
}

func (s *Store) debugContext(ctx context.Context, msg string, args ...any) {
	switch {
	case s.contextualLogger != nil:
		s.contextualLogger.DebugContext(ctx, msg, args...)
	case s.logger != nil:
		s.logger.Debug(msg, args...)
	}
}

func (s *Store) finishSpan(span SpanContext, status string, err error) {
	if s.tracing == nil || span == nil {
		return
	}

	var attrs map[string]string
	if err != nil {
		attrs = map[string]string{logAttrError: err.Error()}
	}

	s.tracing.FinishSpan(span, status, attrs)
}
