package versionstore

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultAsyncQueryParallelism = 4

// asyncResult carries the outcome of one background query back to the
// owning goroutine for adoption.
type asyncResult struct {
	version    VersionID
	rows       []Row
	ownerAlive bool
	err        error
}

// asyncQueryExecutor runs handle queries on a bounded worker pool so the
// owning goroutine is never blocked by an initial load. Each submission
// captures the store's version at submission time, pins it for the duration
// of the query, and hands the rows back to the owning goroutine; commits
// that land while the query runs are picked up by the normal dispatch cycle
// afterwards.
type asyncQueryExecutor struct {
	store *Store
	group *errgroup.Group
}

func newAsyncQueryExecutor(store *Store, parallelism int) *asyncQueryExecutor {
	if parallelism <= 0 {
		parallelism = defaultAsyncQueryParallelism
	}

	group := &errgroup.Group{}
	group.SetLimit(parallelism)

	return &asyncQueryExecutor{store: store, group: group}
}

// submit schedules the handle's initial load. Owning-goroutine only: the
// descriptor and the version to query at are captured here, before any
// concurrent commit or binding could move them. The worker pins exactly this
// version, so the result reflects the snapshot current at submission even
// when writes land while the query runs.
func (e *asyncQueryExecutor) submit(handle *Handle) {
	e.store.owner.assertCurrent("async query submit")

	desc := handle.desc
	version := e.store.lastProcessed

	e.group.Go(func() error {
		start := time.Now()
		result := e.execute(desc, version)

		if e.store.metrics != nil {
			e.store.metrics.RecordDuration(metricAsyncQueryDuration, time.Since(start),
				map[string]string{logAttrEntityKind: desc.EntityKind})
		}

		// A post rejected by a closing store discards the result; close
		// drives every outstanding subscription terminal itself.
		e.store.owner.post(func() {
			e.store.adoptAsyncResult(handle, result)
		})

		return nil
	})
}

// wait blocks until every in-flight query has finished. Used by store close.
func (e *asyncQueryExecutor) wait() {
	_ = e.group.Wait()
}

// execute runs the query on the worker goroutine, pinned to the version
// captured at submission.
func (e *asyncQueryExecutor) execute(desc Descriptor, version VersionID) asyncResult {
	ctx := context.Background()
	engine := e.store.engine

	pin, pinErr := engine.OpenRead(ctx, version)
	if pinErr != nil {
		return asyncResult{err: errors.Join(ErrQueryingStoreFailed, pinErr)}
	}

	defer func() {
		if releaseErr := pin.Release(); releaseErr != nil && e.store.logger != nil {
			e.store.logger.Warn(logMsgReleasePinFailed, logAttrError, releaseErr.Error())
		}
	}()

	if desc.Kind == KindList {
		ownerRows, ownerErr := engine.Query(ctx, ObjectDescriptor(desc.OwnerKind, desc.OwnerID), version)
		if ownerErr != nil {
			return asyncResult{err: errors.Join(ErrQueryingStoreFailed, ownerErr)}
		}

		if len(ownerRows) == 0 {
			return asyncResult{version: version, ownerAlive: false}
		}
	}

	queryDesc := desc
	if desc.Kind == KindObject && desc.ObjectID == "" {
		// First-match handle: run the full query, adoption binds to the
		// first row if any.
		queryDesc = ResultsDescriptor(desc.Query)
	}

	rows, queryErr := engine.Query(ctx, queryDesc, version)
	if queryErr != nil {
		return asyncResult{err: errors.Join(ErrQueryingStoreFailed, queryErr)}
	}

	return asyncResult{version: version, rows: rows, ownerAlive: true}
}

// adopt applies a background query result to the handle. Owning-goroutine
// only; mirrors resolve but works from already-fetched rows.
func (h *Handle) adopt(result asyncResult) error {
	h.store.owner.assertCurrent("async result adoption")

	h.version = result.version
	h.loaded = true

	switch h.desc.Kind {
	case KindObject:
		if len(result.rows) == 0 {
			h.valid = false
			return nil
		}

		object, decodeErr := decodeObject(result.rows[0])
		if decodeErr != nil {
			return decodeErr
		}

		if !h.bound {
			h.bound = true
			h.desc.ObjectID = object.ID
		}

		h.object = object
		h.valid = true

	case KindList:
		if !result.ownerAlive {
			h.valid = false
			h.objects = nil
			return nil
		}

		objects, decodeErr := decodeObjects(result.rows)
		if decodeErr != nil {
			return decodeErr
		}

		h.valid = true
		h.objects = objects

	default:
		objects, decodeErr := decodeObjects(result.rows)
		if decodeErr != nil {
			return decodeErr
		}

		h.valid = true
		h.objects = objects
	}

	return nil
}
