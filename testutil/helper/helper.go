// Package helper provides arrangement helpers and fixtures for store and
// engine tests. All helpers fail the test immediately when arranging data
// goes wrong, so test bodies stay focused on the behavior under test.
package helper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectstream/reactive-versionstore-go/testutil/sqlengine/config"
	"github.com/objectstream/reactive-versionstore-go/versionstore"
	"github.com/objectstream/reactive-versionstore-go/versionstore/sqlengine"
)

const (
	TaskKind  = "task"
	BoardKind = "board"

	BoardTasksField = "tasks"
)

func GivenUniqueID(t testing.TB) uuid.UUID {
	id, err := uuid.NewV7()
	assert.NoError(t, err, "error in arranging test data")

	return id
}

// GivenEngine creates a sqlite-backed engine with an initialized schema.
// Each test gets its own database file so parallel tests stay isolated.
func GivenEngine(t testing.TB) *sqlengine.Engine {
	db := config.SQLiteFileConfig(filepath.Join(t.TempDir(), "store.db"))
	t.Cleanup(func() {
		_ = db.Close()
	})

	engine, err := sqlengine.NewEngineFromSQLDB(db, sqlengine.DialectSQLite)
	require.NoError(t, err, "error in arranging test data")
	require.NoError(t, engine.InitSchema(context.Background()), "error in arranging test data")

	t.Cleanup(func() {
		_ = engine.Close()
	})

	return engine
}

// GivenStore creates a store over a fresh sqlite engine, applying any extra
// options on top. The store is closed on test cleanup.
func GivenStore(t testing.TB, opts ...versionstore.Option) *versionstore.Store {
	store, err := versionstore.Open(GivenEngine(t), opts...)
	require.NoError(t, err, "error in arranging test data")

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func FixtureTaskFields(title string, priority int, done bool) versionstore.FieldMap {
	return versionstore.FieldMap{
		"title":    title,
		"priority": priority,
		"done":     done,
	}
}

func QueryAllTasks() versionstore.Query {
	return versionstore.BuildQuery().
		OfKind(TaskKind).
		Finalize()
}

func QueryTasksTitled(title string) versionstore.Query {
	return versionstore.BuildQuery().
		OfKind(TaskKind).
		AnyPredicateOf(versionstore.P("title", title)).
		Finalize()
}

func QueryOpenTasksByPriority() versionstore.Query {
	return versionstore.BuildQuery().
		OfKind(TaskKind).
		AnyPredicateOf(versionstore.P("done", false)).
		OrderedBy("priority").
		Finalize()
}

func GivenTaskWasCreated(
	t testing.TB,
	ctx context.Context,
	store *versionstore.Store,
	title string,
	priority int,
) (versionstore.Object, versionstore.VersionID) {

	var created versionstore.Object

	version, err := store.Execute(ctx, func(tx *versionstore.WriteTx) error {
		obj, txErr := tx.Create(TaskKind, FixtureTaskFields(title, priority, false))
		created = obj

		return txErr
	})
	assert.NoError(t, err, "error in arranging test data")

	return created, version
}

func GivenTaskWasUpdated(
	t testing.TB,
	ctx context.Context,
	store *versionstore.Store,
	objectID string,
	fields versionstore.FieldMap,
) versionstore.VersionID {

	version, err := store.Execute(ctx, func(tx *versionstore.WriteTx) error {
		return tx.Update(TaskKind, objectID, fields)
	})
	assert.NoError(t, err, "error in arranging test data")

	return version
}

func GivenTaskWasDeleted(
	t testing.TB,
	ctx context.Context,
	store *versionstore.Store,
	objectID string,
) versionstore.VersionID {

	version, err := store.Execute(ctx, func(tx *versionstore.WriteTx) error {
		return tx.Delete(TaskKind, objectID)
	})
	assert.NoError(t, err, "error in arranging test data")

	return version
}

func GivenBoardWithTasks(
	t testing.TB,
	ctx context.Context,
	store *versionstore.Store,
	taskTitles ...string,
) (boardID string, taskIDs []string) {

	_, err := store.Execute(ctx, func(tx *versionstore.WriteTx) error {
		board, txErr := tx.Create(BoardKind, versionstore.FieldMap{"name": "backlog"})
		if txErr != nil {
			return txErr
		}
		boardID = board.ID

		for i, title := range taskTitles {
			task, appendErr := tx.ListAppend(
				BoardKind, boardID, BoardTasksField,
				TaskKind, FixtureTaskFields(title, i, false),
			)
			if appendErr != nil {
				return appendErr
			}
			taskIDs = append(taskIDs, task.ID)
		}

		return nil
	})
	assert.NoError(t, err, "error in arranging test data")

	return boardID, taskIDs
}

// NextEmission receives one emission from the subscription, failing the test
// if nothing arrives within the timeout.
func NextEmission(t testing.TB, sub *versionstore.Subscription, timeout time.Duration) versionstore.Emission {
	t.Helper()

	select {
	case emission, ok := <-sub.Events():
		require.True(t, ok, "subscription channel closed before an emission arrived")

		return emission
	case <-time.After(timeout):
		t.Fatal("timed out waiting for an emission")

		return versionstore.Emission{}
	}
}

// ExpectNoEmission asserts that the subscription stays silent for the given
// window.
func ExpectNoEmission(t testing.TB, sub *versionstore.Subscription, window time.Duration) {
	t.Helper()

	select {
	case emission, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected emission at version %d", emission.Version)
		}
	case <-time.After(window):
	}
}

// ExpectClosed waits for the subscription channel to close.
func ExpectClosed(t testing.TB, sub *versionstore.Subscription, timeout time.Duration) {
	t.Helper()

	deadline := time.After(timeout)

	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the subscription channel to close")
		}
	}
}
