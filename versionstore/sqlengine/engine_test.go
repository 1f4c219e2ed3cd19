package sqlengine_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectstream/reactive-versionstore-go/testutil/sqlengine/config"
	. "github.com/objectstream/reactive-versionstore-go/versionstore"
	"github.com/objectstream/reactive-versionstore-go/versionstore/sqlengine"
)

func givenEngine(t testing.TB) *sqlengine.Engine {
	db := config.SQLiteFileConfig(filepath.Join(t.TempDir(), "engine.db"))
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

func insertMutation(t testing.TB, kind string, id string, payload string) Mutation {
	mutation, err := BuildInsertMutation(kind, id, []byte(payload))
	require.NoError(t, err, "error in arranging test data")

	return mutation
}

func updateMutation(t testing.TB, kind string, id string, payload string) Mutation {
	mutation, err := BuildUpdateMutation(kind, id, []byte(payload))
	require.NoError(t, err, "error in arranging test data")

	return mutation
}

func deleteMutation(t testing.TB, kind string, id string) Mutation {
	mutation, err := BuildDeleteMutation(kind, id)
	require.NoError(t, err, "error in arranging test data")

	return mutation
}

func Test_InitSchema_IsIdempotent(t *testing.T) {
	// setup
	engine := givenEngine(t)

	// act + assert
	assert.NoError(t, engine.InitSchema(context.Background()))
}

func Test_Apply_CommitsMutations_And_AdvancesTheVersion(t *testing.T) {
	// setup
	ctx := context.Background()
	engine := givenEngine(t)

	// act
	first, err := engine.Apply(ctx, []Mutation{
		insertMutation(t, "task", "task-1", `{"title":"shopping"}`),
		insertMutation(t, "task", "task-2", `{"title":"cleaning"}`),
	})
	require.NoError(t, err)

	second, err := engine.Apply(ctx, []Mutation{
		insertMutation(t, "task", "task-3", `{"title":"cooking"}`),
	})
	require.NoError(t, err)

	// assert
	assert.Equal(t, VersionID(1), first)
	assert.Equal(t, VersionID(2), second)

	current, versionErr := engine.CurrentVersion(ctx)
	assert.NoError(t, versionErr)
	assert.Equal(t, second, current)
}

func Test_Apply_WithoutMutations_Fails(t *testing.T) {
	// setup
	engine := givenEngine(t)

	// act
	_, err := engine.Apply(context.Background(), nil)

	// assert
	assert.ErrorIs(t, err, ErrInvalidMutation)
}

func Test_Apply_InsertingADuplicateObjectID_FailsAndRollsBack(t *testing.T) {
	// setup
	ctx := context.Background()
	engine := givenEngine(t)

	_, err := engine.Apply(ctx, []Mutation{
		insertMutation(t, "task", "task-1", `{"title":"shopping"}`),
	})
	require.NoError(t, err)

	// act: the second mutation fails, the first must not survive
	_, applyErr := engine.Apply(ctx, []Mutation{
		insertMutation(t, "task", "task-2", `{"title":"cleaning"}`),
		insertMutation(t, "task", "task-1", `{"title":"duplicate"}`),
	})

	// assert
	assert.ErrorIs(t, applyErr, sqlengine.ErrDuplicateObjectID)

	current, versionErr := engine.CurrentVersion(ctx)
	assert.NoError(t, versionErr)
	assert.Equal(t, VersionID(1), current)

	rows, queryErr := engine.Query(ctx, ObjectDescriptor("task", "task-2"), current)
	assert.NoError(t, queryErr)
	assert.Empty(t, rows, "the rolled back sibling mutation must leave no row behind")
}

func Test_Apply_UpdatingAMissingObject_Fails(t *testing.T) {
	// setup
	engine := givenEngine(t)

	// act
	_, err := engine.Apply(context.Background(), []Mutation{
		updateMutation(t, "task", "no-such-task", `{"title":"shopping"}`),
	})

	// assert
	assert.ErrorIs(t, err, sqlengine.ErrObjectMissing)
}

func Test_Apply_DeletingAMissingObject_Fails(t *testing.T) {
	// setup
	engine := givenEngine(t)

	// act
	_, err := engine.Apply(context.Background(), []Mutation{
		deleteMutation(t, "task", "no-such-task"),
	})

	// assert
	assert.ErrorIs(t, err, sqlengine.ErrObjectMissing)
}

func Test_Apply_ListInsert_WithAMissingOwner_Fails(t *testing.T) {
	// setup
	engine := givenEngine(t)

	mutation, err := BuildListInsertMutation("board", "no-such-board", "tasks", "task", "task-1", []byte(`{"title":"shopping"}`))
	require.NoError(t, err, "error in arranging test data")

	// act
	_, applyErr := engine.Apply(context.Background(), []Mutation{mutation})

	// assert
	assert.ErrorIs(t, applyErr, sqlengine.ErrOwnerMissing)
}

func Test_Apply_AfterClose_Fails(t *testing.T) {
	// setup
	engine := givenEngine(t)
	require.NoError(t, engine.Close())

	// act
	_, err := engine.Apply(context.Background(), []Mutation{
		insertMutation(t, "task", "task-1", `{"title":"shopping"}`),
	})

	// assert
	assert.ErrorIs(t, err, sqlengine.ErrEngineClosed)
}

func Test_Query_AnObjectSnapshot_AtDifferentVersions(t *testing.T) {
	// setup
	ctx := context.Background()
	engine := givenEngine(t)

	// arrange
	v1, err := engine.Apply(ctx, []Mutation{
		insertMutation(t, "task", "task-1", `{"title":"shopping"}`),
	})
	require.NoError(t, err)

	v2, err := engine.Apply(ctx, []Mutation{
		updateMutation(t, "task", "task-1", `{"title":"renamed"}`),
	})
	require.NoError(t, err)

	descriptor := ObjectDescriptor("task", "task-1")

	// act + assert: the old version still shows the old payload
	oldRows, oldErr := engine.Query(ctx, descriptor, v1)
	require.NoError(t, oldErr)
	require.Len(t, oldRows, 1)
	assert.JSONEq(t, `{"title":"shopping"}`, string(oldRows[0].Payload))

	newRows, newErr := engine.Query(ctx, descriptor, v2)
	require.NoError(t, newErr)
	require.Len(t, newRows, 1)
	assert.JSONEq(t, `{"title":"renamed"}`, string(newRows[0].Payload))
}

func Test_Query_AtVersionZero_ReturnsTheEmptySnapshot(t *testing.T) {
	// setup
	ctx := context.Background()
	engine := givenEngine(t)

	// arrange
	_, err := engine.Apply(ctx, []Mutation{
		insertMutation(t, "task", "task-1", `{"title":"shopping"}`),
	})
	require.NoError(t, err)

	// act
	rows, queryErr := engine.Query(ctx, ObjectDescriptor("task", "task-1"), 0)

	// assert
	assert.NoError(t, queryErr)
	assert.Empty(t, rows)
}

func Test_Query_Results_AreOrderedByThePayloadField(t *testing.T) {
	// setup
	ctx := context.Background()
	engine := givenEngine(t)

	// arrange
	version, err := engine.Apply(ctx, []Mutation{
		insertMutation(t, "task", "task-1", `{"title":"shopping","priority":2}`),
		insertMutation(t, "task", "task-2", `{"title":"cleaning","priority":0}`),
		insertMutation(t, "task", "task-3", `{"title":"cooking","priority":1}`),
	})
	require.NoError(t, err)

	query := BuildQuery().
		OfKind("task").
		OrderedBy("priority").
		Finalize()

	// act
	rows, queryErr := engine.Query(ctx, ResultsDescriptor(query), version)

	// assert
	require.NoError(t, queryErr)
	require.Len(t, rows, 3)
	assert.Equal(t, "task-2", rows[0].ObjectID)
	assert.Equal(t, "task-3", rows[1].ObjectID)
	assert.Equal(t, "task-1", rows[2].ObjectID)
	assert.Equal(t, []int{0, 1, 2}, []int{rows[0].Position, rows[1].Position, rows[2].Position})
}

func Test_Query_Results_WithPredicates(t *testing.T) {
	// setup
	ctx := context.Background()
	engine := givenEngine(t)

	// arrange
	version, err := engine.Apply(ctx, []Mutation{
		insertMutation(t, "task", "task-1", `{"title":"shopping","done":true}`),
		insertMutation(t, "task", "task-2", `{"title":"cleaning","done":false}`),
		insertMutation(t, "task", "task-3", `{"title":"cooking","done":false}`),
	})
	require.NoError(t, err)

	query := BuildQuery().
		OfKind("task").
		AnyPredicateOf(P("done", false)).
		OrderedBy("title").
		Finalize()

	// act
	rows, queryErr := engine.Query(ctx, ResultsDescriptor(query), version)

	// assert
	require.NoError(t, queryErr)
	require.Len(t, rows, 2)
	assert.Equal(t, "task-2", rows[0].ObjectID)
	assert.Equal(t, "task-3", rows[1].ObjectID)
}

func Test_Query_WhenAFieldNameContainsAQuote_DoesNotBreakTheStatement(t *testing.T) {
	// setup
	ctx := context.Background()
	engine := givenEngine(t)

	// arrange
	version, err := engine.Apply(ctx, []Mutation{
		insertMutation(t, "task", "task-1", `{"owner's note":"urgent"}`),
		insertMutation(t, "task", "task-2", `{"owner's note":"later"}`),
	})
	require.NoError(t, err)

	query := BuildQuery().
		OfKind("task").
		AnyPredicateOf(P("owner's note", "urgent")).
		OrderedBy("owner's note").
		Finalize()

	// act
	rows, queryErr := engine.Query(ctx, ResultsDescriptor(query), version)

	// assert
	require.NoError(t, queryErr)
	require.Len(t, rows, 1)
	assert.Equal(t, "task-1", rows[0].ObjectID)
}

func Test_Query_AnEmbeddedList_InInsertionOrder(t *testing.T) {
	// setup
	ctx := context.Background()
	engine := givenEngine(t)

	// arrange
	boardInsert := insertMutation(t, "board", "board-1", `{"name":"backlog"}`)
	firstElement, err := BuildListInsertMutation("board", "board-1", "tasks", "task", "task-1", []byte(`{"title":"shopping"}`))
	require.NoError(t, err, "error in arranging test data")
	secondElement, err := BuildListInsertMutation("board", "board-1", "tasks", "task", "task-2", []byte(`{"title":"cleaning"}`))
	require.NoError(t, err, "error in arranging test data")

	version, applyErr := engine.Apply(ctx, []Mutation{boardInsert, firstElement, secondElement})
	require.NoError(t, applyErr)

	// act
	rows, queryErr := engine.Query(ctx, ListDescriptor("board", "board-1", "tasks"), version)

	// assert
	require.NoError(t, queryErr)
	require.Len(t, rows, 2)
	assert.Equal(t, "task-1", rows[0].ObjectID)
	assert.Equal(t, "task-2", rows[1].ObjectID)
}

func Test_Apply_DeletingAListOwner_RemovesItsEmbeddedElements(t *testing.T) {
	// setup
	ctx := context.Background()
	engine := givenEngine(t)

	// arrange
	boardInsert := insertMutation(t, "board", "board-1", `{"name":"backlog"}`)
	element, err := BuildListInsertMutation("board", "board-1", "tasks", "task", "task-1", []byte(`{"title":"shopping"}`))
	require.NoError(t, err, "error in arranging test data")

	_, applyErr := engine.Apply(ctx, []Mutation{boardInsert, element})
	require.NoError(t, applyErr)

	// act
	version, deleteErr := engine.Apply(ctx, []Mutation{deleteMutation(t, "board", "board-1")})
	require.NoError(t, deleteErr)

	// assert
	rows, queryErr := engine.Query(ctx, ListDescriptor("board", "board-1", "tasks"), version)
	require.NoError(t, queryErr)
	assert.Empty(t, rows)
}

func Test_DiffVersions_ReturnsBothSnapshots(t *testing.T) {
	// setup
	ctx := context.Background()
	engine := givenEngine(t)

	// arrange
	v1, err := engine.Apply(ctx, []Mutation{
		insertMutation(t, "task", "task-1", `{"title":"shopping"}`),
	})
	require.NoError(t, err)

	v2, err := engine.Apply(ctx, []Mutation{
		insertMutation(t, "task", "task-2", `{"title":"cleaning"}`),
		deleteMutation(t, "task", "task-1"),
	})
	require.NoError(t, err)

	query := BuildQuery().OfKind("task").OrderedBy("title").Finalize()

	// act
	raw, diffErr := engine.DiffVersions(ctx, v1, v2, ResultsDescriptor(query))

	// assert
	require.NoError(t, diffErr)
	require.Len(t, raw.Old, 1)
	assert.Equal(t, "task-1", raw.Old[0].ObjectID)
	require.Len(t, raw.New, 1)
	assert.Equal(t, "task-2", raw.New[0].ObjectID)
}

func Test_OpenRead_ForAnUnknownVersion_Fails(t *testing.T) {
	// setup
	engine := givenEngine(t)

	// act
	_, err := engine.OpenRead(context.Background(), 99)

	// assert
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func Test_OpenRead_ForVersionZero_PinsTheEmptySnapshot(t *testing.T) {
	// setup
	engine := givenEngine(t)

	// act
	pin, err := engine.OpenRead(context.Background(), 0)

	// assert
	require.NoError(t, err)
	assert.Equal(t, VersionID(0), pin.Version())
	assert.NoError(t, pin.Release())
}

func Test_Prune_HonorsOpenReadPins(t *testing.T) {
	// setup
	ctx := context.Background()
	engine := givenEngine(t)

	// arrange: three versions of the same object
	v1, err := engine.Apply(ctx, []Mutation{
		insertMutation(t, "task", "task-1", `{"title":"v1"}`),
	})
	require.NoError(t, err)

	_, err = engine.Apply(ctx, []Mutation{
		updateMutation(t, "task", "task-1", `{"title":"v2"}`),
	})
	require.NoError(t, err)

	v3, err := engine.Apply(ctx, []Mutation{
		updateMutation(t, "task", "task-1", `{"title":"v3"}`),
	})
	require.NoError(t, err)

	pin, pinErr := engine.OpenRead(ctx, v1)
	require.NoError(t, pinErr)

	// act: the pin lowers the prune floor to v1
	floor, pruneErr := engine.Prune(ctx, v3)

	// assert
	require.NoError(t, pruneErr)
	assert.Equal(t, v1, floor)

	pinnedRows, queryErr := engine.Query(ctx, ObjectDescriptor("task", "task-1"), v1)
	require.NoError(t, queryErr)
	require.Len(t, pinnedRows, 1)
	assert.JSONEq(t, `{"title":"v1"}`, string(pinnedRows[0].Payload))

	// act: releasing the pin unblocks pruning up to the latest version
	require.NoError(t, pin.Release())

	floor, pruneErr = engine.Prune(ctx, v3)
	require.NoError(t, pruneErr)
	assert.Equal(t, v3, floor)

	currentRows, currentErr := engine.Query(ctx, ObjectDescriptor("task", "task-1"), v3)
	require.NoError(t, currentErr)
	require.Len(t, currentRows, 1)
	assert.JSONEq(t, `{"title":"v3"}`, string(currentRows[0].Payload))
}

func Test_RegisterVersionListener_NotifiesInCommitOrder(t *testing.T) {
	// setup
	ctx := context.Background()
	engine := givenEngine(t)

	var mu sync.Mutex
	var notified []VersionID

	unregister, err := engine.RegisterVersionListener(func(version VersionID) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, version)
	})
	require.NoError(t, err)

	// act
	for i := 0; i < 3; i++ {
		_, applyErr := engine.Apply(ctx, []Mutation{
			insertMutation(t, "task", fmt.Sprintf("task-%d", i), `{}`),
		})
		require.NoError(t, applyErr)
	}

	// assert
	mu.Lock()
	assert.Equal(t, []VersionID{1, 2, 3}, notified)
	mu.Unlock()

	// act: an unregistered listener stays silent
	unregister()

	_, applyErr := engine.Apply(ctx, []Mutation{
		insertMutation(t, "task", "task-final", `{}`),
	})
	require.NoError(t, applyErr)

	mu.Lock()
	assert.Len(t, notified, 3)
	mu.Unlock()
}
