package sqlengine_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectstream/reactive-versionstore-go/testutil/observability/testdoubles"
	"github.com/objectstream/reactive-versionstore-go/testutil/sqlengine/config"
	. "github.com/objectstream/reactive-versionstore-go/versionstore"
	"github.com/objectstream/reactive-versionstore-go/versionstore/sqlengine"
)

func givenObservedEngine(t testing.TB) (*sqlengine.Engine, *testdoubles.LoggerSpy, *testdoubles.MetricsCollectorSpy, *testdoubles.TracingCollectorSpy) {
	db := config.SQLiteFileConfig(filepath.Join(t.TempDir(), "engine.db"))
	t.Cleanup(func() {
		_ = db.Close()
	})

	loggerSpy := testdoubles.NewLoggerSpy()
	metricsSpy := testdoubles.NewMetricsCollectorSpy()
	tracingSpy := testdoubles.NewTracingCollectorSpy()

	engine, err := sqlengine.NewEngineFromSQLDB(db, sqlengine.DialectSQLite,
		sqlengine.WithLogger(loggerSpy),
		sqlengine.WithMetrics(metricsSpy),
		sqlengine.WithTracing(tracingSpy),
	)
	require.NoError(t, err, "error in arranging test data")
	require.NoError(t, engine.InitSchema(context.Background()), "error in arranging test data")

	t.Cleanup(func() {
		_ = engine.Close()
	})

	return engine, loggerSpy, metricsSpy, tracingSpy
}

func Test_Apply_LogsTheCommit_AtInfoLevel(t *testing.T) {
	// setup
	engine, loggerSpy, _, _ := givenObservedEngine(t)

	// act
	_, err := engine.Apply(context.Background(), []Mutation{
		insertMutation(t, "task", "task-1", `{"title":"shopping"}`),
	})
	require.NoError(t, err)

	// assert
	assert.True(t, loggerSpy.HasLog("info", "versionstore engine operation: mutations committed"))
}

func Test_Apply_RecordsTheCommitDuration(t *testing.T) {
	// setup
	engine, _, metricsSpy, _ := givenObservedEngine(t)

	// act
	_, err := engine.Apply(context.Background(), []Mutation{
		insertMutation(t, "task", "task-1", `{"title":"shopping"}`),
	})
	require.NoError(t, err)

	// assert
	assert.True(t, metricsSpy.HasDuration("sqlengine_commit_duration"))
}

func Test_Query_RecordsTheQueryDuration(t *testing.T) {
	// setup
	engine, _, metricsSpy, _ := givenObservedEngine(t)

	version, err := engine.Apply(context.Background(), []Mutation{
		insertMutation(t, "task", "task-1", `{"title":"shopping"}`),
	})
	require.NoError(t, err)

	// act
	_, queryErr := engine.Query(context.Background(), ObjectDescriptor("task", "task-1"), version)
	require.NoError(t, queryErr)

	// assert
	assert.True(t, metricsSpy.HasDuration("sqlengine_query_duration"))
}

func Test_Apply_EmitsACommitSpan(t *testing.T) {
	// setup
	engine, _, _, tracingSpy := givenObservedEngine(t)

	// act
	_, err := engine.Apply(context.Background(), []Mutation{
		insertMutation(t, "task", "task-1", `{"title":"shopping"}`),
	})
	require.NoError(t, err)

	// assert
	require.True(t, tracingSpy.HasSpan("sqlengine.commit"))

	spans := tracingSpy.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "ok", spans[0].Status)
	assert.Equal(t, "1", spans[0].StartAttributes["mutation_count"])
}

func Test_Apply_WhenAMutationFails_FinishesTheSpanWithErrorStatus(t *testing.T) {
	// setup
	engine, _, _, tracingSpy := givenObservedEngine(t)

	// act
	_, err := engine.Apply(context.Background(), []Mutation{
		updateMutation(t, "task", "no-such-task", `{"title":"shopping"}`),
	})
	require.Error(t, err)

	// assert
	spans := tracingSpy.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "error", spans[0].Status)
}
