package versionstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectstream/reactive-versionstore-go/testutil/helper"
	"github.com/objectstream/reactive-versionstore-go/testutil/observability/testdoubles"
	"github.com/objectstream/reactive-versionstore-go/versionstore"
)

func Test_Execute_RecordsCommitMetrics_AndEmitsASpan(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	metricsSpy := testdoubles.NewMetricsCollectorSpy()
	tracingSpy := testdoubles.NewTracingCollectorSpy()
	store := helper.GivenStore(t,
		versionstore.WithMetrics(metricsSpy),
		versionstore.WithTracing(tracingSpy),
	)

	// act
	helper.GivenTaskWasCreated(t, ctx, store, "shopping", 1)

	// assert
	assert.True(t, metricsSpy.HasDuration("versionstore_commit_duration"))
	assert.True(t, tracingSpy.HasSpan("versionstore.commit"))
}

func Test_Dispatch_RecordsDispatchMetrics(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	metricsSpy := testdoubles.NewMetricsCollectorSpy()
	store := helper.GivenStore(t, versionstore.WithMetrics(metricsSpy))

	handle, err := store.FindAll(ctx, helper.QueryAllTasks())
	require.NoError(t, err)

	sub := handle.AsStream().Subscribe()
	defer sub.Cancel()
	helper.NextEmission(t, sub, 2*time.Second)

	// act
	helper.GivenTaskWasCreated(t, ctx, store, "shopping", 1)
	helper.NextEmission(t, sub, 2*time.Second)

	// assert
	assert.True(t, metricsSpy.HasDuration("versionstore_dispatch_duration"))
	assert.GreaterOrEqual(t, metricsSpy.CounterCount("versionstore_dispatched_versions_total"), 1)
}

func Test_Execute_LogsTheCommit_ThroughTheContextualLogger(t *testing.T) {
	// setup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	loggerSpy := testdoubles.NewContextualLoggerSpy()
	store := helper.GivenStore(t, versionstore.WithContextualLogger(loggerSpy))

	// act
	helper.GivenTaskWasCreated(t, ctx, store, "shopping", 1)

	// assert
	assert.True(t, loggerSpy.HasLog("debug", "commit applied"))
}
