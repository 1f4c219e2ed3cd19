package versionstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ReferenceRetainer_RetainsTheWholeOwnershipChain(t *testing.T) {
	// setup
	retainer := newReferenceRetainer()
	parent := &Handle{}
	source := &Handle{parent: parent}
	subscription := uuid.New()

	// act
	retainer.retain(subscription, source)

	// assert
	assert.True(t, retainer.retains(source))
	assert.True(t, retainer.retains(parent))
	assert.Equal(t, 1, retainer.outstanding())

	// act: release is exactly-once, a second release is a no-op
	retainer.release(subscription)
	retainer.release(subscription)

	// assert
	assert.False(t, retainer.retains(source))
	assert.False(t, retainer.retains(parent))
	assert.Equal(t, 0, retainer.outstanding())
}

func Test_Subscription_RetainsItsSourceHandle_UntilTermination(t *testing.T) {
	// setup
	engine := newStubEngine(1)
	engine.setRows(1, []Row{stubTaskRow("task-1", "shopping")})

	store, err := Open(engine)
	require.NoError(t, err)
	defer func() {
		_ = store.Close()
	}()

	handle, findErr := store.FindAll(context.Background(), BuildQuery().OfKind("task").Finalize())
	require.NoError(t, findErr)

	// act
	sub := handle.AsStream().Subscribe()

	// assert
	assert.True(t, store.retainer.retains(handle))
	assert.Equal(t, 1, store.retainer.outstanding())

	// act
	sub.Cancel()

	// assert
	require.Eventually(t, func() bool {
		return store.retainer.outstanding() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, store.retainer.retains(handle))
}
