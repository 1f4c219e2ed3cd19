package versionstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectstream/reactive-versionstore-go/versionstore"
)

func Test_BuildObject_WithFields(t *testing.T) {
	object, err := versionstore.BuildObject("task", "task-1", versionstore.FieldMap{
		"title":    "shopping",
		"priority": 2,
	})

	require.NoError(t, err)
	assert.Equal(t, "task", object.EntityKind)
	assert.Equal(t, "task-1", object.ID)

	title, found := object.Get("title")
	assert.True(t, found)
	assert.Equal(t, "shopping", title)

	_, found = object.Get("missing")
	assert.False(t, found)
}

func Test_BuildObject_WithNilFields_YieldsEmptyFieldMap(t *testing.T) {
	object, err := versionstore.BuildObject("task", "task-1", nil)

	require.NoError(t, err)
	assert.NotNil(t, object.Fields)
	assert.Empty(t, object.Fields)
}

func Test_BuildObject_WithEmptyEntityKind_Fails(t *testing.T) {
	_, err := versionstore.BuildObject("", "task-1", versionstore.FieldMap{})

	assert.ErrorIs(t, err, versionstore.ErrEmptyEntityKind)
}

func Test_Object_PayloadJSON_SerializesTheFieldMap(t *testing.T) {
	object, err := versionstore.BuildObject("task", "task-1", versionstore.FieldMap{"title": "shopping"})
	require.NoError(t, err)

	payload, err := object.PayloadJSON()

	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"shopping"}`, string(payload))
}

func Test_Object_PayloadJSON_WithUnserializableField_Fails(t *testing.T) {
	object, err := versionstore.BuildObject("task", "task-1", versionstore.FieldMap{"bad": make(chan int)})
	require.NoError(t, err)

	_, err = object.PayloadJSON()

	assert.ErrorIs(t, err, versionstore.ErrInvalidPayloadJSON)
}

func Test_DecodeObject_IntoTypedValue(t *testing.T) {
	type task struct {
		Title    string `json:"title"`
		Priority int    `json:"priority"`
		Done     bool   `json:"done"`
	}

	object, err := versionstore.BuildObject("task", "task-1", versionstore.FieldMap{
		"title":    "shopping",
		"priority": 2,
		"done":     true,
	})
	require.NoError(t, err)

	decoded, err := versionstore.DecodeObject[task](object)

	require.NoError(t, err)
	assert.Equal(t, task{Title: "shopping", Priority: 2, Done: true}, decoded)
}
