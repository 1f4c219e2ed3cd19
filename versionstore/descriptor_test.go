package versionstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/objectstream/reactive-versionstore-go/versionstore"
)

//nolint:funlen
func Test_QueryBuilder_ValidCombinations(t *testing.T) {
	tests := []struct {
		name     string
		build    func() versionstore.Query
		validate func(t *testing.T, query versionstore.Query)
	}{
		{
			name: "kind_only_query",
			build: func() versionstore.Query {
				return versionstore.BuildQuery().
					OfKind("task").
					Finalize()
			},
			validate: func(t *testing.T, q versionstore.Query) {
				assert.Equal(t, "task", q.EntityKind())
				assert.Empty(t, q.Predicates())
				assert.False(t, q.AllPredicatesMustMatch())
				assert.Empty(t, q.OrderBy())
				assert.False(t, q.Descending())
				assert.False(t, q.ReorderAsDeleteInsert())
			},
		},
		{
			name: "single_predicate_query",
			build: func() versionstore.Query {
				return versionstore.BuildQuery().
					OfKind("task").
					AnyPredicateOf(versionstore.P("done", false)).
					Finalize()
			},
			validate: func(t *testing.T, q versionstore.Query) {
				assert.Equal(t, "task", q.EntityKind())
				assert.Len(t, q.Predicates(), 1)
				assert.Equal(t, "done", q.Predicates()[0].Key())
				assert.Equal(t, false, q.Predicates()[0].Val())
				assert.False(t, q.AllPredicatesMustMatch())
			},
		},
		{
			name: "any_of_multiple_predicates_query",
			build: func() versionstore.Query {
				return versionstore.BuildQuery().
					OfKind("task").
					AnyPredicateOf(
						versionstore.P("title", "shopping"),
						versionstore.P("title", "cleaning")).
					Finalize()
			},
			validate: func(t *testing.T, q versionstore.Query) {
				assert.Len(t, q.Predicates(), 2)
				assert.False(t, q.AllPredicatesMustMatch())
			},
		},
		{
			name: "all_of_multiple_predicates_query",
			build: func() versionstore.Query {
				return versionstore.BuildQuery().
					OfKind("task").
					AllPredicatesOf(
						versionstore.P("done", false),
						versionstore.P("priority", 1)).
					Finalize()
			},
			validate: func(t *testing.T, q versionstore.Query) {
				assert.Len(t, q.Predicates(), 2)
				assert.True(t, q.AllPredicatesMustMatch())
			},
		},
		{
			name: "ordered_query",
			build: func() versionstore.Query {
				return versionstore.BuildQuery().
					OfKind("task").
					OrderedBy("priority").
					Finalize()
			},
			validate: func(t *testing.T, q versionstore.Query) {
				assert.Equal(t, "priority", q.OrderBy())
				assert.False(t, q.Descending())
			},
		},
		{
			name: "ordered_descending_query",
			build: func() versionstore.Query {
				return versionstore.BuildQuery().
					OfKind("task").
					AnyPredicateOf(versionstore.P("done", false)).
					OrderedBy("priority").
					Descending().
					Finalize()
			},
			validate: func(t *testing.T, q versionstore.Query) {
				assert.Equal(t, "priority", q.OrderBy())
				assert.True(t, q.Descending())
				assert.False(t, q.ReorderAsDeleteInsert())
			},
		},
		{
			name: "ordered_with_reorder_reporting_query",
			build: func() versionstore.Query {
				return versionstore.BuildQuery().
					OfKind("task").
					OrderedBy("priority").
					ReportReorderAsDeleteInsert().
					Finalize()
			},
			validate: func(t *testing.T, q versionstore.Query) {
				assert.Equal(t, "priority", q.OrderBy())
				assert.True(t, q.ReorderAsDeleteInsert())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := tt.build()
			tt.validate(t, query)
		})
	}
}

func Test_QueryBuilder_SanitizesPredicates(t *testing.T) {
	tests := []struct {
		name     string
		build    func() versionstore.Query
		expected []versionstore.Predicate
	}{
		{
			name: "removes_empty_key_predicates",
			build: func() versionstore.Query {
				return versionstore.BuildQuery().
					OfKind("task").
					AnyPredicateOf(
						versionstore.P("", "ignored"),
						versionstore.P("title", "shopping")).
					Finalize()
			},
			expected: []versionstore.Predicate{versionstore.P("title", "shopping")},
		},
		{
			name: "removes_nil_value_predicates",
			build: func() versionstore.Query {
				return versionstore.BuildQuery().
					OfKind("task").
					AnyPredicateOf(
						versionstore.P("title", nil),
						versionstore.P("title", "shopping")).
					Finalize()
			},
			expected: []versionstore.Predicate{versionstore.P("title", "shopping")},
		},
		{
			name: "sorts_predicates_by_key",
			build: func() versionstore.Query {
				return versionstore.BuildQuery().
					OfKind("task").
					AnyPredicateOf(
						versionstore.P("title", "shopping"),
						versionstore.P("done", false)).
					Finalize()
			},
			expected: []versionstore.Predicate{
				versionstore.P("done", false),
				versionstore.P("title", "shopping"),
			},
		},
		{
			name: "removes_duplicate_predicates",
			build: func() versionstore.Query {
				return versionstore.BuildQuery().
					OfKind("task").
					AllPredicatesOf(
						versionstore.P("done", false),
						versionstore.P("done", false),
						versionstore.P("priority", 1)).
					Finalize()
			},
			expected: []versionstore.Predicate{
				versionstore.P("done", false),
				versionstore.P("priority", 1),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := tt.build()
			assert.Equal(t, tt.expected, query.Predicates())
		})
	}
}

func Test_DescriptorFactories(t *testing.T) {
	objectDesc := versionstore.ObjectDescriptor("task", "task-1")
	assert.Equal(t, versionstore.KindObject, objectDesc.Kind)
	assert.Equal(t, "task", objectDesc.EntityKind)
	assert.Equal(t, "task-1", objectDesc.ObjectID)

	query := versionstore.BuildQuery().OfKind("task").Finalize()
	resultsDesc := versionstore.ResultsDescriptor(query)
	assert.Equal(t, versionstore.KindResults, resultsDesc.Kind)
	assert.Equal(t, "task", resultsDesc.EntityKind)

	listDesc := versionstore.ListDescriptor("board", "board-1", "tasks")
	assert.Equal(t, versionstore.KindList, listDesc.Kind)
	assert.Equal(t, "board", listDesc.OwnerKind)
	assert.Equal(t, "board-1", listDesc.OwnerID)
	assert.Equal(t, "tasks", listDesc.ListField)
}

func Test_HandleKind_String(t *testing.T) {
	assert.Equal(t, "object", versionstore.KindObject.String())
	assert.Equal(t, "results", versionstore.KindResults.String())
	assert.Equal(t, "list", versionstore.KindList.String())
}
