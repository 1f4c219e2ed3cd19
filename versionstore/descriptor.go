package versionstore

import (
	"fmt"
	"slices"
	"strings"
)

type PredicateKeyString = string

/***** Predicate *****/

// Predicate matches one payload field against an expected value.
type Predicate struct {
	key PredicateKeyString
	val any
}

// P builds a Predicate for the given field name and expected value.
func P(key PredicateKeyString, val any) Predicate {
	return Predicate{key: key, val: val}
}

func (p Predicate) Key() PredicateKeyString {
	return p.key
}

func (p Predicate) Val() any {
	return p.val
}

/***** Query *****/

// Query describes an ordered result collection over one entity kind:
// which objects belong to it, how they are ordered, and how reordering
// is reported in changesets.
type Query struct {
	entityKind             string
	predicates             []Predicate
	allPredicatesMustMatch bool
	orderBy                string
	descending             bool
	reorderAsDeleteInsert  bool
}

func (q Query) EntityKind() string {
	return q.entityKind
}

func (q Query) Predicates() []Predicate {
	return q.predicates
}

func (q Query) AllPredicatesMustMatch() bool {
	return q.allPredicatesMustMatch
}

// OrderBy returns the payload field the collection is sorted by, or "" when
// the collection keeps stable insertion order.
func (q Query) OrderBy() string {
	return q.orderBy
}

func (q Query) Descending() bool {
	return q.descending
}

// ReorderAsDeleteInsert reports whether the collection's order is part of its
// identity: when true, an element that moves without any field change is
// reported as a delete+insert pair instead of a no-op.
func (q Query) ReorderAsDeleteInsert() bool {
	return q.reorderAsDeleteInsert
}

// signature renders a canonical identity for the query, used for handle
// equality: two handles over the same query and version compare equal.
func (q Query) signature() string {
	var b strings.Builder

	b.WriteString(q.entityKind)

	for _, predicate := range q.predicates {
		fmt.Fprintf(&b, "|%s=%v", predicate.key, predicate.val)
	}

	if q.allPredicatesMustMatch {
		b.WriteString("|all")
	}

	if q.orderBy != "" {
		fmt.Fprintf(&b, "|order=%s", q.orderBy)
		if q.descending {
			b.WriteString(":desc")
		}
	}

	return b.String()
}

/***** QueryBuilder *****/

// QueryBuilder builds a generic query descriptor to be used by engine
// implementations to build queries for their specific query language,
// e.g.: SQLite, Postgres, ...
//
// It is designed to only allow "useful" combinations for a reactive
// object store:
//
//   - (kind)
//   - (kind AND predicate)
//   - (kind AND (predicate OR predicate...))
//   - (kind AND (predicate AND predicate...))
//   - any of the above, ordered by one payload field
type QueryBuilder interface {
	// OfKind starts the query for one entity kind.
	OfKind(entityKind string) KindedQueryBuilder
}

type KindedQueryBuilder interface {
	// AnyPredicateOf adds one or multiple Predicate(s), expecting ANY of
	// them to match.
	//
	// It sanitizes the input:
	//	- removing empty/partial Predicate(s) (key is "" or val is nil)
	//	- sorting the Predicate(s) by key
	//	- removing duplicate Predicate(s)
	AnyPredicateOf(predicate Predicate, predicates ...Predicate) PredicatedQueryBuilder

	// AllPredicatesOf adds one or multiple Predicate(s), expecting ALL of
	// them to match. Sanitization is the same as for AnyPredicateOf.
	AllPredicatesOf(predicate Predicate, predicates ...Predicate) PredicatedQueryBuilder

	// OrderedBy sorts the result collection by one payload field, making
	// order part of the collection's observable state.
	OrderedBy(field string) OrderedQueryBuilder

	// Finalize returns the Query once it has an entity kind.
	Finalize() Query
}

type PredicatedQueryBuilder interface {
	// OrderedBy sorts the result collection by one payload field.
	OrderedBy(field string) OrderedQueryBuilder

	// Finalize returns the Query.
	Finalize() Query
}

type OrderedQueryBuilder interface {
	// Descending reverses the sort direction.
	Descending() OrderedQueryBuilder

	// ReportReorderAsDeleteInsert makes changesets report identity-stable
	// moves as delete+insert pairs, for views whose order is part of
	// their identity.
	ReportReorderAsDeleteInsert() OrderedQueryBuilder

	// Finalize returns the Query.
	Finalize() Query
}

// queryBuilder implements all the interfaces of QueryBuilder.
type queryBuilder struct {
	query Query
}

// BuildQuery creates a QueryBuilder which must eventually be finalized with
// Finalize().
func BuildQuery() QueryBuilder {
	return queryBuilder{}
}

// OfKind starts the query for one entity kind.
func (qb queryBuilder) OfKind(entityKind string) KindedQueryBuilder {
	qb.query.entityKind = entityKind

	return qb
}

// AnyPredicateOf adds one or multiple Predicate(s) expecting ANY predicate to match.
func (qb queryBuilder) AnyPredicateOf(predicate Predicate, predicates ...Predicate) PredicatedQueryBuilder {
	qb.query.predicates = append(
		qb.query.predicates,
		qb.sanitizePredicates(predicate, predicates...)...,
	)

	return qb
}

// AllPredicatesOf adds one or multiple Predicate(s) expecting ALL predicates to match.
func (qb queryBuilder) AllPredicatesOf(predicate Predicate, predicates ...Predicate) PredicatedQueryBuilder {
	qb.query.allPredicatesMustMatch = true

	qb.query.predicates = append(
		qb.query.predicates,
		qb.sanitizePredicates(predicate, predicates...)...,
	)

	return qb
}

// OrderedBy sorts the result collection by one payload field.
func (qb queryBuilder) OrderedBy(field string) OrderedQueryBuilder {
	qb.query.orderBy = field

	return qb
}

// Descending reverses the sort direction.
func (qb queryBuilder) Descending() OrderedQueryBuilder {
	qb.query.descending = true

	return qb
}

// ReportReorderAsDeleteInsert makes changesets report identity-stable moves
// as delete+insert pairs.
func (qb queryBuilder) ReportReorderAsDeleteInsert() OrderedQueryBuilder {
	qb.query.reorderAsDeleteInsert = true

	return qb
}

// Finalize returns the Query.
func (qb queryBuilder) Finalize() Query {
	return qb.query
}

func (qb queryBuilder) sanitizePredicates(predicate Predicate, predicates ...Predicate) []Predicate {
	allPredicates := append([]Predicate{predicate}, predicates...)
	allPredicates = slices.DeleteFunc(
		allPredicates,
		func(p Predicate) bool {
			return len(p.key) == 0 || p.val == nil
		})

	slices.SortStableFunc(
		allPredicates,
		func(a, b Predicate) int {
			return strings.Compare(a.key, b.key)
		})

	allPredicates = slices.CompactFunc(
		allPredicates,
		func(a, b Predicate) bool {
			return a.key == b.key && a.val == b.val
		})

	return slices.Clip(allPredicates)
}

/***** Descriptor *****/

// HandleKind discriminates the three entity shapes a Handle can view.
type HandleKind int

const (
	// KindObject is a view over one single object.
	KindObject HandleKind = iota
	// KindResults is a view over one ordered query result collection.
	KindResults
	// KindList is a view over one embedded ordered list.
	KindList
)

// String renders the handle kind for logging.
func (k HandleKind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindResults:
		return "results"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Descriptor identifies the entity a Handle views, in a shape engines can
// query and diff: a single object by identity, a query's result collection,
// or one object's embedded list field.
type Descriptor struct {
	Kind HandleKind

	// Object identity; for KindObject. ObjectID may be empty while a
	// first-match handle is still unbound, in which case Query describes
	// the match.
	EntityKind string
	ObjectID   string

	// Result collection; for KindResults and unbound KindObject handles.
	Query Query

	// Embedded list identity; for KindList.
	OwnerKind string
	OwnerID   string
	ListField string
}

// ObjectDescriptor builds the Descriptor for one single object.
func ObjectDescriptor(entityKind string, objectID string) Descriptor {
	return Descriptor{
		Kind:       KindObject,
		EntityKind: entityKind,
		ObjectID:   objectID,
	}
}

// ResultsDescriptor builds the Descriptor for a query's result collection.
func ResultsDescriptor(query Query) Descriptor {
	return Descriptor{
		Kind:       KindResults,
		EntityKind: query.EntityKind(),
		Query:      query,
	}
}

// ListDescriptor builds the Descriptor for one object's embedded list field.
func ListDescriptor(ownerKind string, ownerID string, listField string) Descriptor {
	return Descriptor{
		Kind:      KindList,
		OwnerKind: ownerKind,
		OwnerID:   ownerID,
		ListField: listField,
	}
}

// identity renders the canonical entity identity of the descriptor, without
// the version. Two handles over the same identity and version compare equal.
func (d Descriptor) identity() string {
	switch d.Kind {
	case KindObject:
		if d.ObjectID != "" {
			return fmt.Sprintf("object:%s/%s", d.EntityKind, d.ObjectID)
		}
		return fmt.Sprintf("first:%s", d.Query.signature())
	case KindResults:
		return fmt.Sprintf("results:%s", d.Query.signature())
	case KindList:
		return fmt.Sprintf("list:%s/%s.%s", d.OwnerKind, d.OwnerID, d.ListField)
	default:
		return "unknown"
	}
}

// ordered reports whether the descriptor's collection order is part of its
// identity for changeset purposes.
func (d Descriptor) ordered() bool {
	return d.Kind == KindResults && d.Query.ReorderAsDeleteInsert()
}
