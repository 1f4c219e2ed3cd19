package versionstore

import (
	"context"
	"errors"
	"slices"
)

// Changeset is the immutable diff between two versions of the same handle.
//
// For collections, the index sequences follow the array-diff convention of
// the storage model: deletion indices refer to the old version's index
// space, insertion and modification indices to the new one, so that applying
// deletions first and insertions second reproduces the new collection.
//
// For single objects, only ChangedFields is populated.
//
// A nil *Changeset denotes "initial emission, no prior version to diff
// against"; callers must distinguish that from an empty (no-op) changeset.
type Changeset struct {
	insertions    []int
	deletions     []int
	modifications []int
	changedFields []string
}

// Insertions returns the inserted indices, ascending, in the new version's
// index space.
func (c *Changeset) Insertions() []int {
	return c.insertions
}

// Deletions returns the deleted indices, ascending, in the old version's
// index space.
func (c *Changeset) Deletions() []int {
	return c.deletions
}

// Modifications returns the indices of elements present in both versions
// whose observed fields changed, ascending, in the new version's index
// space.
func (c *Changeset) Modifications() []int {
	return c.modifications
}

// ChangedFields returns the sorted names of the changed fields of a single
// object.
func (c *Changeset) ChangedFields() []string {
	return c.changedFields
}

// IsFieldChanged reports whether the named field changed between the two
// versions of a single object.
func (c *Changeset) IsFieldChanged(field string) bool {
	_, found := slices.BinarySearch(c.changedFields, field)
	return found
}

// IsEmpty reports whether the changeset carries no changes at all.
func (c *Changeset) IsEmpty() bool {
	return len(c.insertions) == 0 && len(c.deletions) == 0 &&
		len(c.modifications) == 0 && len(c.changedFields) == 0
}

// ChangesetComputer turns the engine's raw two-version snapshots into
// Changesets: identity-matched positional diffs for collections, changed
// field sets for single objects.
type ChangesetComputer struct {
	engine Engine
}

// NewChangesetComputer creates a ChangesetComputer over the given engine.
func NewChangesetComputer(engine Engine) ChangesetComputer {
	return ChangesetComputer{engine: engine}
}

// Diff computes the Changeset for one descriptor between two versions.
//
// A zero oldVersion means "first subscription, no baseline": the result is
// nil (absent), never an empty changeset.
func (c ChangesetComputer) Diff(
	ctx context.Context,
	oldVersion VersionID,
	newVersion VersionID,
	descriptor Descriptor,
) (*Changeset, error) {

	if oldVersion.IsZero() {
		return nil, nil
	}

	raw, diffErr := c.engine.DiffVersions(ctx, oldVersion, newVersion, descriptor)
	if diffErr != nil {
		return nil, errors.Join(ErrComputingChangesetFailed, diffErr)
	}

	oldObjects, decodeOldErr := decodeObjects(raw.Old)
	if decodeOldErr != nil {
		return nil, errors.Join(ErrComputingChangesetFailed, decodeOldErr)
	}

	newObjects, decodeNewErr := decodeObjects(raw.New)
	if decodeNewErr != nil {
		return nil, errors.Join(ErrComputingChangesetFailed, decodeNewErr)
	}

	if descriptor.Kind == KindObject {
		return diffObject(oldObjects, newObjects), nil
	}

	return diffCollection(oldObjects, newObjects, descriptor.ordered()), nil
}

// diffObject compares the single object's payloads. When the object is
// missing on either side there is nothing field-level to report; validity is
// carried by the handle, not the changeset.
func diffObject(oldObjects []Object, newObjects []Object) *Changeset {
	if len(oldObjects) == 0 || len(newObjects) == 0 {
		return &Changeset{}
	}

	return &Changeset{
		changedFields: changedFieldsBetween(oldObjects[0].Fields, newObjects[0].Fields),
	}
}

// diffCollection matches elements by identity, not value, across the two
// ordered snapshots.
//
// An element present in both versions at a different index is reported as a
// modification only if at least one observed field changed; a pure
// identity-stable reorder is a no-op unless orderedIdentity is set, in which
// case every moved element becomes a delete+insert pair.
func diffCollection(oldObjects []Object, newObjects []Object, orderedIdentity bool) *Changeset {
	oldIndexByID := make(map[string]int, len(oldObjects))
	for i, o := range oldObjects {
		oldIndexByID[o.ID] = i
	}

	newIndexByID := make(map[string]int, len(newObjects))
	for i, o := range newObjects {
		newIndexByID[o.ID] = i
	}

	cs := &Changeset{}

	for i, o := range oldObjects {
		if _, survives := newIndexByID[o.ID]; !survives {
			cs.deletions = append(cs.deletions, i)
		}
	}

	for i, o := range newObjects {
		if _, existed := oldIndexByID[o.ID]; !existed {
			cs.insertions = append(cs.insertions, i)
		}
	}

	moved := map[string]bool{}
	if orderedIdentity {
		moved = movedIdentities(oldObjects, newObjects, oldIndexByID, newIndexByID)
	}

	for i, o := range newObjects {
		oldIndex, existed := oldIndexByID[o.ID]
		if !existed {
			continue
		}

		if moved[o.ID] {
			cs.deletions = append(cs.deletions, oldIndex)
			cs.insertions = append(cs.insertions, i)
			continue
		}

		if len(changedFieldsBetween(oldObjects[oldIndex].Fields, o.Fields)) > 0 {
			cs.modifications = append(cs.modifications, i)
		}
	}

	slices.Sort(cs.deletions)
	slices.Sort(cs.insertions)
	slices.Sort(cs.modifications)

	return cs
}

// movedIdentities finds elements whose relative order among the surviving
// elements differs between the two versions.
func movedIdentities(
	oldObjects []Object,
	newObjects []Object,
	oldIndexByID map[string]int,
	newIndexByID map[string]int,
) map[string]bool {

	oldSurvivors := make([]string, 0, len(oldObjects))
	for _, o := range oldObjects {
		if _, ok := newIndexByID[o.ID]; ok {
			oldSurvivors = append(oldSurvivors, o.ID)
		}
	}

	newSurvivors := make([]string, 0, len(newObjects))
	for _, o := range newObjects {
		if _, ok := oldIndexByID[o.ID]; ok {
			newSurvivors = append(newSurvivors, o.ID)
		}
	}

	moved := make(map[string]bool)
	for i := range oldSurvivors {
		if oldSurvivors[i] != newSurvivors[i] {
			moved[oldSurvivors[i]] = true
			moved[newSurvivors[i]] = true
		}
	}

	return moved
}
