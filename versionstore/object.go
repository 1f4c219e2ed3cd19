package versionstore

import (
	"errors"
	"reflect"
	"slices"

	jsoniter "github.com/json-iterator/go"
)

// FieldMap is an alias type for the schema-less field set of one object.
type FieldMap = map[string]any

// Object is a DTO used to move one entity's state between the engine and the
// bridge. It is built on scalars and a plain field map to stay agnostic of
// the client code's entity types.
//
// While its properties are exported, it should only be constructed with the
// supplied factory method BuildObject or decoded from an engine Row.
type Object struct {
	EntityKind string
	ID         string
	Fields     FieldMap
	Position   int
}

// BuildObject is a factory method for Object.
//
// Returns an error if entityKind is empty.
func BuildObject(entityKind string, id string, fields FieldMap) (Object, error) {
	if entityKind == "" {
		return Object{}, ErrEmptyEntityKind
	}

	if fields == nil {
		fields = FieldMap{}
	}

	return Object{
		EntityKind: entityKind,
		ID:         id,
		Fields:     fields,
	}, nil
}

// Get returns the value of one field and whether it is present.
func (o Object) Get(field string) (any, bool) {
	val, ok := o.Fields[field]
	return val, ok
}

// PayloadJSON serializes the field map, for handing the object to an engine.
func (o Object) PayloadJSON() ([]byte, error) {
	payload, marshalErr := jsoniter.ConfigFastest.Marshal(o.Fields)
	if marshalErr != nil {
		return nil, errors.Join(ErrInvalidPayloadJSON, marshalErr)
	}

	return payload, nil
}

// decodeObject builds an Object from an engine row, decoding the JSON payload
// into a field map.
func decodeObject(row Row) (Object, error) {
	fields := FieldMap{}
	if len(row.Payload) > 0 {
		if unmarshalErr := jsoniter.ConfigFastest.Unmarshal(row.Payload, &fields); unmarshalErr != nil {
			return Object{}, errors.Join(ErrInvalidPayloadJSON, unmarshalErr)
		}
	}

	return Object{
		EntityKind: row.EntityKind,
		ID:         row.ObjectID,
		Fields:     fields,
		Position:   row.Position,
	}, nil
}

func decodeObjects(rows []Row) ([]Object, error) {
	objects := make([]Object, 0, len(rows))

	for _, row := range rows {
		object, decodeErr := decodeObject(row)
		if decodeErr != nil {
			return nil, decodeErr
		}

		objects = append(objects, object)
	}

	return objects, nil
}

// DecodeObject unmarshals an Object's field map into a typed value, giving
// callers a typed view over the schema-less store.
func DecodeObject[T any](o Object) (T, error) {
	var decoded T

	payload, payloadErr := o.PayloadJSON()
	if payloadErr != nil {
		return decoded, payloadErr
	}

	if unmarshalErr := jsoniter.ConfigFastest.Unmarshal(payload, &decoded); unmarshalErr != nil {
		return decoded, errors.Join(ErrInvalidPayloadJSON, unmarshalErr)
	}

	return decoded, nil
}

// validJSON reports whether the payload is valid JSON. Empty payloads count
// as valid; they decode to an empty field map.
func validJSON(payload []byte) bool {
	return len(payload) == 0 || jsoniter.ConfigFastest.Valid(payload)
}

// changedFieldsBetween compares two field maps and returns the sorted names
// of fields that differ, including fields present on only one side.
// Unchanged fields are never reported, even if touched by a no-op write.
func changedFieldsBetween(oldFields, newFields FieldMap) []string {
	changed := make([]string, 0)

	for name, oldVal := range oldFields {
		newVal, ok := newFields[name]
		if !ok || !reflect.DeepEqual(oldVal, newVal) {
			changed = append(changed, name)
		}
	}

	for name := range newFields {
		if _, ok := oldFields[name]; !ok {
			changed = append(changed, name)
		}
	}

	slices.Sort(changed)

	return slices.Clip(changed)
}
