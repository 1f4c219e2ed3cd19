package sqlengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	jsoniter "github.com/json-iterator/go"

	"github.com/objectstream/reactive-versionstore-go/versionstore"
)

const (
	colEntityKind     = "entity_kind"
	colObjectID       = "object_id"
	colPayload        = "payload"
	colOwnerKind      = "owner_kind"
	colOwnerID        = "owner_id"
	colListField      = "list_field"
	colListPos        = "list_pos"
	colVersionAdded   = "version_added"
	colVersionDeleted = "version_deleted"
	colVersion        = "version"
	colCommittedAt    = "committed_at"
)

type sqlQueryString = string

// buildSnapshotQuery builds the SELECT returning the descriptor's rows as
// they were at the given version.
func (e *Engine) buildSnapshotQuery(
	descriptor versionstore.Descriptor,
	version versionstore.VersionID,
) (sqlQueryString, error) {

	stmt := goqu.Dialect(e.dialect).
		From(e.objectsTable).
		Select(colEntityKind, colObjectID, colPayload).
		Where(e.snapshotExpression(version))

	switch descriptor.Kind {
	case versionstore.KindObject:
		stmt = stmt.Where(
			goqu.C(colEntityKind).Eq(descriptor.EntityKind),
			goqu.C(colObjectID).Eq(descriptor.ObjectID),
		)

	case versionstore.KindList:
		stmt = stmt.Where(
			goqu.C(colOwnerKind).Eq(descriptor.OwnerKind),
			goqu.C(colOwnerID).Eq(descriptor.OwnerID),
			goqu.C(colListField).Eq(descriptor.ListField),
		).Order(goqu.I(colListPos).Asc())

	default:
		stmt = stmt.Where(goqu.C(colEntityKind).Eq(descriptor.Query.EntityKind()))

		if predicates := descriptor.Query.Predicates(); len(predicates) > 0 {
			stmt = stmt.Where(e.predicatesExpression(descriptor.Query))
		}

		stmt = stmt.Order(e.resultOrdering(descriptor.Query)...)
	}

	sqlQuery, _, toSQLErr := stmt.ToSQL()
	if toSQLErr != nil {
		return "", errors.Join(versionstore.ErrQueryingStoreFailed, toSQLErr)
	}

	return sqlQuery, nil
}

// snapshotExpression selects the rows alive at the version: added at or
// before it and not yet removed by it.
func (e *Engine) snapshotExpression(version versionstore.VersionID) exp.ExpressionList {
	return goqu.And(
		goqu.C(colVersionAdded).Lte(uint64(version)),
		goqu.Or(
			goqu.C(colVersionDeleted).IsNull(),
			goqu.C(colVersionDeleted).Gt(uint64(version)),
		),
	)
}

func (e *Engine) predicatesExpression(query versionstore.Query) exp.ExpressionList {
	expressions := make([]goqu.Expression, 0, len(query.Predicates()))

	for _, predicate := range query.Predicates() {
		expressions = append(expressions, e.predicateExpression(predicate))
	}

	if query.AllPredicatesMustMatch() {
		return goqu.And(expressions...)
	}

	return goqu.Or(expressions...)
}

func (e *Engine) predicateExpression(predicate versionstore.Predicate) goqu.Expression {
	if e.dialect == DialectPostgres {
		containment, _ := jsoniter.ConfigFastest.Marshal(map[string]any{predicate.Key(): predicate.Val()})

		return goqu.L(fmt.Sprintf(`%s @> '%s'`, colPayload, escapeSQLString(string(containment))))
	}

	return goqu.L(fmt.Sprintf(`json_extract(%s, '$."%s"') = %s`,
		colPayload, sqlitePathLabel(predicate.Key()), sqliteLiteral(predicate.Val())))
}

// resultOrdering orders a result collection: by the query's order field
// when one is set, with version_added and object_id as tiebreakers so the
// order is total and stable across versions.
func (e *Engine) resultOrdering(query versionstore.Query) []exp.OrderedExpression {
	ordering := make([]exp.OrderedExpression, 0, 3)

	if field := query.OrderBy(); field != "" {
		fieldExpr := e.payloadFieldExpression(field)

		if query.Descending() {
			ordering = append(ordering, fieldExpr.Desc())
		} else {
			ordering = append(ordering, fieldExpr.Asc())
		}
	}

	ordering = append(ordering,
		goqu.I(colVersionAdded).Asc(),
		goqu.I(colObjectID).Asc())

	return ordering
}

// payloadFieldExpression addresses one payload field by name. Field names
// come from callers, not from the schema; quotes in them must not break out
// of the SQL string literal or the JSON path.
func (e *Engine) payloadFieldExpression(field string) exp.LiteralExpression {
	if e.dialect == DialectPostgres {
		return goqu.L(fmt.Sprintf(`%s->>'%s'`, colPayload, escapeSQLString(field)))
	}

	return goqu.L(fmt.Sprintf(`json_extract(%s, '$."%s"')`, colPayload, sqlitePathLabel(field)))
}

func (e *Engine) executeSnapshotQuery(ctx context.Context, sqlQuery string) ([]versionstore.Row, error) {
	start := time.Now()
	rows, queryErr := e.db.Query(ctx, sqlQuery)
	duration := time.Since(start)
	e.logQueryWithDuration(sqlQuery, logActionQuery, duration)

	if queryErr != nil {
		e.logError(logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return nil, errors.Join(versionstore.ErrQueryingStoreFailed, queryErr)
	}
	defer e.closeRows(rows)

	var result []versionstore.Row
	position := 0

	for rows.Next() {
		var entityKind, objectID string
		var payload []byte

		if scanErr := rows.Scan(&entityKind, &objectID, &payload); scanErr != nil {
			e.logError(logMsgScanRowFailed, scanErr)
			return nil, errors.Join(versionstore.ErrQueryingStoreFailed, scanErr)
		}

		result = append(result, versionstore.Row{
			EntityKind: entityKind,
			ObjectID:   objectID,
			Payload:    payload,
			Position:   position,
		})
		position++
	}

	e.recordDuration(metricQueryDuration, duration)

	return result, nil
}

func (e *Engine) queryMaxVersion(ctx context.Context) (versionstore.VersionID, error) {
	sqlQuery, _, toSQLErr := goqu.Dialect(e.dialect).
		From(e.versionsTable).
		Select(goqu.COALESCE(goqu.MAX(colVersion), 0)).
		ToSQL()
	if toSQLErr != nil {
		return 0, errors.Join(versionstore.ErrQueryingStoreFailed, toSQLErr)
	}

	version, scanErr := e.scanSingleInt(ctx, sqlQuery)
	if scanErr != nil {
		return 0, scanErr
	}

	return versionstore.VersionID(version), nil
}

func (e *Engine) versionExists(ctx context.Context, version versionstore.VersionID) (bool, error) {
	sqlQuery, _, toSQLErr := goqu.Dialect(e.dialect).
		From(e.versionsTable).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.C(colVersion).Eq(uint64(version))).
		ToSQL()
	if toSQLErr != nil {
		return false, errors.Join(versionstore.ErrQueryingStoreFailed, toSQLErr)
	}

	count, scanErr := e.scanSingleInt(ctx, sqlQuery)
	if scanErr != nil {
		return false, scanErr
	}

	return count > 0, nil
}

func (e *Engine) scanSingleInt(ctx context.Context, sqlQuery string) (int64, error) {
	rows, queryErr := e.db.Query(ctx, sqlQuery)
	if queryErr != nil {
		e.logError(logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return 0, errors.Join(versionstore.ErrQueryingStoreFailed, queryErr)
	}
	defer e.closeRows(rows)

	var value int64
	if rows.Next() {
		if scanErr := rows.Scan(&value); scanErr != nil {
			e.logError(logMsgScanRowFailed, scanErr)
			return 0, errors.Join(versionstore.ErrQueryingStoreFailed, scanErr)
		}
	}

	return value, nil
}

func (e *Engine) applyMutation(ctx context.Context, next versionstore.VersionID, mutation versionstore.Mutation) error {
	switch mutation.Op {
	case versionstore.OpInsert:
		return e.applyInsert(ctx, next, mutation)
	case versionstore.OpUpdate:
		return e.applyUpdate(ctx, next, mutation)
	case versionstore.OpDelete:
		return e.applyDelete(ctx, next, mutation)
	case versionstore.OpListInsert:
		return e.applyListInsert(ctx, next, mutation)
	case versionstore.OpListDelete:
		return e.applyListDelete(ctx, next, mutation)
	default:
		return versionstore.ErrInvalidMutation
	}
}

func (e *Engine) applyInsert(ctx context.Context, next versionstore.VersionID, mutation versionstore.Mutation) error {
	alive, countErr := e.countAlive(ctx, mutation.EntityKind, mutation.ObjectID)
	if countErr != nil {
		return countErr
	}
	if alive > 0 {
		return ErrDuplicateObjectID
	}

	return e.insertObjectRow(ctx, next, mutation.EntityKind, mutation.ObjectID, mutation.Payload, nil)
}

func (e *Engine) applyUpdate(ctx context.Context, next versionstore.VersionID, mutation versionstore.Mutation) error {
	// List elements stay in place across updates; carry the placement of
	// the superseded row over to the new one.
	placement, placementErr := e.readPlacement(ctx, mutation.EntityKind, mutation.ObjectID)
	if placementErr != nil {
		return placementErr
	}
	if placement == nil {
		return ErrObjectMissing
	}

	if tombstoneErr := e.tombstoneObject(ctx, next, mutation.EntityKind, mutation.ObjectID); tombstoneErr != nil {
		return tombstoneErr
	}

	return e.insertObjectRow(ctx, next, mutation.EntityKind, mutation.ObjectID, mutation.Payload, placement)
}

func (e *Engine) applyDelete(ctx context.Context, next versionstore.VersionID, mutation versionstore.Mutation) error {
	alive, countErr := e.countAlive(ctx, mutation.EntityKind, mutation.ObjectID)
	if countErr != nil {
		return countErr
	}
	if alive == 0 {
		return ErrObjectMissing
	}

	if tombstoneErr := e.tombstoneObject(ctx, next, mutation.EntityKind, mutation.ObjectID); tombstoneErr != nil {
		return tombstoneErr
	}

	// Embedded list elements die with their owner.
	return e.tombstoneOwnedElements(ctx, next, mutation.EntityKind, mutation.ObjectID)
}

func (e *Engine) applyListInsert(ctx context.Context, next versionstore.VersionID, mutation versionstore.Mutation) error {
	ownerAlive, countErr := e.countAlive(ctx, mutation.OwnerKind, mutation.OwnerID)
	if countErr != nil {
		return countErr
	}
	if ownerAlive == 0 {
		return ErrOwnerMissing
	}

	nextPos, posErr := e.nextListPosition(ctx, mutation.OwnerKind, mutation.OwnerID, mutation.ListField)
	if posErr != nil {
		return posErr
	}

	placement := &listPlacement{
		ownerKind: mutation.OwnerKind,
		ownerID:   mutation.OwnerID,
		listField: mutation.ListField,
		listPos:   nextPos,
	}

	return e.insertObjectRow(ctx, next, mutation.EntityKind, mutation.ObjectID, mutation.Payload, placement)
}

func (e *Engine) applyListDelete(ctx context.Context, next versionstore.VersionID, mutation versionstore.Mutation) error {
	sqlQuery, _, toSQLErr := goqu.Dialect(e.dialect).
		Update(e.objectsTable).
		Set(goqu.Record{colVersionDeleted: uint64(next)}).
		Where(
			goqu.C(colVersionDeleted).IsNull(),
			goqu.C(colObjectID).Eq(mutation.ObjectID),
			goqu.C(colOwnerKind).Eq(mutation.OwnerKind),
			goqu.C(colOwnerID).Eq(mutation.OwnerID),
			goqu.C(colListField).Eq(mutation.ListField),
		).
		ToSQL()
	if toSQLErr != nil {
		return errors.Join(versionstore.ErrInvalidMutation, toSQLErr)
	}

	affected, execErr := e.execCountingRows(ctx, sqlQuery)
	if execErr != nil {
		return execErr
	}
	if affected == 0 {
		return ErrObjectMissing
	}

	return nil
}

type listPlacement struct {
	ownerKind string
	ownerID   string
	listField string
	listPos   int64
}

func (e *Engine) insertObjectRow(
	ctx context.Context,
	next versionstore.VersionID,
	entityKind string,
	objectID string,
	payload []byte,
	placement *listPlacement,
) error {

	record := goqu.Record{
		colEntityKind:   entityKind,
		colObjectID:     objectID,
		colPayload:      string(payload),
		colVersionAdded: uint64(next),
	}

	if placement != nil {
		record[colOwnerKind] = placement.ownerKind
		record[colOwnerID] = placement.ownerID
		record[colListField] = placement.listField
		record[colListPos] = placement.listPos
	}

	sqlQuery, _, toSQLErr := goqu.Dialect(e.dialect).
		Insert(e.objectsTable).
		Rows(record).
		ToSQL()
	if toSQLErr != nil {
		return errors.Join(versionstore.ErrInvalidMutation, toSQLErr)
	}

	if _, execErr := e.execCountingRows(ctx, sqlQuery); execErr != nil {
		return execErr
	}

	return nil
}

func (e *Engine) tombstoneObject(ctx context.Context, next versionstore.VersionID, entityKind string, objectID string) error {
	sqlQuery, _, toSQLErr := goqu.Dialect(e.dialect).
		Update(e.objectsTable).
		Set(goqu.Record{colVersionDeleted: uint64(next)}).
		Where(
			goqu.C(colVersionDeleted).IsNull(),
			goqu.C(colEntityKind).Eq(entityKind),
			goqu.C(colObjectID).Eq(objectID),
		).
		ToSQL()
	if toSQLErr != nil {
		return errors.Join(versionstore.ErrInvalidMutation, toSQLErr)
	}

	if _, execErr := e.execCountingRows(ctx, sqlQuery); execErr != nil {
		return execErr
	}

	return nil
}

func (e *Engine) tombstoneOwnedElements(ctx context.Context, next versionstore.VersionID, ownerKind string, ownerID string) error {
	sqlQuery, _, toSQLErr := goqu.Dialect(e.dialect).
		Update(e.objectsTable).
		Set(goqu.Record{colVersionDeleted: uint64(next)}).
		Where(
			goqu.C(colVersionDeleted).IsNull(),
			goqu.C(colOwnerKind).Eq(ownerKind),
			goqu.C(colOwnerID).Eq(ownerID),
		).
		ToSQL()
	if toSQLErr != nil {
		return errors.Join(versionstore.ErrInvalidMutation, toSQLErr)
	}

	if _, execErr := e.execCountingRows(ctx, sqlQuery); execErr != nil {
		return execErr
	}

	return nil
}

func (e *Engine) countAlive(ctx context.Context, entityKind string, objectID string) (int64, error) {
	sqlQuery, _, toSQLErr := goqu.Dialect(e.dialect).
		From(e.objectsTable).
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.C(colVersionDeleted).IsNull(),
			goqu.C(colEntityKind).Eq(entityKind),
			goqu.C(colObjectID).Eq(objectID),
		).
		ToSQL()
	if toSQLErr != nil {
		return 0, errors.Join(versionstore.ErrQueryingStoreFailed, toSQLErr)
	}

	return e.scanSingleInt(ctx, sqlQuery)
}

// readPlacement returns the live row's list placement, nil placement fields
// for plain objects, or a nil pointer when no live row exists.
func (e *Engine) readPlacement(ctx context.Context, entityKind string, objectID string) (*listPlacement, error) {
	sqlQuery, _, toSQLErr := goqu.Dialect(e.dialect).
		From(e.objectsTable).
		Select(colOwnerKind, colOwnerID, colListField, colListPos).
		Where(
			goqu.C(colVersionDeleted).IsNull(),
			goqu.C(colEntityKind).Eq(entityKind),
			goqu.C(colObjectID).Eq(objectID),
		).
		ToSQL()
	if toSQLErr != nil {
		return nil, errors.Join(versionstore.ErrQueryingStoreFailed, toSQLErr)
	}

	rows, queryErr := e.db.Query(ctx, sqlQuery)
	if queryErr != nil {
		e.logError(logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return nil, errors.Join(versionstore.ErrQueryingStoreFailed, queryErr)
	}
	defer e.closeRows(rows)

	if !rows.Next() {
		return nil, nil
	}

	var ownerKind, ownerID, listField sql.NullString
	var listPos sql.NullInt64

	if scanErr := rows.Scan(&ownerKind, &ownerID, &listField, &listPos); scanErr != nil {
		e.logError(logMsgScanRowFailed, scanErr)
		return nil, errors.Join(versionstore.ErrQueryingStoreFailed, scanErr)
	}

	if !ownerKind.Valid {
		return &listPlacement{}, nil
	}

	return &listPlacement{
		ownerKind: ownerKind.String,
		ownerID:   ownerID.String,
		listField: listField.String,
		listPos:   listPos.Int64,
	}, nil
}

func (e *Engine) nextListPosition(ctx context.Context, ownerKind string, ownerID string, listField string) (int64, error) {
	sqlQuery, _, toSQLErr := goqu.Dialect(e.dialect).
		From(e.objectsTable).
		Select(goqu.L(fmt.Sprintf("COALESCE(MAX(%s), -1) + 1", colListPos))).
		Where(
			goqu.C(colVersionDeleted).IsNull(),
			goqu.C(colOwnerKind).Eq(ownerKind),
			goqu.C(colOwnerID).Eq(ownerID),
			goqu.C(colListField).Eq(listField),
		).
		ToSQL()
	if toSQLErr != nil {
		return 0, errors.Join(versionstore.ErrQueryingStoreFailed, toSQLErr)
	}

	return e.scanSingleInt(ctx, sqlQuery)
}

func (e *Engine) commitVersion(ctx context.Context, next versionstore.VersionID) error {
	sqlQuery, _, toSQLErr := goqu.Dialect(e.dialect).
		Insert(e.versionsTable).
		Rows(goqu.Record{
			colVersion:     uint64(next),
			colCommittedAt: time.Now().UTC().Format(time.RFC3339Nano),
		}).
		ToSQL()
	if toSQLErr != nil {
		return errors.Join(versionstore.ErrInvalidMutation, toSQLErr)
	}

	if _, execErr := e.execCountingRows(ctx, sqlQuery); execErr != nil {
		return execErr
	}

	return nil
}

// rollbackPartial removes the traces of a failed commit. Its rows were
// never visible to snapshot queries; this is housekeeping, failures here
// are logged and swallowed.
func (e *Engine) rollbackPartial(ctx context.Context, next versionstore.VersionID) {
	deleteAdded, _, deleteErr := goqu.Dialect(e.dialect).
		Delete(e.objectsTable).
		Where(goqu.C(colVersionAdded).Eq(uint64(next))).
		ToSQL()
	if deleteErr == nil {
		if _, execErr := e.db.Exec(ctx, deleteAdded); execErr != nil {
			e.logWarn(logMsgRollbackFailed, logAttrError, execErr.Error())
		}
	}

	restoreDeleted, _, restoreErr := goqu.Dialect(e.dialect).
		Update(e.objectsTable).
		Set(goqu.Record{colVersionDeleted: nil}).
		Where(goqu.C(colVersionDeleted).Eq(uint64(next))).
		ToSQL()
	if restoreErr == nil {
		if _, execErr := e.db.Exec(ctx, restoreDeleted); execErr != nil {
			e.logWarn(logMsgRollbackFailed, logAttrError, execErr.Error())
		}
	}
}

func (e *Engine) pruneBelow(ctx context.Context, floor versionstore.VersionID) error {
	deadRows, _, deadErr := goqu.Dialect(e.dialect).
		Delete(e.objectsTable).
		Where(
			goqu.C(colVersionDeleted).IsNotNull(),
			goqu.C(colVersionDeleted).Lte(uint64(floor)),
		).
		ToSQL()
	if deadErr != nil {
		return errors.Join(versionstore.ErrQueryingStoreFailed, deadErr)
	}

	if _, execErr := e.execCountingRows(ctx, deadRows); execErr != nil {
		return execErr
	}

	oldVersions, _, oldErr := goqu.Dialect(e.dialect).
		Delete(e.versionsTable).
		Where(goqu.C(colVersion).Lt(uint64(floor))).
		ToSQL()
	if oldErr != nil {
		return errors.Join(versionstore.ErrQueryingStoreFailed, oldErr)
	}

	if _, execErr := e.execCountingRows(ctx, oldVersions); execErr != nil {
		return execErr
	}

	return nil
}

func (e *Engine) execCountingRows(ctx context.Context, sqlQuery string) (int64, error) {
	start := time.Now()
	result, execErr := e.db.Exec(ctx, sqlQuery)
	duration := time.Since(start)
	e.logQueryWithDuration(sqlQuery, logActionExec, duration)

	if execErr != nil {
		e.logError(logMsgDBExecFailed, execErr, logAttrQuery, sqlQuery)
		return 0, errors.Join(versionstore.ErrCommittingFailed, execErr)
	}

	affected, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		e.logError(logMsgRowsAffectedFailed, affectedErr)
		return 0, errors.Join(versionstore.ErrCommittingFailed, affectedErr)
	}

	return affected, nil
}

func (e *Engine) schemaStatements() []string {
	bigint := "BIGINT"
	payloadType := "JSONB"
	timestampType := "TIMESTAMPTZ"

	if e.dialect == DialectSQLite {
		bigint = "INTEGER"
		payloadType = "TEXT"
		timestampType = "TEXT"
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s TEXT NOT NULL,
			%s TEXT NOT NULL,
			%s %s NOT NULL,
			%s TEXT,
			%s TEXT,
			%s TEXT,
			%s %s,
			%s %s NOT NULL,
			%s %s
		)`,
			e.objectsTable,
			colEntityKind, colObjectID,
			colPayload, payloadType,
			colOwnerKind, colOwnerID, colListField,
			colListPos, bigint,
			colVersionAdded, bigint,
			colVersionDeleted, bigint),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_identity ON %s (%s, %s)`,
			e.objectsTable, e.objectsTable, colEntityKind, colObjectID),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_owner ON %s (%s, %s, %s)`,
			e.objectsTable, e.objectsTable, colOwnerKind, colOwnerID, colListField),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s %s PRIMARY KEY,
			%s %s NOT NULL
		)`,
			e.versionsTable,
			colVersion, bigint,
			colCommittedAt, timestampType),
	}
}

func escapeSQLString(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

// sqlitePathLabel makes a field name safe inside a double-quoted JSON path
// label. The path parser has no escape syntax, so double quotes and
// backslashes are stripped rather than escaped.
func sqlitePathLabel(field string) string {
	cleaned := strings.NewReplacer(`"`, "", `\`, "").Replace(field)

	return escapeSQLString(cleaned)
}

func sqliteLiteral(value any) string {
	switch typed := value.(type) {
	case string:
		return "'" + escapeSQLString(typed) + "'"
	case bool:
		if typed {
			return "1"
		}
		return "0"
	case nil:
		return "NULL"
	default:
		return fmt.Sprintf("%v", typed)
	}
}
