package sqlengine

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect import
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect import
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/objectstream/reactive-versionstore-go/versionstore"
	"github.com/objectstream/reactive-versionstore-go/versionstore/sqlengine/internal/adapters"
)

const (
	// DialectPostgres selects PostgreSQL SQL generation and JSONB
	// containment predicates.
	DialectPostgres = "postgres"
	// DialectSQLite selects SQLite SQL generation and json_extract
	// predicates.
	DialectSQLite = "sqlite3"
)

const (
	defaultObjectsTableName  = "objects"
	defaultVersionsTableName = "versions"
)

var (
	// ErrNilDatabaseConnection is returned when a nil connection is
	// supplied to a constructor.
	ErrNilDatabaseConnection = errors.New("nil database connection supplied")
	// ErrUnsupportedDialect is returned for dialects other than
	// DialectPostgres and DialectSQLite.
	ErrUnsupportedDialect = errors.New("unsupported sql dialect")
	// ErrEngineClosed is returned for operations on a closed engine.
	ErrEngineClosed = errors.New("engine is closed")
	// ErrDuplicateObjectID is returned when an insert collides with a
	// live object of the same kind and identity.
	ErrDuplicateObjectID = errors.New("an object with this identity already exists")
	// ErrObjectMissing is returned when an update or delete targets an
	// object that does not exist at the current version.
	ErrObjectMissing = errors.New("the targeted object does not exist")
	// ErrOwnerMissing is returned when a list mutation targets an owner
	// object that does not exist at the current version.
	ErrOwnerMissing = errors.New("the list owner object does not exist")
)

// Engine is a versionstore.Engine over a SQL database. Object rows are
// temporal: version_added marks when a row became visible, version_deleted
// when it stopped being; a row of the versions table is written last and
// acts as the commit point.
//
// One Engine value is safe for concurrent use; writes are serialized.
type Engine struct {
	db      adapters.DBAdapter
	dialect string

	objectsTable  string
	versionsTable string

	logger  versionstore.Logger
	metrics versionstore.MetricsCollector
	tracing versionstore.TracingCollector

	writeMu sync.Mutex

	listenersMu  sync.Mutex
	listeners    []registeredListener
	nextListener uint64

	pinsMu sync.Mutex
	pins   map[versionstore.VersionID]int

	closed atomic.Bool
}

type registeredListener struct {
	id       uint64
	listener func(versionstore.VersionID)
}

// NewEngineFromPGXPool creates an Engine using a pgx pool. The dialect is
// PostgreSQL.
func NewEngineFromPGXPool(pool *pgxpool.Pool, options ...Option) (*Engine, error) {
	if pool == nil {
		return nil, ErrNilDatabaseConnection
	}

	return newEngine(adapters.NewPGXAdapter(pool), DialectPostgres, options...)
}

// NewEngineFromSQLDB creates an Engine using a sql.DB with the given
// dialect.
func NewEngineFromSQLDB(db *sql.DB, dialect string, options ...Option) (*Engine, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}

	return newEngine(adapters.NewSQLAdapter(db), dialect, options...)
}

// NewEngineFromSQLX creates an Engine using a sqlx.DB with the given
// dialect.
func NewEngineFromSQLX(db *sqlx.DB, dialect string, options ...Option) (*Engine, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}

	return newEngine(adapters.NewSQLXAdapter(db), dialect, options...)
}

func newEngine(db adapters.DBAdapter, dialect string, options ...Option) (*Engine, error) {
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, ErrUnsupportedDialect
	}

	engine := &Engine{
		db:            db,
		dialect:       dialect,
		objectsTable:  defaultObjectsTableName,
		versionsTable: defaultVersionsTableName,
		pins:          make(map[versionstore.VersionID]int),
	}

	for _, option := range options {
		if optionErr := option(engine); optionErr != nil {
			return nil, optionErr
		}
	}

	return engine, nil
}

// InitSchema creates the engine's tables and indexes if they do not exist.
func (e *Engine) InitSchema(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	for _, statement := range e.schemaStatements() {
		if _, execErr := e.db.Exec(ctx, statement); execErr != nil {
			e.logError(logMsgSchemaFailed, execErr, logAttrQuery, statement)
			return execErr
		}
	}

	return nil
}

// CurrentVersion returns the latest committed version, zero when nothing
// was ever committed.
func (e *Engine) CurrentVersion(ctx context.Context) (versionstore.VersionID, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}

	return e.queryMaxVersion(ctx)
}

// Apply commits the mutations atomically and returns the new version.
// Commits are serialized; the version row lands last, so readers never see
// a partial commit.
func (e *Engine) Apply(ctx context.Context, mutations []versionstore.Mutation) (versionstore.VersionID, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}
	if len(mutations) == 0 {
		return 0, versionstore.ErrInvalidMutation
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	ctx, span := e.startCommitSpan(ctx, len(mutations))
	start := time.Now()

	current, versionErr := e.queryMaxVersion(ctx)
	if versionErr != nil {
		e.finishCommitSpan(span, spanStatusError, map[string]string{logAttrError: versionErr.Error()})
		return 0, versionErr
	}

	next := versionstore.VersionID(uint64(current) + 1)

	for _, mutation := range mutations {
		if applyErr := e.applyMutation(ctx, next, mutation); applyErr != nil {
			e.rollbackPartial(ctx, next)
			e.finishCommitSpan(span, spanStatusError, map[string]string{logAttrError: applyErr.Error()})
			return 0, applyErr
		}
	}

	if commitErr := e.commitVersion(ctx, next); commitErr != nil {
		e.rollbackPartial(ctx, next)
		e.finishCommitSpan(span, spanStatusError, map[string]string{logAttrError: commitErr.Error()})
		return 0, commitErr
	}

	duration := time.Since(start)
	e.logOperation(logMsgCommitted,
		logAttrVersion, uint64(next),
		logAttrMutationCount, len(mutations),
		logAttrDurationMS, e.toMilliseconds(duration))
	e.recordDuration(metricCommitDuration, duration)
	e.finishCommitSpan(span, spanStatusOK, map[string]string{spanAttrVersion: next.String()})

	// Listeners run under the write lock so two commits can never deliver
	// their notifications out of order.
	e.notifyListeners(next)

	return next, nil
}

// OpenRead pins the version so Prune keeps it readable until the pin is
// released.
func (e *Engine) OpenRead(ctx context.Context, version versionstore.VersionID) (versionstore.Pin, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	// Version zero is the empty initial snapshot; it exists without a
	// committed row.
	if !version.IsZero() {
		known, knownErr := e.versionExists(ctx, version)
		if knownErr != nil {
			return nil, knownErr
		}
		if !known {
			return nil, versionstore.ErrUnknownVersion
		}
	}

	e.pinsMu.Lock()
	e.pins[version]++
	e.pinsMu.Unlock()

	return &readPin{engine: e, version: version}, nil
}

// Query returns the ordered rows the descriptor selects at the given
// version.
func (e *Engine) Query(
	ctx context.Context,
	descriptor versionstore.Descriptor,
	version versionstore.VersionID,
) ([]versionstore.Row, error) {

	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if version.IsZero() {
		return nil, nil
	}

	sqlQuery, buildErr := e.buildSnapshotQuery(descriptor, version)
	if buildErr != nil {
		e.logError(logMsgBuildSelectQueryFailed, buildErr)
		return nil, buildErr
	}

	return e.executeSnapshotQuery(ctx, sqlQuery)
}

// DiffVersions returns the descriptor's ordered snapshots at the two
// versions.
func (e *Engine) DiffVersions(
	ctx context.Context,
	oldVersion versionstore.VersionID,
	newVersion versionstore.VersionID,
	descriptor versionstore.Descriptor,
) (versionstore.RawChangeset, error) {

	oldRows, oldErr := e.Query(ctx, descriptor, oldVersion)
	if oldErr != nil {
		return versionstore.RawChangeset{}, oldErr
	}

	newRows, newErr := e.Query(ctx, descriptor, newVersion)
	if newErr != nil {
		return versionstore.RawChangeset{}, newErr
	}

	return versionstore.RawChangeset{Old: oldRows, New: newRows}, nil
}

// RegisterVersionListener registers a commit callback, invoked on the
// committing goroutine after the commit is visible, in registration order.
func (e *Engine) RegisterVersionListener(listener func(versionstore.VersionID)) (func(), error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if listener == nil {
		return nil, errors.New("nil listener supplied")
	}

	e.listenersMu.Lock()
	e.nextListener++
	id := e.nextListener
	e.listeners = append(e.listeners, registeredListener{id: id, listener: listener})
	e.listenersMu.Unlock()

	var once sync.Once
	unregister := func() {
		once.Do(func() {
			e.listenersMu.Lock()
			defer e.listenersMu.Unlock()

			for i, registered := range e.listeners {
				if registered.id == id {
					e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
					return
				}
			}
		})
	}

	return unregister, nil
}

// Prune drops history up to the given version: object rows that were dead
// at the floor and version rows below it are deleted physically. Open read
// pins lower the floor, so a pinned version always stays queryable. Returns
// the effective floor.
func (e *Engine) Prune(ctx context.Context, upTo versionstore.VersionID) (versionstore.VersionID, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	floor := upTo

	current, versionErr := e.queryMaxVersion(ctx)
	if versionErr != nil {
		return 0, versionErr
	}
	if current.Before(floor) {
		floor = current
	}

	e.pinsMu.Lock()
	for pinned := range e.pins {
		if pinned.Before(floor) {
			floor = pinned
		}
	}
	e.pinsMu.Unlock()

	if floor.IsZero() {
		return 0, nil
	}

	if pruneErr := e.pruneBelow(ctx, floor); pruneErr != nil {
		return 0, pruneErr
	}

	e.logOperation(logMsgPruned, logAttrVersion, uint64(floor))

	return floor, nil
}

// Close marks the engine closed and drops its listeners. The database
// connection is owned by the caller and stays open.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.listenersMu.Lock()
	e.listeners = nil
	e.listenersMu.Unlock()

	return nil
}

func (e *Engine) notifyListeners(version versionstore.VersionID) {
	e.listenersMu.Lock()
	listeners := make([]registeredListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.listenersMu.Unlock()

	for _, registered := range listeners {
		registered.listener(version)
	}
}

func (e *Engine) releasePin(version versionstore.VersionID) {
	e.pinsMu.Lock()
	defer e.pinsMu.Unlock()

	if count, held := e.pins[version]; held {
		if count <= 1 {
			delete(e.pins, version)
		} else {
			e.pins[version] = count - 1
		}
	}
}

// readPin keeps one version safe from pruning until released.
type readPin struct {
	engine   *Engine
	version  versionstore.VersionID
	released atomic.Bool
}

func (p *readPin) Version() versionstore.VersionID {
	return p.version
}

func (p *readPin) Release() error {
	if !p.released.CompareAndSwap(false, true) {
		return nil
	}

	p.engine.releasePin(p.version)

	return nil
}
