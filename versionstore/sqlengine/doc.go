// Package sqlengine implements the versionstore.Engine interface over a SQL
// database, supporting PostgreSQL and SQLite dialects.
//
// Object state is stored as temporal rows: every row carries the version
// that added it and, once superseded or deleted, the version that removed
// it. A commit writes its object rows first and its row in the versions
// table last; the versions row is the commit point, partial writes stay
// invisible to snapshot queries. Any committed version can be queried until
// it is pruned, which is what lets the bridge pin versions for frozen
// handles and compute changesets between arbitrary version pairs.
//
// The engine works through a small database adapter interface and can be
// constructed from a pgxpool.Pool, a sql.DB, or a sqlx.DB.
package sqlengine
