// Package adapters provides database adapter implementations for the SQL
// version store engine.
//
// The engine works against a small DBAdapter interface so it can run over
// pgxpool.Pool, sql.DB, and sqlx.DB connections alike. All adapters provide
// equivalent functionality; the engine never sees which library is
// underneath.
package adapters
