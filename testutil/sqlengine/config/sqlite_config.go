package config

import (
	"database/sql"
	"log"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// SQLiteInMemoryConfig creates an in-memory SQLite database, shared across
// the connections of one pool. Ideal for fast engine tests without external
// infrastructure.
func SQLiteInMemoryConfig() *sql.DB {
	db, err := sql.Open("sqlite3", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		log.Fatal("Failed to open sqlite database, error: ", err)
	}

	// A single connection keeps the in-memory database alive and sidesteps
	// table locking between pooled connections.
	db.SetMaxOpenConns(1)

	return db
}

// SQLiteFileConfig creates a file-backed SQLite database at the given path.
func SQLiteFileConfig(path string) *sql.DB {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		log.Fatal("Failed to open sqlite database, error: ", err)
	}

	db.SetMaxOpenConns(1)

	return db
}
