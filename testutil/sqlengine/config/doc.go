// Package config provides database connection factories for tests and
// examples: an in-memory SQLite database and PostgreSQL connections over
// database/sql, sqlx, and pgxpool.
package config
