package sqlengine

import (
	"errors"

	"github.com/objectstream/reactive-versionstore-go/versionstore"
)

// ErrEmptyTablePrefix is returned when an empty table prefix is supplied.
var ErrEmptyTablePrefix = errors.New("empty table prefix supplied")

// Option defines a functional option for configuring the Engine.
type Option func(*Engine) error

// WithTablePrefix prefixes the engine's table names, so several stores can
// share one database.
func WithTablePrefix(prefix string) Option {
	return func(e *Engine) error {
		if prefix == "" {
			return ErrEmptyTablePrefix
		}

		e.objectsTable = prefix + defaultObjectsTableName
		e.versionsTable = prefix + defaultVersionsTableName

		return nil
	}
}

// WithLogger sets the logger for the Engine.
//
// Debug level: SQL queries with execution timing (development use)
// Info level: commit sizes, durations, prune results (production-safe)
// Warn level: non-critical issues like cleanup failures
// Error level: critical failures that cause operation failures.
func WithLogger(logger versionstore.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the Engine.
func WithMetrics(metrics versionstore.MetricsCollector) Option {
	return func(e *Engine) error {
		e.metrics = metrics
		return nil
	}
}

// WithTracing sets the tracing collector for the Engine.
func WithTracing(tracing versionstore.TracingCollector) Option {
	return func(e *Engine) error {
		e.tracing = tracing
		return nil
	}
}
