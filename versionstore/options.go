package versionstore

import "errors"

// Option configures a Store during Open.
type Option func(*Store) error

// WithLogger attaches a Logger used for operational warnings and dispatch
// diagnostics.
func WithLogger(logger Logger) Option {
	return func(s *Store) error {
		if logger == nil {
			return errors.New("nil logger supplied")
		}
		s.logger = logger

		return nil
	}
}

// WithContextualLogger attaches a context-aware logger. When both loggers
// are configured the contextual one is preferred for operations that carry
// a context.
func WithContextualLogger(logger ContextualLogger) Option {
	return func(s *Store) error {
		if logger == nil {
			return errors.New("nil contextual logger supplied")
		}
		s.contextualLogger = logger

		return nil
	}
}

// WithMetrics attaches a MetricsCollector recording dispatch fan-out,
// coalesced wakeups, and commit/async-query durations.
func WithMetrics(metrics MetricsCollector) Option {
	return func(s *Store) error {
		if metrics == nil {
			return errors.New("nil metrics collector supplied")
		}
		s.metrics = metrics

		return nil
	}
}

// WithTracing attaches a TracingCollector; commits and dispatch cycles are
// reported as spans.
func WithTracing(tracing TracingCollector) Option {
	return func(s *Store) error {
		if tracing == nil {
			return errors.New("nil tracing collector supplied")
		}
		s.tracing = tracing

		return nil
	}
}

// WithAsyncQueryParallelism bounds the worker pool that serves async finds.
func WithAsyncQueryParallelism(parallelism int) Option {
	return func(s *Store) error {
		if parallelism <= 0 {
			return errors.New("async query parallelism must be positive")
		}
		s.asyncParallelism = parallelism

		return nil
	}
}
