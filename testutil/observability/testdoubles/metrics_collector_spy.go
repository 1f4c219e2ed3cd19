package testdoubles

import (
	"sync"
	"time"

	"github.com/objectstream/reactive-versionstore-go/versionstore"
)

// MetricsCollectorSpy is a MetricsCollector implementation that captures
// metrics calls for testing.
type MetricsCollectorSpy struct {
	durations []SpyDurationRecord
	counters  []SpyCounterRecord
	values    []SpyValueRecord
	mu        sync.Mutex
}

// SpyDurationRecord represents one recorded duration measurement.
type SpyDurationRecord struct {
	Metric   string
	Duration time.Duration
	Labels   map[string]string
}

// SpyCounterRecord represents one recorded counter increment.
type SpyCounterRecord struct {
	Metric string
	Labels map[string]string
}

// SpyValueRecord represents one recorded gauge value.
type SpyValueRecord struct {
	Metric string
	Value  float64
	Labels map[string]string
}

// NewMetricsCollectorSpy creates a new MetricsCollectorSpy instance.
func NewMetricsCollectorSpy() *MetricsCollectorSpy {
	return &MetricsCollectorSpy{}
}

// RecordDuration implements the MetricsCollector interface for testing.
func (s *MetricsCollectorSpy) RecordDuration(metric string, duration time.Duration, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.durations = append(s.durations, SpyDurationRecord{Metric: metric, Duration: duration, Labels: copyLabels(labels)})
}

// IncrementCounter implements the MetricsCollector interface for testing.
func (s *MetricsCollectorSpy) IncrementCounter(metric string, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters = append(s.counters, SpyCounterRecord{Metric: metric, Labels: copyLabels(labels)})
}

// RecordValue implements the MetricsCollector interface for testing.
func (s *MetricsCollectorSpy) RecordValue(metric string, value float64, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = append(s.values, SpyValueRecord{Metric: metric, Value: value, Labels: copyLabels(labels)})
}

// Reset clears all recorded metrics calls.
func (s *MetricsCollectorSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.durations = s.durations[:0]
	s.counters = s.counters[:0]
	s.values = s.values[:0]
}

// GetDurations returns a copy of all recorded duration measurements.
func (s *MetricsCollectorSpy) GetDurations() []SpyDurationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]SpyDurationRecord(nil), s.durations...)
}

// CounterCount returns how often the given counter metric was incremented.
func (s *MetricsCollectorSpy) CounterCount(metric string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, record := range s.counters {
		if record.Metric == metric {
			count++
		}
	}

	return count
}

// HasDuration checks if a duration was recorded for the given metric.
func (s *MetricsCollectorSpy) HasDuration(metric string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.durations {
		if record.Metric == metric {
			return true
		}
	}

	return false
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}

	copied := make(map[string]string, len(labels))
	for key, value := range labels {
		copied[key] = value
	}

	return copied
}

// Compile-time check to ensure MetricsCollectorSpy implements the
// MetricsCollector interface.
var _ versionstore.MetricsCollector = (*MetricsCollectorSpy)(nil)
