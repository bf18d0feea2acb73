package authkit

import (
	"sort"
	"sync"
	"time"
)

// MetricsRecorder receives lifecycle events, duration observations, and gauge values.
type MetricsRecorder interface {
	Record(event string, labels map[string]string)
	Observe(name string, seconds float64, labels map[string]string)
	SetGauge(name string, value float64)
}

// Duration observations.
const (
	HTTPRequestDurationMetric = "http.request_duration_seconds"
	LoginDurationMetric       = "login.duration_seconds"
	StoreQueryDurationMetric  = "store.query_duration_seconds"
)

// metricLabelNames fixes the label names of every labelled event and observation.
// Names missing from the table carry no labels; labels outside the table are dropped.
var metricLabelNames = map[string][]string{
	"login.success":              {"method"},
	"login.failure":              {"method", "reason"},
	"refresh.failure":            {"reason"},
	"token.verification_failure": {"kind"},
	"cache.error":                {"operation"},
	"account.registered":         {"role"},
	"account.role_updated":       {"role"},
	"post.fetched":               {"scope"},
	"http.requests":              {"method", "route", "status"},
	HTTPRequestDurationMetric:    {"method", "route", "status"},
	LoginDurationMetric:          {"method", "outcome"},
	StoreQueryDurationMetric:     {"component", "operation"},
}

// MetricLabelNames returns the sorted label names registered for name.
func MetricLabelNames(name string) []string {
	names := append([]string(nil), metricLabelNames[name]...)
	sort.Strings(names)
	return names
}

// ObserveStoreCall records the time since started as a store query duration.
// Callers defer it with time.Now() so it covers the operation's store phase until return.
func ObserveStoreCall(metrics MetricsRecorder, component string, operation string, started time.Time) {
	if metrics == nil {
		return
	}
	metrics.Observe(StoreQueryDurationMetric, time.Since(started).Seconds(), map[string]string{
		"component": component,
		"operation": operation,
	})
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) Record(string, map[string]string) {}

func (NopMetrics) Observe(string, float64, map[string]string) {}

func (NopMetrics) SetGauge(string, float64) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex        sync.Mutex
	counts       map[string]int64
	observations map[string]int64
	gauges       map[string]float64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{
		counts:       make(map[string]int64),
		observations: make(map[string]int64),
		gauges:       make(map[string]float64),
	}
}

// Record increases the counter for the given event. Labels are ignored.
func (recorder *CounterMetrics) Record(event string, labels map[string]string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Observe counts observations per name.
func (recorder *CounterMetrics) Observe(name string, seconds float64, labels map[string]string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.observations[name]++
}

// SetGauge stores value under name.
func (recorder *CounterMetrics) SetGauge(name string, value float64) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.gauges[name] = value
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Observations returns how many durations were observed under name.
func (recorder *CounterMetrics) Observations(name string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.observations[name]
}

// Gauge returns the current value of the named gauge.
func (recorder *CounterMetrics) Gauge(name string) float64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.gauges[name]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}
