package authkit

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// httpDurationBuckets are sized for request latencies, in seconds.
var httpDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5}

// PrometheusMetrics exports events as counters, observations as histograms, and gauges on an injected registry.
// Label names come from the static metric table, so they never depend on which call registers a collector.
type PrometheusMetrics struct {
	mutex      sync.Mutex
	registerer prometheus.Registerer
	namespace  string
	logger     *zap.Logger
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]prometheus.Gauge
}

// NewPrometheusMetrics builds a recorder registering counters as "<namespace>_<event>_total"
// and histograms as "<namespace>_<name>".
func NewPrometheusMetrics(registerer prometheus.Registerer, namespace string, logger *zap.Logger) *PrometheusMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrometheusMetrics{
		registerer: registerer,
		namespace:  namespace,
		logger:     logger,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]prometheus.Gauge),
	}
}

func (recorder *PrometheusMetrics) Record(event string, labels map[string]string) {
	counter := recorder.counterFor(event)
	if counter == nil {
		return
	}
	counter.WithLabelValues(labelValues(event, labels)...).Inc()
}

func (recorder *PrometheusMetrics) Observe(name string, seconds float64, labels map[string]string) {
	histogram := recorder.histogramFor(name)
	if histogram == nil {
		return
	}
	histogram.WithLabelValues(labelValues(name, labels)...).Observe(seconds)
}

func (recorder *PrometheusMetrics) SetGauge(name string, value float64) {
	gauge := recorder.gaugeFor(name)
	if gauge == nil {
		return
	}
	gauge.Set(value)
}

func (recorder *PrometheusMetrics) counterFor(event string) *prometheus.CounterVec {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()

	if existing, ok := recorder.counters[event]; ok {
		return existing
	}
	vector := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: recorder.namespace,
		Name:      metricName(event) + "_total",
		Help:      "Count of " + event + " events.",
	}, MetricLabelNames(event))
	if !recorder.register(vector, event) {
		return nil
	}
	recorder.counters[event] = vector
	return vector
}

func (recorder *PrometheusMetrics) histogramFor(name string) *prometheus.HistogramVec {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()

	if existing, ok := recorder.histograms[name]; ok {
		return existing
	}
	buckets := prometheus.DefBuckets
	if name == HTTPRequestDurationMetric {
		buckets = httpDurationBuckets
	}
	vector := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: recorder.namespace,
		Name:      metricName(name),
		Help:      "Distribution of " + name + ".",
		Buckets:   buckets,
	}, MetricLabelNames(name))
	if !recorder.register(vector, name) {
		return nil
	}
	recorder.histograms[name] = vector
	return vector
}

func (recorder *PrometheusMetrics) gaugeFor(name string) prometheus.Gauge {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()

	if existing, ok := recorder.gauges[name]; ok {
		return existing
	}
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: recorder.namespace,
		Name:      metricName(name),
		Help:      "Current value of " + name + ".",
	})
	if !recorder.register(gauge, name) {
		return nil
	}
	recorder.gauges[name] = gauge
	return gauge
}

func (recorder *PrometheusMetrics) register(collector prometheus.Collector, name string) bool {
	if err := recorder.registerer.Register(collector); err != nil {
		recorder.logger.Warn("metrics registration failed", zap.String("code", "metrics.register"), zap.String("metric", name), zap.Error(err))
		return false
	}
	return true
}

func labelValues(name string, labels map[string]string) []string {
	names := MetricLabelNames(name)
	values := make([]string, len(names))
	for index, labelName := range names {
		values[index] = labels[labelName]
	}
	return values
}

func metricName(event string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(event)
}
