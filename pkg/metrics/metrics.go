package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "evna"

// durationBuckets spans a cached hot-tier capture to a slow reranked boot.
var durationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0}

// MetricsCollector exports evna metrics through its own Prometheus registry,
// so several engines (tests, embedded use) never collide on registration.
type MetricsCollector struct {
	registry *prometheus.Registry

	operations         *prometheus.CounterVec
	durations          *prometheus.HistogramVec
	errors             *prometheus.CounterVec
	storage            *prometheus.GaugeVec
	adapterResults     *prometheus.CounterVec
	budgetTerminations *prometheus.CounterVec
}

var _ Collector = (*MetricsCollector)(nil)

// NewCollector creates a collector with every evna metric registered.
func NewCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &MetricsCollector{
		registry: registry,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Boot and capture operations by status",
		}, []string{"operation", "status"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Operation and stage latency; stage=total is the whole operation",
			Buckets:   durationBuckets,
		}, []string{"operation", "stage"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by operation and classified error type",
		}, []string{"operation", "error_type"}),
		storage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_count",
			Help:      "Items held per storage tier",
		}, []string{"type"}),
		adapterResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_results_total",
			Help:      "Candidates returned by boot search adapters",
		}, []string{"adapter"}),
		budgetTerminations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_terminations_total",
			Help:      "Boot searches stopped early by a budget rule",
		}, []string{"rule"}),
	}
}

func seconds(ms int64) float64 {
	return float64(ms) / 1000.0
}

func (m *MetricsCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
	m.operations.WithLabelValues(operation, status).Inc()
	m.durations.WithLabelValues(operation, "total").Observe(seconds(durationMs))
}

func (m *MetricsCollector) RecordStage(ctx context.Context, operation string, stage string, durationMs int64) {
	m.durations.WithLabelValues(operation, stage).Observe(seconds(durationMs))
}

func (m *MetricsCollector) RecordError(ctx context.Context, operation string, errorType string) {
	m.errors.WithLabelValues(operation, errorType).Inc()
}

func (m *MetricsCollector) SetStorageCount(ctx context.Context, storageType string, count int64) {
	m.storage.WithLabelValues(storageType).Set(float64(count))
}

func (m *MetricsCollector) RecordAdapterResults(ctx context.Context, adapter string, count int) {
	m.adapterResults.WithLabelValues(adapter).Add(float64(count))
}

func (m *MetricsCollector) RecordBudgetTermination(ctx context.Context, rule string) {
	m.budgetTerminations.WithLabelValues(rule).Inc()
}

// Registry returns the registry to serve with promhttp.HandlerFor.
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}
