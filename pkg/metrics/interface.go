package metrics

import "context"

// Collector receives evna's operational metrics. The Prometheus collector and
// NoopCollector both implement it.
type Collector interface {
	RecordOperation(ctx context.Context, operation string, status string, durationMs int64)
	RecordStage(ctx context.Context, operation string, stage string, durationMs int64)
	RecordError(ctx context.Context, operation string, errorType string)
	SetStorageCount(ctx context.Context, storageType string, count int64)
	// RecordAdapterResults counts candidates returned by a boot search adapter.
	RecordAdapterResults(ctx context.Context, adapter string, count int)
	// RecordBudgetTermination counts boots stopped by a budget rule.
	RecordBudgetTermination(ctx context.Context, rule string)
}
