// Package trace records per-operation timing for boot and capture and exports
// the records as JSON Lines.
package trace

import (
	"context"
	"time"
)

// Exporter writes finished operation records. Implementations must be safe
// for concurrent use.
type Exporter interface {
	Export(ctx context.Context, record *TraceRecord) error
	// Close flushes and releases resources. It is safe to call twice.
	Close() error
}

// TraceRecord is one exported operation. It carries ids and counts only,
// never captured text or queries.
type TraceRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	OperationID string    `json:"operationId"`
	// Operation is "boot" or "capture".
	Operation  string       `json:"operation"`
	DurationMs int64        `json:"durationMs"`
	Status     string       `json:"status"`
	Spans      []SpanRecord `json:"spans"`
	// ErrorType is a ClassifyError bucket, set when Status is "error".
	ErrorType string         `json:"errorType,omitempty"`
	IDs       map[string]any `json:"ids,omitempty"`
}

// SpanRecord is one stage within an operation.
type SpanRecord struct {
	Name       string           `json:"name"`
	DurationMs int64            `json:"durationMs"`
	OK         bool             `json:"ok"`
	ErrorType  string           `json:"errorType,omitempty"`
	Counters   map[string]int64 `json:"counters,omitempty"`
}
