package trace

import "context"

// NoopExporter drops every record.
type NoopExporter struct{}

var _ Exporter = NoopExporter{}

func (NoopExporter) Export(ctx context.Context, record *TraceRecord) error {
	return nil
}

func (NoopExporter) Close() error {
	return nil
}
