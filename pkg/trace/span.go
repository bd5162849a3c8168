package trace

import (
	"context"
	"sync"
	"time"
)

// Stage names used in spans.
const (
	StageParse         = "parse"
	StageHotWrite      = "hot-write"
	StageDurableMirror = "durable-mirror"
	StageEmbed         = "embed"
	StageIndex         = "write-vector"
	StageSearchContext = "search-context"
	StageSearchVector  = "search-vector"
	StageSearchRecent  = "search-recent"
	StageDedup         = "dedup"
	StageFuse          = "fuse"
	StageRender        = "render"
)

// Span is one timed stage.
type Span struct {
	Name       string           `json:"name"`
	DurationMs int64            `json:"durationMs"`
	OK         bool             `json:"ok"`
	Error      string           `json:"error,omitempty"`
	Counters   map[string]int64 `json:"counters,omitempty"`

	err error
}

// OperationTrace collects spans for one operation. Spans may be added from
// concurrent goroutines.
type OperationTrace struct {
	mu              sync.Mutex
	start           time.Time
	spans           []Span
	totalDurationMs int64
}

// NewOperationTrace starts a trace now.
func NewOperationTrace() *OperationTrace {
	return &OperationTrace{start: time.Now(), spans: make([]Span, 0)}
}

// Start opens a span. It is safe on a nil trace; the returned timer then
// does nothing.
func (t *OperationTrace) Start(name string) *SpanTimer {
	if t == nil {
		return &SpanTimer{}
	}
	return &SpanTimer{name: name, start: time.Now(), trace: t}
}

// Finish stamps the total wall-clock duration.
func (t *OperationTrace) Finish() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.totalDurationMs = time.Since(t.start).Milliseconds()
	t.mu.Unlock()
}

// Spans returns a copy of the recorded spans in completion order.
func (t *OperationTrace) Spans() []Span {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Span(nil), t.spans...)
}

// TotalDurationMs is the wall-clock duration set by Finish.
func (t *OperationTrace) TotalDurationMs() int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalDurationMs
}

func (t *OperationTrace) add(s Span) {
	t.mu.Lock()
	t.spans = append(t.spans, s)
	t.mu.Unlock()
}

// Record converts the trace into an exportable record. classify maps span
// errors to error-type buckets; error messages themselves are not exported.
func (t *OperationTrace) Record(operationID, operation string, opErr error, classify func(error) string, ids map[string]any) *TraceRecord {
	if classify == nil {
		classify = func(error) string { return "unknown" }
	}
	rec := &TraceRecord{
		Timestamp:   t.start,
		OperationID: operationID,
		Operation:   operation,
		DurationMs:  t.TotalDurationMs(),
		Status:      "success",
		IDs:         ids,
	}
	if opErr != nil {
		rec.Status = "error"
		rec.ErrorType = classify(opErr)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rec.Spans = make([]SpanRecord, 0, len(t.spans))
	for _, s := range t.spans {
		sr := SpanRecord{Name: s.Name, DurationMs: s.DurationMs, OK: s.OK, Counters: s.Counters}
		if !s.OK {
			sr.ErrorType = classify(s.err)
		}
		rec.Spans = append(rec.Spans, sr)
	}
	return rec
}

type traceKey struct{}

// WithTrace attaches t to ctx so lower layers can add spans to it.
func WithTrace(ctx context.Context, t *OperationTrace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

// FromContext returns the trace attached to ctx, or nil. The nil trace is
// usable: its timers record nothing.
func FromContext(ctx context.Context) *OperationTrace {
	t, _ := ctx.Value(traceKey{}).(*OperationTrace)
	return t
}

// SpanTimer measures one span.
type SpanTimer struct {
	name  string
	start time.Time
	trace *OperationTrace
}

// Finish records the span. A non-nil err marks it failed.
func (st *SpanTimer) Finish(err error, counters map[string]int64) {
	if st.trace == nil {
		return
	}
	span := Span{
		Name:       st.name,
		DurationMs: time.Since(st.start).Milliseconds(),
		OK:         err == nil,
		Counters:   counters,
	}
	if err != nil {
		span.Error = err.Error()
		span.err = err
	}
	st.trace.add(span)
}
