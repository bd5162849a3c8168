// Package evna is the context synthesis engine: it captures conversation
// messages into the two-tier store and, on boot, gathers, ranks and renders
// the context most relevant to a new session.
package evna

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oklog/ulid/v2"

	"github.com/dan-solli/evna/pkg/alias"
	"github.com/dan-solli/evna/pkg/annotation"
	"github.com/dan-solli/evna/pkg/embeddings"
	"github.com/dan-solli/evna/pkg/metrics"
	"github.com/dan-solli/evna/pkg/rerank"
	"github.com/dan-solli/evna/pkg/search"
	"github.com/dan-solli/evna/pkg/store"
	"github.com/dan-solli/evna/pkg/trace"
)

// Deps are the collaborators of an Engine. Only Hot and Aliases are
// required; every other tier degrades to absent when nil.
type Deps struct {
	Hot        store.HotStore
	Durable    store.DurableStore
	Vectors    store.VectorStore
	Embeddings embeddings.EmbeddingClient
	Reranker   search.Reranker
	Aliases    *alias.Resolver
	Exporter   trace.Exporter
	// Auxiliary adapters feed extra read-only sections into boot.
	Auxiliary []search.Adapter
}

// Engine is the main entry point. It owns the hot tier for its lifetime.
type Engine struct {
	cfg        Config
	aliases    *alias.Resolver
	parser     *annotation.Parser
	hot        store.HotStore
	durable    store.DurableStore
	vectors    store.VectorStore
	embeddings embeddings.EmbeddingClient
	contexts   *store.ContextStore
	ranker     *search.Ranker
	vector     *search.VectorAdapter
	recent     *search.RecentAdapter
	auxiliary  []search.Adapter
	exporter   trace.Exporter
	metrics    metrics.Collector
	logger     *slog.Logger
}

// New opens the durable SQLite tier at cfg.DBPath and builds an Engine with
// an in-memory hot tier and every optional client cfg enables. A missing
// alias table or an unreachable database is fatal.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.WithDefaults()

	aliases, err := alias.NewResolver(cfg.Aliases)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid alias table")
	}
	if cfg.DBPath == "" {
		return nil, goerr.New("database path is required")
	}

	db, err := store.OpenSQLite(cfg.Driver, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	durable, err := store.NewSQLiteDurableStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	vectors, err := store.NewSQLiteVectorStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	embClient, err := embeddings.New(cfg.Embeddings)
	if err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to configure embeddings")
	}

	var reranker search.Reranker
	if cfg.RerankURL != "" {
		reranker = rerank.NewClient(cfg.RerankURL, cfg.RerankModel, cfg.RerankAPIKey)
	}

	exporter, err := trace.NewFileExporter(cfg.TracePath)
	if err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to open trace file")
	}

	e, err := NewWithDeps(cfg, Deps{
		Hot:        store.NewMemoryHotStore(cfg.HotCapacity, cfg.HotTTL),
		Durable:    durable,
		Vectors:    vectors,
		Embeddings: embClient,
		Reranker:   reranker,
		Aliases:    aliases,
		Exporter:   exporter,
	})
	if err != nil {
		exporter.Close()
		db.Close()
		return nil, err
	}
	return e, nil
}

// NewWithDeps builds an Engine from explicit collaborators.
func NewWithDeps(cfg Config, deps Deps) (*Engine, error) {
	if deps.Hot == nil {
		return nil, goerr.New("hot store is required")
	}
	if deps.Aliases == nil {
		return nil, goerr.Wrap(alias.ErrEmptyTable, "alias resolver is required")
	}
	cfg = cfg.WithDefaults()

	e := &Engine{
		cfg:        cfg,
		aliases:    deps.Aliases,
		parser:     annotation.NewParser(deps.Aliases),
		hot:        deps.Hot,
		durable:    deps.Durable,
		vectors:    deps.Vectors,
		embeddings: deps.Embeddings,
		contexts:   store.NewContextStore(deps.Hot, deps.Durable, deps.Aliases),
		ranker:     search.NewRanker(deps.Reranker),
		auxiliary:  deps.Auxiliary,
		exporter:   deps.Exporter,
		metrics:    metrics.NewNoopCollector(),
	}
	if e.exporter == nil {
		e.exporter = trace.NoopExporter{}
	}
	if deps.Durable != nil {
		e.recent = search.NewRecentAdapter(deps.Durable)
		if deps.Vectors != nil && deps.Embeddings != nil {
			e.vector = search.NewVectorAdapter(deps.Embeddings, deps.Vectors, deps.Durable, deps.Aliases)
		}
	}
	return e, nil
}

// SetLogger sets the logger on the engine and its components. nil disables
// logging.
func (e *Engine) SetLogger(logger *slog.Logger) {
	e.logger = logger
	e.contexts.SetLogger(logger)
	e.ranker.SetLogger(logger)
	if e.vector != nil {
		e.vector.SetLogger(logger)
	}
}

// SetMetrics sets the metrics collector. nil restores the no-op collector.
func (e *Engine) SetMetrics(c metrics.Collector) {
	if c == nil {
		c = metrics.NewNoopCollector()
	}
	e.metrics = c
	e.contexts.SetMetrics(c)
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Aliases returns the alias resolver.
func (e *Engine) Aliases() *alias.Resolver {
	return e.aliases
}

// HasReranker reports whether boot fuses with a cross-encoder.
func (e *Engine) HasReranker() bool {
	return e.ranker.HasReranker()
}

// Close releases the trace exporter and the durable store.
func (e *Engine) Close() error {
	var errs []error
	if err := e.exporter.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.durable != nil {
		if err := e.durable.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.logger
}

// CaptureResult reports a capture. Only the hot-tier write is guaranteed;
// MirrorErr and IndexErr describe best-effort steps that failed.
type CaptureResult struct {
	store.CaptureResult
	Metadata annotation.Metadata
	IndexErr error
}

// Indexed reports whether the message was added to the vector tier.
func (r CaptureResult) Indexed() bool {
	return r.Mirrored() && r.IndexErr == nil
}

// Capture parses msg, writes it to the hot tier, mirrors it to the durable
// tier and, when embeddings are configured, indexes it for vector search.
// A missing ID is generated; a missing timestamp is set to now.
func (e *Engine) Capture(ctx context.Context, msg store.RawMessage) (result *CaptureResult, err error) {
	start := time.Now()
	tr := trace.NewOperationTrace()
	ctx = trace.WithTrace(ctx, tr)
	operationID := ulid.Make().String()

	defer func() {
		tr.Finish()
		ids := map[string]any{"entry_id": msg.ID}
		if result != nil && result.DurableMessageID != "" {
			ids["durable_message_id"] = result.DurableMessageID
		}
		e.finishOperation(ctx, operationID, "capture", start, tr, err, ids)
	}()

	if verr := validateMessage(&msg); verr != nil {
		return nil, verr
	}
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = e.cfg.Now()
	}

	span := tr.Start(trace.StageParse)
	meta := e.parser.ExtractMetadata(msg.Text)
	span.Finish(nil, nil)

	stored, err := e.contexts.Capture(ctx, store.CapturedEntry{
		Message:    msg,
		Metadata:   meta,
		ClientType: msg.ClientType,
	})
	if err != nil {
		return nil, err
	}

	result = &CaptureResult{CaptureResult: *stored, Metadata: meta}
	if stored.Mirrored() && !stored.Duplicate {
		result.IndexErr = e.index(ctx, stored.DurableMessageID, msg.Text)
		if count, err := e.durable.CountMessages(ctx); err == nil {
			e.metrics.SetStorageCount(ctx, "durable_messages", count)
		}
	}
	return result, nil
}

func validateMessage(msg *store.RawMessage) error {
	if strings.TrimSpace(msg.ConversationID) == "" {
		return goerr.New("conversation id is required")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return goerr.New("message text cannot be empty", goerr.V("conversation_id", msg.ConversationID))
	}
	switch msg.ClientType {
	case "":
		msg.ClientType = store.ClientDesktop
	case store.ClientDesktop, store.ClientCode:
	default:
		return goerr.New("invalid client type", goerr.V("client_type", msg.ClientType))
	}
	return nil
}

// index embeds text and stores it under the durable message id. Failures are
// logged and returned for the caller to report, never to abort the capture.
func (e *Engine) index(ctx context.Context, messageID, text string) error {
	if e.embeddings == nil || e.vectors == nil {
		return nil
	}
	tr := trace.FromContext(ctx)

	span := tr.Start(trace.StageEmbed)
	embedding, err := e.embeddings.EmbedOne(ctx, text)
	span.Finish(err, nil)
	if err == nil {
		span = tr.Start(trace.StageIndex)
		err = e.vectors.Add(ctx, messageID, embedding)
		span.Finish(err, nil)
	}
	if err != nil {
		e.metrics.RecordError(ctx, "capture", ClassifyError(err))
		e.log().Warn("vector indexing failed, message not searchable by similarity",
			slog.String("durable_message_id", messageID),
			slog.Any("error", err))
		return err
	}
	return nil
}

// Query reads recent captures from the hot tier.
func (e *Engine) Query(ctx context.Context, filter store.QueryFilter) ([]store.CapturedEntry, error) {
	return e.contexts.Query(ctx, filter)
}

// ClientAwareContext returns hot-tier context for a client session.
func (e *Engine) ClientAwareContext(ctx context.Context, session store.ClientSession, isFirstMessage bool, project string, limit int) ([]store.CapturedEntry, error) {
	return e.contexts.GetClientAwareContext(ctx, session, isFirstMessage, project, limit)
}

// History lists durable messages newest-first. A non-empty project matches
// any alias variant of it as a substring of the stored project.
func (e *Engine) History(ctx context.Context, project string, since time.Time, limit int) ([]store.DurableMessage, error) {
	if e.durable == nil {
		return nil, nil
	}
	opts := store.ListMessagesOptions{Since: since, Limit: limit}
	if project != "" {
		opts.ProjectVariants = e.aliases.Expand(project)
	}
	msgs, err := e.durable.ListMessages(ctx, opts)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list history", goerr.V("project", project))
	}
	return msgs, nil
}

// finishOperation records metrics and exports the trace of one operation.
// Export failures are logged only.
func (e *Engine) finishOperation(ctx context.Context, operationID, operation string, start time.Time, tr *trace.OperationTrace, opErr error, ids map[string]any) {
	status := "success"
	if opErr != nil {
		status = "error"
		e.metrics.RecordError(ctx, operation, ClassifyError(opErr))
	}
	e.metrics.RecordOperation(ctx, operation, status, time.Since(start).Milliseconds())
	for _, s := range tr.Spans() {
		e.metrics.RecordStage(ctx, operation, s.Name, s.DurationMs)
	}

	rec := tr.Record(operationID, operation, opErr, ClassifyError, ids)
	if err := e.exporter.Export(ctx, rec); err != nil {
		e.log().Warn("trace export failed", slog.String("operation", operation), slog.Any("error", err))
	}
}
