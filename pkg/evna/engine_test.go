package evna

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/evna/pkg/alias"
	"github.com/dan-solli/evna/pkg/search"
	"github.com/dan-solli/evna/pkg/store"
	"github.com/dan-solli/evna/pkg/trace"
)

var testAliases = []alias.Entry{
	{Canonical: "float/evna", Aliases: []string{"evna", "float-evna"}},
	{Canonical: "rangle/pharmacy", Aliases: []string{"pharmacy"}},
}

// keywordEmbedder maps texts onto a tiny keyword vocabulary.
type keywordEmbedder struct {
	err error
}

var vocabulary = []string{"boot", "capture", "sqlite", "pharmacy"}

func (k keywordEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if k.err != nil {
		return nil, k.err
	}
	lower := strings.ToLower(text)
	v := make([]float32, len(vocabulary)+1)
	for i, w := range vocabulary {
		v[i] = float32(strings.Count(lower, w))
	}
	v[len(vocabulary)] = 0.01
	return v, nil
}

func (k keywordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := k.EmbedOne(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// keywordReranker scores documents containing the query highly.
type keywordReranker struct{}

func (keywordReranker) Rerank(ctx context.Context, query string, documents []string, topN int) ([]float64, error) {
	scores := make([]float64, len(documents))
	for i, d := range documents {
		scores[i] = 0.1
		if strings.Contains(strings.ToLower(d), strings.ToLower(query)) {
			scores[i] = 0.9
		}
	}
	return scores, nil
}

type recordingExporter struct {
	mu      sync.Mutex
	records []*trace.TraceRecord
}

func (r *recordingExporter) Export(ctx context.Context, rec *trace.TraceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingExporter) Close() error { return nil }

func (r *recordingExporter) last(t *testing.T) *trace.TraceRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.records)
	return r.records[len(r.records)-1]
}

var errUnreachable = errors.New("durable tier unreachable")

type failingDurable struct{}

func (failingDurable) GetOrCreateConversation(ctx context.Context, externalID, title string, markers []string) (*store.Conversation, error) {
	return nil, errUnreachable
}
func (failingDurable) AppendMessage(ctx context.Context, msg *store.DurableMessage) error {
	return errUnreachable
}
func (failingDurable) ListMessages(ctx context.Context, opts store.ListMessagesOptions) ([]store.DurableMessage, error) {
	return nil, errUnreachable
}
func (failingDurable) GetMessages(ctx context.Context, ids []string) (map[string]store.DurableMessage, error) {
	return nil, errUnreachable
}
func (failingDurable) CountMessages(ctx context.Context) (int64, error) { return 0, errUnreachable }
func (failingDurable) Close() error                                     { return nil }

type fixture struct {
	engine   *Engine
	vectors  *store.MemoryVectorStore
	exporter *recordingExporter
	now      time.Time
}

func newFixture(t *testing.T, cfg Config, modify func(*Deps)) *fixture {
	t.Helper()

	resolver, err := alias.NewResolver(testAliases)
	require.NoError(t, err)

	db, err := store.OpenSQLite("", filepath.Join(t.TempDir(), "evna.db"))
	require.NoError(t, err)
	durable, err := store.NewSQLiteDurableStore(db)
	require.NoError(t, err)

	f := &fixture{
		vectors:  store.NewMemoryVectorStore(),
		exporter: &recordingExporter{},
		now:      time.Now().UTC().Truncate(time.Second),
	}
	deps := Deps{
		Hot:        store.NewMemoryHotStore(0, 0),
		Durable:    durable,
		Vectors:    f.vectors,
		Embeddings: keywordEmbedder{},
		Aliases:    resolver,
		Exporter:   f.exporter,
	}
	if modify != nil {
		modify(&deps)
	}

	cfg.Now = func() time.Time { return f.now }
	f.engine, err = NewWithDeps(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { f.engine.Close() })
	return f
}

func (f *fixture) capture(t *testing.T, id, conv, text string, age time.Duration) *CaptureResult {
	t.Helper()
	res, err := f.engine.Capture(context.Background(), store.RawMessage{
		ID:             id,
		ConversationID: conv,
		Role:           "user",
		Text:           text,
		Timestamp:      f.now.Add(-age),
		ClientType:     store.ClientDesktop,
	})
	require.NoError(t, err)
	return res
}

func TestEngine_CaptureMirrorsAndIndexes(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	res := f.capture(t, "m1", "c1", "ctx::2025-10-21 @ 08:25 AM - [project::evna] [mode::build] boot work", time.Minute)

	assert.Equal(t, "m1", res.EntryID)
	assert.True(t, res.Mirrored())
	assert.True(t, res.Indexed())
	assert.Equal(t, "float/evna", res.Metadata.Project)
	assert.Equal(t, "build", res.Metadata.Ctx.Mode)

	entries, err := f.engine.Query(ctx, store.QueryFilter{Project: "evna"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.DurableMessageID, entries[0].DurableMessageID)

	query, err := keywordEmbedder{}.EmbedOne(ctx, "boot")
	require.NoError(t, err)
	hits, err := f.vectors.Search(ctx, query, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, res.DurableMessageID, hits[0].ID)

	rec := f.exporter.last(t)
	assert.Equal(t, "capture", rec.Operation)
	assert.Equal(t, "success", rec.Status)
	var names []string
	for _, s := range rec.Spans {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{trace.StageParse, trace.StageHotWrite, trace.StageDurableMirror, trace.StageEmbed, trace.StageIndex}, names)
}

func TestEngine_CaptureSameIDSkipsIndexing(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	first := f.capture(t, "m1", "c1", "boot work", time.Minute)
	second := f.capture(t, "m1", "c1", "boot work again", time.Minute)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DurableMessageID, second.DurableMessageID)

	count, err := f.engine.durable.CountMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	var names []string
	for _, s := range f.exporter.last(t).Spans {
		names = append(names, s.Name)
	}
	assert.NotContains(t, names, trace.StageEmbed)
	assert.NotContains(t, names, trace.StageDurableMirror)
}

func TestEngine_CaptureFillsIDAndTimestamp(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	res, err := f.engine.Capture(context.Background(), store.RawMessage{ConversationID: "c1", Text: "hello"})
	require.NoError(t, err)

	_, err = ulid.Parse(res.EntryID)
	assert.NoError(t, err)

	entries, err := f.engine.Query(context.Background(), store.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Message.Timestamp.Equal(f.now))
	assert.Equal(t, store.ClientDesktop, entries[0].ClientType)
}

func TestEngine_CaptureValidation(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		msg  store.RawMessage
	}{
		{"no conversation", store.RawMessage{Text: "hi"}},
		{"blank text", store.RawMessage{ConversationID: "c1", Text: "  "}},
		{"bad client", store.RawMessage{ConversationID: "c1", Text: "hi", ClientType: "mobile"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Capture(ctx, tt.msg)
			require.Error(t, err)
			assert.Equal(t, ErrTypeValidation, ClassifyError(err))
		})
	}
	assert.Equal(t, "error", f.exporter.last(t).Status)
}

func TestEngine_CaptureSurvivesDurableFailure(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) { d.Durable = failingDurable{} })
	ctx := context.Background()

	res := f.capture(t, "m1", "c1", "still here project::evna", time.Minute)
	assert.ErrorIs(t, res.MirrorErr, errUnreachable)
	assert.False(t, res.Mirrored())
	assert.False(t, res.Indexed())
	assert.NoError(t, res.IndexErr)

	entries, err := f.engine.Query(ctx, store.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Linked())
}

func TestEngine_CaptureIndexFailureIsReported(t *testing.T) {
	embedErr := errors.New("embedding API error")
	f := newFixture(t, Config{}, func(d *Deps) { d.Embeddings = keywordEmbedder{err: embedErr} })

	res := f.capture(t, "m1", "c1", "boot notes", time.Minute)
	assert.True(t, res.Mirrored())
	assert.ErrorIs(t, res.IndexErr, embedErr)
	assert.False(t, res.Indexed())
}

func seedBoot(t *testing.T, f *fixture) {
	t.Helper()
	f.capture(t, "m1", "c1", "boot narrative ordering project::evna", time.Hour)
	f.capture(t, "m2", "c2", "sqlite migration project::pharmacy", 2*time.Hour)
	f.capture(t, "m3", "c3", "capture pipeline notes", 3*time.Hour)
}

func TestEngine_BootWithoutReranker(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	seedBoot(t, f)

	res, err := f.engine.Boot(context.Background(), BootRequest{Query: "boot", Project: "evna"})
	require.NoError(t, err)
	assert.Nil(t, res.Termination)

	// m1 is found by both the hot tier and the vector tier and kept once.
	require.Len(t, res.RankedContext, 3)
	assert.Equal(t, "vector", res.RankedContext[0].SourceTag)
	assert.Contains(t, res.RankedContext[0].Text, "boot narrative")
	conversations := map[string]int{}
	for _, r := range res.RankedContext {
		conversations[r.Metadata.ConversationID]++
		assert.False(t, r.Reranked)
	}
	assert.Equal(t, map[string]int{"c1": 1, "c2": 1, "c3": 1}, conversations)

	// Project is a soft preference: other projects backfill.
	assert.Len(t, res.RecentActivity, 3)

	var adapters []string
	for _, a := range res.Attempts {
		adapters = append(adapters, a.Adapter)
	}
	assert.Equal(t, []string{"context", "vector", "recent"}, adapters)

	header := strings.Index(res.Narrative, "# Context boot:")
	ranked := strings.Index(res.Narrative, "## Relevant Context")
	recent := strings.Index(res.Narrative, "## Recent Activity")
	assert.True(t, header == 0 && header < ranked && ranked < recent, res.Narrative)
	assert.Contains(t, res.Narrative, "**Project:** float/evna")

	rec := f.exporter.last(t)
	assert.Equal(t, "boot", rec.Operation)
	assert.Equal(t, 3, rec.IDs["ranked"])
}

func TestEngine_BootWithRerankerFusesRecent(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) { d.Reranker = keywordReranker{} })
	seedBoot(t, f)

	res, err := f.engine.Boot(context.Background(), BootRequest{Query: "sqlite"})
	require.NoError(t, err)

	assert.Empty(t, res.RecentActivity)
	require.NotEmpty(t, res.RankedContext)
	assert.Contains(t, res.RankedContext[0].Text, "sqlite")
	for _, r := range res.RankedContext {
		assert.True(t, r.Reranked)
	}
	assert.NotContains(t, res.Narrative, "## Recent Activity")
}

func TestEngine_BootIsolatesFailingAdapters(t *testing.T) {
	notes := search.AdapterFunc{Tag: "daily-notes", Fn: func(ctx context.Context, req search.Request) ([]search.Candidate, error) {
		return []search.Candidate{{Text: "Daily note: shipped the boot command"}}, nil
	}}
	broken := search.AdapterFunc{Tag: "broken", Fn: func(ctx context.Context, req search.Request) ([]search.Candidate, error) {
		return nil, errors.New("connection refused")
	}}
	panicking := search.AdapterFunc{Tag: "panicking", Fn: func(ctx context.Context, req search.Request) ([]search.Candidate, error) {
		var m map[string][]search.Candidate
		m["x"] = nil
		return nil, nil
	}}
	f := newFixture(t, Config{}, func(d *Deps) {
		d.Embeddings = keywordEmbedder{err: errors.New("embedding API error")}
		d.Auxiliary = append(d.Auxiliary, notes, broken, panicking)
	})
	f.capture(t, "m1", "c1", "boot notes", time.Hour)

	res, err := f.engine.Boot(context.Background(), BootRequest{Query: "boot"})
	require.NoError(t, err)

	require.Contains(t, res.Auxiliary, "daily-notes")
	assert.NotContains(t, res.Auxiliary, "broken")
	assert.Contains(t, res.Narrative, "## Daily Notes")
	assert.Less(t, strings.Index(res.Narrative, "## Daily Notes"), strings.Index(res.Narrative, "## Relevant Context"))

	found := map[string]int{}
	for _, a := range res.Attempts {
		found[a.Adapter] = a.ResultsFound
	}
	assert.Equal(t, 0, found["broken"])
	assert.Equal(t, 0, found["panicking"])
	assert.Equal(t, 0, found["vector"])
	assert.Equal(t, 1, found["daily-notes"])
}

func TestEngine_BootEmptyRetriesThenExplains(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) {
		d.Durable = nil
		d.Vectors = nil
	})

	res, err := f.engine.Boot(context.Background(), BootRequest{Query: "anything", Project: "evna"})
	require.NoError(t, err)

	require.NotNil(t, res.Termination)
	assert.False(t, res.Termination.Stop)
	assert.Len(t, res.Attempts, 2)
	assert.Empty(t, res.RankedContext)
	assert.Contains(t, res.Narrative, "## No relevant context found")
	assert.Contains(t, res.Narrative, "**Lookback:** 14 days")
	assert.NotContains(t, res.Narrative, "**Project:**")
}

func TestEngine_BootStopsOnThreeStrikes(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 5}, func(d *Deps) {
		d.Durable = nil
		d.Vectors = nil
	})

	res, err := f.engine.Boot(context.Background(), BootRequest{Query: "anything"})
	require.NoError(t, err)

	require.NotNil(t, res.Termination)
	assert.True(t, res.Termination.Stop)
	assert.Equal(t, "three_strikes", string(res.Termination.Reason))
	assert.Len(t, res.Attempts, 3)
	assert.Contains(t, res.Narrative, "Stopped early (three_strikes)")
}

func TestEngine_BootNoRetries(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: -1}, func(d *Deps) { d.Durable = nil })

	res, err := f.engine.Boot(context.Background(), BootRequest{Query: "anything"})
	require.NoError(t, err)
	assert.Len(t, res.Attempts, 1)
}

func TestNewWithDeps_RequiresHotAndAliases(t *testing.T) {
	_, err := NewWithDeps(Config{}, Deps{})
	assert.Error(t, err)

	_, err = NewWithDeps(Config{}, Deps{Hot: store.NewMemoryHotStore(0, 0)})
	assert.ErrorIs(t, err, alias.ErrEmptyTable)
}

func TestNew(t *testing.T) {
	dir := t.TempDir()

	_, err := New(Config{DBPath: filepath.Join(dir, "evna.db")})
	assert.ErrorIs(t, err, alias.ErrEmptyTable)

	_, err = New(Config{Aliases: testAliases})
	assert.Error(t, err)

	tracePath := filepath.Join(dir, "trace.jsonl")
	e, err := New(Config{
		Aliases:   testAliases,
		DBPath:    filepath.Join(dir, "evna.db"),
		TracePath: tracePath,
	})
	require.NoError(t, err)
	assert.False(t, e.HasReranker())

	res, err := e.Capture(context.Background(), store.RawMessage{ConversationID: "c1", Text: "hello project::evna"})
	require.NoError(t, err)
	assert.True(t, res.Mirrored())
	require.NoError(t, e.Close())

	data, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"operation":"capture"`)
}
