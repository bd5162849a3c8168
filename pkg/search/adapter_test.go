package search

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/evna/pkg/alias"
	"github.com/dan-solli/evna/pkg/store"
)

// keywordEmbedder maps texts onto fixed axes so similarity is predictable.
type keywordEmbedder struct {
	err error
}

func (k keywordEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if k.err != nil {
		return nil, k.err
	}
	text = strings.ToLower(text)
	v := []float32{0, 0, 0}
	if strings.Contains(text, "parser") {
		v[0] = 1
	}
	if strings.Contains(text, "budget") {
		v[1] = 1
	}
	if strings.Contains(text, "lunch") {
		v[2] = 1
	}
	return v, nil
}

func (k keywordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		e, err := k.EmbedOne(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

type fixture struct {
	durable *store.SQLiteDurableStore
	vectors *store.MemoryVectorStore
	aliases *alias.Resolver
	base    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.OpenSQLite(store.DriverModernc, filepath.Join(t.TempDir(), "evna.db"))
	require.NoError(t, err)
	durable, err := store.NewSQLiteDurableStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })

	aliases, err := alias.NewResolver([]alias.Entry{{Canonical: "float/evna", Aliases: []string{"evna"}}})
	require.NoError(t, err)

	f := &fixture{
		durable: durable,
		vectors: store.NewMemoryVectorStore(),
		aliases: aliases,
		base:    time.Date(2025, 10, 21, 8, 0, 0, 0, time.UTC),
	}

	conv, err := durable.GetOrCreateConversation(ctx, "ext-1", "", nil)
	require.NoError(t, err)

	rows := []struct {
		text    string
		project string
		age     time.Duration
	}{
		{"fixed the parser bug", "float/evna", 1 * time.Hour},
		{"parser and budget notes", "rangle/pharmacy", 2 * time.Hour},
		{"went to lunch", "float/evna", 3 * time.Hour},
		{"old parser work", "float/evna", 30 * 24 * time.Hour},
	}
	emb := keywordEmbedder{}
	for _, r := range rows {
		msg := &store.DurableMessage{
			ConversationID: conv.ID,
			Role:           "user",
			Timestamp:      f.base.Add(-r.age),
			Content:        r.text,
			Project:        r.project,
		}
		require.NoError(t, durable.AppendMessage(ctx, msg))
		vec, err := emb.EmbedOne(ctx, r.text)
		require.NoError(t, err)
		require.NoError(t, f.vectors.Add(ctx, msg.ID, vec))
	}
	return f
}

func texts(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Text
	}
	return out
}

func TestVectorAdapter_Search(t *testing.T) {
	f := newFixture(t)
	a := NewVectorAdapter(keywordEmbedder{}, f.vectors, f.durable, f.aliases)

	got, err := a.Search(context.Background(), Request{
		Query:     "parser",
		Since:     f.base.Add(-7 * 24 * time.Hour),
		Threshold: 0.3,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"fixed the parser bug", "parser and budget notes"}, texts(got))
	assert.InDelta(t, 1.0, got[0].Metadata.Score, 0.001)
	assert.InDelta(t, 0.707, got[1].Metadata.Score, 0.01)
	assert.True(t, got[0].Metadata.HasScore)
	assert.Equal(t, TagVector, got[0].SourceTag)
	assert.Equal(t, "ext-1", got[0].Metadata.ConversationID)
}

func TestVectorAdapter_ProjectFilterUsesAliases(t *testing.T) {
	f := newFixture(t)
	a := NewVectorAdapter(keywordEmbedder{}, f.vectors, f.durable, f.aliases)

	got, err := a.Search(context.Background(), Request{Query: "parser", Project: "EVNA", Threshold: 0.3})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fixed the parser bug", "old parser work"}, texts(got))
}

func TestVectorAdapter_ThresholdAndLimit(t *testing.T) {
	f := newFixture(t)
	a := NewVectorAdapter(keywordEmbedder{}, f.vectors, f.durable, f.aliases)

	got, err := a.Search(context.Background(), Request{Query: "parser", Threshold: 0.9})
	require.NoError(t, err)
	assert.Len(t, got, 2, "the 0.707 hit is below threshold")

	got, err = a.Search(context.Background(), Request{Query: "parser", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestVectorAdapter_EmbeddingFailure(t *testing.T) {
	f := newFixture(t)
	a := NewVectorAdapter(keywordEmbedder{err: errors.New("boom")}, f.vectors, f.durable, f.aliases)

	_, err := a.Search(context.Background(), Request{Query: "parser"})
	assert.Error(t, err)
}

func TestRecentAdapter_Search(t *testing.T) {
	f := newFixture(t)
	a := NewRecentAdapter(f.durable)

	got, err := a.Search(context.Background(), Request{Since: f.base.Add(-24 * time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, []string{"fixed the parser bug", "parser and budget notes", "went to lunch"}, texts(got))
	for _, c := range got {
		assert.Equal(t, TagRecent, c.SourceTag)
		assert.False(t, c.Metadata.HasScore)
	}
}

func TestAdapterFunc(t *testing.T) {
	a := AdapterFunc{Tag: "daily", Fn: func(ctx context.Context, req Request) ([]Candidate, error) {
		return []Candidate{{Text: "daily note for " + req.Query}}, nil
	}}

	assert.Equal(t, "daily", a.Name())
	got, err := a.Search(context.Background(), Request{Query: "today"})
	require.NoError(t, err)
	assert.Equal(t, "daily note for today", got[0].Text)
}
