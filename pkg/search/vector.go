package search

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dan-solli/evna/pkg/alias"
	"github.com/dan-solli/evna/pkg/embeddings"
	"github.com/dan-solli/evna/pkg/store"
)

// VectorAdapter performs vector similarity search over durable messages.
type VectorAdapter struct {
	embeddings  embeddings.EmbeddingClient
	vectorStore store.VectorStore
	durable     store.DurableStore
	aliases     *alias.Resolver
	logger      *slog.Logger
}

var _ Adapter = (*VectorAdapter)(nil)

// NewVectorAdapter creates a new vector adapter.
func NewVectorAdapter(
	embClient embeddings.EmbeddingClient,
	vectorStore store.VectorStore,
	durable store.DurableStore,
	aliases *alias.Resolver,
) *VectorAdapter {
	return &VectorAdapter{
		embeddings:  embClient,
		vectorStore: vectorStore,
		durable:     durable,
		aliases:     aliases,
	}
}

// SetLogger sets the logger. nil disables logging.
func (v *VectorAdapter) SetLogger(logger *slog.Logger) {
	v.logger = logger
}

func (v *VectorAdapter) Name() string { return TagVector }

// Search embeds the query, searches the vector store, and hydrates hits from
// the durable tier. Hits below the threshold, older than Since, or outside
// the project's alias variants are dropped. Scores are clamped to [0,1].
func (v *VectorAdapter) Search(ctx context.Context, req Request) ([]Candidate, error) {
	ApplyDefaults(&req)

	embedding, err := v.embeddings.EmbedOne(ctx, req.Query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	// Fetch more than Limit so post-filters still leave enough hits.
	hits, err := v.vectorStore.Search(ctx, embedding, max(req.Limit*3, 20))
	if err != nil {
		return nil, goerr.Wrap(err, "vector search failed")
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.Score >= req.Threshold {
			ids = append(ids, h.ID)
		}
	}
	if len(ids) == 0 {
		return []Candidate{}, nil
	}

	messages, err := v.durable.GetMessages(ctx, ids)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to hydrate vector hits")
	}

	var variants []string
	if req.Project != "" {
		variants = v.aliases.Expand(req.Project)
	}

	results := make([]Candidate, 0, req.Limit)
	for _, h := range hits {
		if len(results) >= req.Limit {
			break
		}
		if h.Score < req.Threshold {
			continue
		}
		msg, ok := messages[h.ID]
		if !ok {
			// stale index entry
			if v.logger != nil {
				v.logger.Debug("vector hit without durable message", slog.String("message_id", h.ID))
			}
			continue
		}
		if !req.Since.IsZero() && msg.Timestamp.Before(req.Since) {
			continue
		}
		if variants != nil && !alias.MatchesAny(msg.Project, variants) {
			continue
		}

		c := FromMessage(msg, TagVector)
		c.Metadata.Score = clamp01(h.Score)
		c.Metadata.HasScore = true
		results = append(results, c)
	}

	return results, nil
}
