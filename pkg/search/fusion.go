package search

import (
	"context"
	"log/slog"
	"sort"
)

// Reranker scores documents against a query with a cross-encoder. Scores are
// index-aligned with documents and lie in [0,1].
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]float64, error)
}

// RankedResult is a fused candidate with its final score.
type RankedResult struct {
	Candidate
	Score float64 `json:"score"`
	// Reranked is set when Score came from the reranker rather than the
	// source's native similarity.
	Reranked bool `json:"reranked"`
}

// Ranker merges tagged candidate lists into one relevance-ordered list.
type Ranker struct {
	reranker Reranker
	logger   *slog.Logger
}

// NewRanker creates a ranker. reranker may be nil, in which case native
// scores are used.
func NewRanker(reranker Reranker) *Ranker {
	return &Ranker{reranker: reranker}
}

// SetLogger sets the logger. nil disables logging.
func (r *Ranker) SetLogger(logger *slog.Logger) {
	r.logger = logger
}

// HasReranker reports whether a cross-encoder is configured.
func (r *Ranker) HasReranker() bool {
	return r != nil && r.reranker != nil
}

// Fuse flattens sourcesByTag, stamping each candidate with its tag, scores
// them with the reranker when configured, and returns them sorted by score
// descending and cut to topN (topN <= 0 keeps everything). Input is assumed
// deduplicated.
//
// Without a reranker, or when it fails, each candidate keeps its native
// score. Native scores from different sources are not normalized against
// each other.
func (r *Ranker) Fuse(ctx context.Context, query string, sourcesByTag map[string][]Candidate, topN int) []RankedResult {
	tags := make([]string, 0, len(sourcesByTag))
	for tag := range sourcesByTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var flat []Candidate
	for _, tag := range tags {
		flat = append(flat, Sanitize(tag, sourcesByTag[tag])...)
	}
	if len(flat) == 0 {
		return []RankedResult{}
	}

	results := make([]RankedResult, len(flat))
	for i, c := range flat {
		results[i] = RankedResult{Candidate: c, Score: c.Metadata.Score}
	}

	if scores, ok := r.rerank(ctx, query, flat, topN); ok {
		for i := range results {
			results[i].Score = clamp01(scores[i])
			results[i].Reranked = true
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if topN > 0 && len(results) > topN {
		results = results[:topN]
	}
	return results
}

func (r *Ranker) rerank(ctx context.Context, query string, flat []Candidate, topN int) ([]float64, bool) {
	if !r.HasReranker() {
		return nil, false
	}

	docs := make([]string, len(flat))
	for i, c := range flat {
		docs[i] = c.Text
	}

	scores, err := r.reranker.Rerank(ctx, query, docs, topN)
	if err != nil {
		r.warn("reranker failed, using native scores", slog.Any("error", err))
		return nil, false
	}
	if len(scores) != len(docs) {
		r.warn("reranker returned misaligned scores, using native scores",
			slog.Int("documents", len(docs)), slog.Int("scores", len(scores)))
		return nil, false
	}
	return scores, true
}

func (r *Ranker) warn(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}
