package evna

import (
	"context"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dan-solli/evna/pkg/budget"
	"github.com/dan-solli/evna/pkg/search"
	"github.com/dan-solli/evna/pkg/store"
	"github.com/dan-solli/evna/pkg/trace"
)

// BootRequest asks for the context of a new session. Zero fields take the
// engine defaults.
type BootRequest struct {
	Query        string `json:"query"`
	Project      string `json:"project,omitempty"`
	LookbackDays int    `json:"lookback_days,omitempty"`
	MaxResults   int    `json:"max_results,omitempty"`
}

// BootResult is the synthesized context. A result with no context is not an
// error: Narrative then explains what was searched and Termination is set.
type BootResult struct {
	Narrative     string                `json:"narrative"`
	RankedContext []search.RankedResult `json:"ranked_context"`
	// RecentActivity is the unfused recent listing. It is empty when a
	// reranker fused recent messages into RankedContext.
	RecentActivity []search.Candidate             `json:"recent_activity"`
	Auxiliary      map[string][]search.Candidate `json:"auxiliary,omitempty"`
	Attempts       []budget.Attempt              `json:"attempts"`
	Termination    *budget.Decision              `json:"termination,omitempty"`
}

// sourceResult is one adapter's outcome within a round. A failed adapter
// has err set and no candidates.
type sourceResult struct {
	name       string
	candidates []search.Candidate
	err        error
}

// Boot gathers context from every source concurrently, deduplicates and
// fuses it, and renders the narrative. Failing sources are logged and
// treated as absent. An empty round is retried with the project dropped and
// the lookback doubled until the budget controller stops the session or
// the retries run out.
func (e *Engine) Boot(ctx context.Context, req BootRequest) (result *BootResult, err error) {
	start := time.Now()
	tr := trace.NewOperationTrace()
	ctx = trace.WithTrace(ctx, tr)
	operationID := ulid.Make().String()

	if req.LookbackDays <= 0 {
		req.LookbackDays = e.cfg.LookbackDays
	}
	if req.MaxResults <= 0 {
		req.MaxResults = e.cfg.MaxResults
	}

	defer func() {
		tr.Finish()
		ids := map[string]any{"lookback_days": req.LookbackDays}
		if result != nil {
			ids["ranked"] = len(result.RankedContext)
			ids["recent"] = len(result.RecentActivity)
			if result.Termination != nil {
				ids["termination"] = string(result.Termination.Reason)
			}
		}
		e.finishOperation(ctx, operationID, "boot", start, tr, err, ids)
	}()

	now := e.cfg.Now()
	controller := budget.NewController(e.cfg.Budget)
	round := req

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sources := e.fanOut(ctx, round, now)
		e.recordAttempts(controller, round.Query, sources, now)

		if countCandidates(sources) > 0 {
			return e.assemble(ctx, round, now, sources, controller), nil
		}

		decision := controller.ShouldTerminate()
		if decision.Stop {
			e.metrics.RecordBudgetTermination(ctx, string(decision.Reason))
			return e.negative(round, now, controller, decision), nil
		}
		if attempt >= max(e.cfg.MaxRetries, 0) {
			return e.negative(round, now, controller, decision), nil
		}

		e.log().Debug("boot round empty, widening search",
			slog.Int("round", attempt+1),
			slog.String("project", round.Project),
			slog.Int("lookback_days", round.LookbackDays))
		round.Project = ""
		round.LookbackDays *= 2
	}
}

// fanOut queries every configured source concurrently. Results come back in
// a fixed order: context, vector, recent, then auxiliary adapters.
func (e *Engine) fanOut(ctx context.Context, req BootRequest, now time.Time) []sourceResult {
	sreq := search.Request{
		Query:     req.Query,
		Project:   req.Project,
		Since:     now.AddDate(0, 0, -req.LookbackDays),
		Limit:     req.MaxResults,
		Threshold: e.cfg.VectorThreshold,
	}

	type job struct {
		adapter search.Adapter
		stage   string
	}
	jobs := []job{{adapter: search.AdapterFunc{Tag: search.TagContext, Fn: e.searchContext}, stage: trace.StageSearchContext}}
	if e.vector != nil {
		jobs = append(jobs, job{adapter: e.vector, stage: trace.StageSearchVector})
	}
	if e.recent != nil {
		jobs = append(jobs, job{adapter: e.recent, stage: trace.StageSearchRecent})
	}
	for _, a := range e.auxiliary {
		jobs = append(jobs, job{adapter: a, stage: "search-" + a.Name()})
	}

	tr := trace.FromContext(ctx)
	results := make([]sourceResult, len(jobs))

	var g errgroup.Group
	for i, j := range jobs {
		g.Go(func() error {
			span := tr.Start(j.stage)
			candidates, err := searchIsolated(ctx, j.adapter, sreq)
			if err != nil {
				span.Finish(err, nil)
				e.metrics.RecordError(ctx, "boot", ClassifyError(err))
				e.log().Warn("search adapter failed, treating as absent",
					slog.String("adapter", j.adapter.Name()),
					slog.Any("error", err))
				results[i] = sourceResult{name: j.adapter.Name(), err: err}
				return nil
			}
			candidates = search.Sanitize(j.adapter.Name(), candidates)
			span.Finish(nil, map[string]int64{"results": int64(len(candidates))})
			e.metrics.RecordAdapterResults(ctx, j.adapter.Name(), len(candidates))
			results[i] = sourceResult{name: j.adapter.Name(), candidates: candidates}
			return nil
		})
	}
	// Adapters never return errors to the group; failures stay in results.
	_ = g.Wait()

	return results
}

// searchIsolated turns an adapter panic into an error so one broken source
// cannot take down the boot.
func searchIsolated(ctx context.Context, a search.Adapter, req search.Request) (candidates []search.Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			candidates = nil
			err = goerr.New("search adapter panicked", goerr.V("adapter", a.Name()), goerr.V("panic", r))
		}
	}()
	return a.Search(ctx, req)
}

// searchContext reads the hot tier. The project is a soft preference: when
// it matches fewer than Limit entries the rest is backfilled unfiltered.
func (e *Engine) searchContext(ctx context.Context, req search.Request) ([]search.Candidate, error) {
	filter := store.QueryFilter{Limit: req.Limit, Project: req.Project, Since: req.Since}
	entries, err := e.contexts.Query(ctx, filter)
	if err != nil {
		return nil, err
	}

	if req.Project != "" && len(entries) < req.Limit {
		filter.Project = ""
		backfill, err := e.contexts.Query(ctx, filter)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(entries))
		for _, en := range entries {
			seen[en.Message.ID] = true
		}
		for _, en := range backfill {
			if len(entries) >= req.Limit {
				break
			}
			if !seen[en.Message.ID] {
				entries = append(entries, en)
			}
		}
	}

	out := make([]search.Candidate, 0, len(entries))
	for _, en := range entries {
		out = append(out, search.FromEntry(en))
	}
	return out, nil
}

// recordAttempts adds one budget attempt per source, in fan-out order.
func (e *Engine) recordAttempts(c *budget.Controller, query string, sources []sourceResult, now time.Time) {
	cfg := c.Config()
	for _, s := range sources {
		texts := []string{query}
		var scores []float64
		for _, cand := range s.candidates {
			texts = append(texts, cand.Text)
			if cand.Metadata.HasScore {
				scores = append(scores, cand.Metadata.Score)
			}
		}
		c.Record(budget.Attempt{
			Adapter:      s.name,
			ResultsFound: len(s.candidates),
			Quality:      cfg.ScoreResultQuality(len(s.candidates), scores),
			TokenCost:    budget.EstimateTokens(texts...),
			Timestamp:    now,
		})
	}
}

func countCandidates(sources []sourceResult) int {
	n := 0
	for _, s := range sources {
		n += len(s.candidates)
	}
	return n
}

// assemble deduplicates, fuses and renders a non-empty round.
func (e *Engine) assemble(ctx context.Context, req BootRequest, now time.Time, sources []sourceResult, c *budget.Controller) *BootResult {
	tr := trace.FromContext(ctx)
	byName := make(map[string][]search.Candidate, len(sources))
	for _, s := range sources {
		byName[s.name] = s.candidates
	}

	span := tr.Start(trace.StageDedup)
	contextCands := byName[search.TagContext]
	vectorCands := byName[search.TagVector]
	recentCands := byName[search.TagRecent]
	before := len(contextCands)
	contextCands = search.Deduplicate(contextCands, vectorCands)

	fused := map[string][]search.Candidate{
		search.TagContext: contextCands,
		search.TagVector:  vectorCands,
	}
	auxiliary := make(map[string][]search.Candidate)
	for _, a := range e.auxiliary {
		if cands := byName[a.Name()]; len(cands) > 0 {
			fused[a.Name()] = cands
			auxiliary[a.Name()] = cands
		}
	}

	var recent []search.Candidate
	if e.ranker.HasReranker() {
		fused[search.TagRecent] = search.Deduplicate(recentCands, contextCands, vectorCands)
	} else {
		recent = recentCands
	}
	span.Finish(nil, map[string]int64{"removed": int64(before - len(contextCands))})

	span = tr.Start(trace.StageFuse)
	ranked := e.ranker.Fuse(ctx, req.Query, fused, req.MaxResults)
	span.Finish(nil, map[string]int64{"results": int64(len(ranked))})

	if recent == nil {
		recent = []search.Candidate{}
	}
	if len(recent) > req.MaxResults {
		recent = recent[:req.MaxResults]
	}

	span = tr.Start(trace.StageRender)
	narrative := RenderNarrative(NarrativeInput{
		Date:              now,
		Query:             req.Query,
		Project:           e.aliases.Normalize(req.Project),
		LookbackDays:      req.LookbackDays,
		Auxiliary:         auxiliary,
		Ranked:            ranked,
		Recent:            recent,
		TruncateLength:    e.cfg.TruncateLength,
		AuxTruncateLength: e.cfg.AuxTruncateLength,
	})
	span.Finish(nil, nil)

	result := &BootResult{
		Narrative:      narrative,
		RankedContext:  ranked,
		RecentActivity: recent,
		Attempts:       c.Attempts(),
	}
	if len(auxiliary) > 0 {
		result.Auxiliary = auxiliary
	}
	return result
}

// negative builds the "nothing found" result.
func (e *Engine) negative(req BootRequest, now time.Time, c *budget.Controller, decision budget.Decision) *BootResult {
	header := RenderNarrative(NarrativeInput{
		Date:         now,
		Query:        req.Query,
		Project:      e.aliases.Normalize(req.Project),
		LookbackDays: req.LookbackDays,
	})
	return &BootResult{
		Narrative:      header + "\n" + c.NegativeNarrative(req.Query, decision),
		RankedContext:  []search.RankedResult{},
		RecentActivity: []search.Candidate{},
		Attempts:       c.Attempts(),
		Termination:    &decision,
	}
}
