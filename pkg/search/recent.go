package search

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dan-solli/evna/pkg/store"
)

// RecentAdapter lists the newest durable messages, unfiltered by project.
type RecentAdapter struct {
	durable store.DurableStore
}

var _ Adapter = (*RecentAdapter)(nil)

// NewRecentAdapter creates a recent-activity adapter.
func NewRecentAdapter(durable store.DurableStore) *RecentAdapter {
	return &RecentAdapter{durable: durable}
}

func (r *RecentAdapter) Name() string { return TagRecent }

// Search ignores the query and project; only Since and Limit apply.
func (r *RecentAdapter) Search(ctx context.Context, req Request) ([]Candidate, error) {
	ApplyDefaults(&req)

	messages, err := r.durable.ListMessages(ctx, store.ListMessagesOptions{
		Since: req.Since,
		Limit: req.Limit,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list recent messages")
	}

	results := make([]Candidate, 0, len(messages))
	for _, m := range messages {
		results = append(results, FromMessage(m, TagRecent))
	}
	return results, nil
}
