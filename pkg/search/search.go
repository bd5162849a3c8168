// Package search holds evna's retrieval side: source adapters that turn
// storage reads into homogeneous candidates, deduplication, and the fusion
// ranker that orders candidates from every source into one list.
package search

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/dan-solli/evna/pkg/store"
)

// Source tags stamped on candidates.
const (
	TagContext = "context"
	TagVector  = "vector"
	TagRecent  = "recent"
)

// DefaultLimit applies when Request.Limit is not positive.
const DefaultLimit = 10

// Metadata describes where a candidate came from.
type Metadata struct {
	ID string `json:"id,omitempty"`
	// ConversationID is the external conversation id, shared by both tiers.
	ConversationID string    `json:"conversation_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Project        string    `json:"project,omitempty"`
	// Score is the source's native similarity in [0,1]; meaningful only
	// when HasScore is set.
	Score    float64 `json:"score"`
	HasScore bool    `json:"has_score"`
}

// Candidate is one retrieved text, valid for a single query.
type Candidate struct {
	Text      string   `json:"text"`
	SourceTag string   `json:"source"`
	Metadata  Metadata `json:"metadata"`
}

// Request is what every adapter receives.
type Request struct {
	Query   string
	Project string
	// Since drops anything older when non-zero.
	Since time.Time
	Limit int
	// Threshold is the minimum similarity for scored adapters.
	Threshold float64
}

// ApplyDefaults sets default values for unspecified request fields.
func ApplyDefaults(req *Request) {
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
}

// Adapter is a retrieval source. Adapters return typed candidates; callers
// treat an error as "source absent".
type Adapter interface {
	Name() string
	Search(ctx context.Context, req Request) ([]Candidate, error)
}

// AdapterFunc turns a function into a named Adapter, typically for
// auxiliary read-only feeds.
type AdapterFunc struct {
	Tag string
	Fn  func(ctx context.Context, req Request) ([]Candidate, error)
}

var _ Adapter = AdapterFunc{}

func (f AdapterFunc) Name() string { return f.Tag }

func (f AdapterFunc) Search(ctx context.Context, req Request) ([]Candidate, error) {
	return f.Fn(ctx, req)
}

// Sanitize is the boundary between adapters and the ranker: it stamps the
// source tag, drops blank texts, and clamps scores into [0,1].
func Sanitize(tag string, in []Candidate) []Candidate {
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		c.SourceTag = tag
		if c.Metadata.HasScore {
			c.Metadata.Score = clamp01(c.Metadata.Score)
		} else {
			c.Metadata.Score = 0
		}
		out = append(out, c)
	}
	return out
}

// FromEntry converts a hot-tier entry.
func FromEntry(e store.CapturedEntry) Candidate {
	return Candidate{
		Text:      e.Message.Text,
		SourceTag: TagContext,
		Metadata: Metadata{
			ID:             e.Message.ID,
			ConversationID: e.Message.ConversationID,
			Timestamp:      e.Message.Timestamp,
			Project:        e.Metadata.Project,
		},
	}
}

// FromMessage converts a durable message.
func FromMessage(m store.DurableMessage, tag string) Candidate {
	return Candidate{
		Text:      m.Content,
		SourceTag: tag,
		Metadata: Metadata{
			ID:             m.ID,
			ConversationID: m.ExternalConversationID,
			Timestamp:      m.Timestamp,
			Project:        m.Project,
		},
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
