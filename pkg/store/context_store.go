package store

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dan-solli/evna/pkg/alias"
	"github.com/dan-solli/evna/pkg/annotation"
	"github.com/dan-solli/evna/pkg/metrics"
	"github.com/dan-solli/evna/pkg/trace"
)

// DefaultQueryLimit applies when QueryFilter.Limit is not positive.
const DefaultQueryLimit = 10

// QueryFilter selects hot-tier entries.
type QueryFilter struct {
	Limit int
	// Project is expanded through the alias table and substring-matched.
	Project    string
	Since      time.Time
	ClientType string
	// ExcludeConversationID drops entries of this conversation.
	ExcludeConversationID string
}

// CaptureResult reports what happened beyond the hot-tier write.
// MirrorErr is informational: the capture itself succeeded.
type CaptureResult struct {
	EntryID          string
	DurableMessageID string
	MirrorErr        error
	// Duplicate is set when the entry ID was already in the hot tier; nothing
	// was written and DurableMessageID is the existing link.
	Duplicate bool
}

// Mirrored reports whether the durable mirror succeeded and was linked.
func (r CaptureResult) Mirrored() bool {
	return r.DurableMessageID != "" && r.MirrorErr == nil
}

// ContextStore writes captures to the hot tier and mirrors them, best-effort,
// into the durable tier.
type ContextStore struct {
	hot     HotStore
	durable DurableStore
	aliases *alias.Resolver
	metrics metrics.Collector
	logger  *slog.Logger
}

// NewContextStore creates a context store. durable may be nil, in which case
// captures live only in the hot tier.
func NewContextStore(hot HotStore, durable DurableStore, aliases *alias.Resolver) *ContextStore {
	return &ContextStore{
		hot:     hot,
		durable: durable,
		aliases: aliases,
		metrics: metrics.NewNoopCollector(),
	}
}

// SetLogger sets the logger. nil disables logging.
func (s *ContextStore) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetMetrics sets the metrics collector. nil restores the no-op collector.
func (s *ContextStore) SetMetrics(c metrics.Collector) {
	if c == nil {
		c = metrics.NewNoopCollector()
	}
	s.metrics = c
}

func (s *ContextStore) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Durable returns the durable tier, or nil.
func (s *ContextStore) Durable() DurableStore {
	return s.durable
}

// Capture writes entry to the hot tier and then attempts the durable mirror.
// Only a hot-tier failure is returned as an error; mirror failures are logged
// and reported in CaptureResult.MirrorErr. Capturing an ID that is already in
// the hot tier returns the existing entry's result without writing.
func (s *ContextStore) Capture(ctx context.Context, entry CapturedEntry) (*CaptureResult, error) {
	if entry.ClientType == "" {
		entry.ClientType = entry.Message.ClientType
	}
	entry.DurableMessageID = ""

	if existing, err := s.hot.Get(ctx, entry.Message.ID); err == nil {
		s.log().Debug("entry already captured",
			slog.String("entry_id", entry.Message.ID),
			slog.String("durable_message_id", existing.DurableMessageID))
		return &CaptureResult{
			EntryID:          existing.Message.ID,
			DurableMessageID: existing.DurableMessageID,
			Duplicate:        true,
		}, nil
	}

	tr := trace.FromContext(ctx)
	hotSpan := tr.Start(trace.StageHotWrite)
	err := s.hot.Put(ctx, entry)
	hotSpan.Finish(err, nil)
	if err != nil {
		s.metrics.RecordError(ctx, "capture", "hot_write")
		return nil, goerr.Wrap(err, "hot tier write failed",
			goerr.V("entry_id", entry.Message.ID),
			goerr.V("conversation_id", entry.Message.ConversationID))
	}
	s.metrics.SetStorageCount(ctx, "hot_entries", int64(s.hot.Len()))

	result := &CaptureResult{EntryID: entry.Message.ID}
	if s.durable == nil {
		return result, nil
	}

	mirrorSpan := tr.Start(trace.StageDurableMirror)
	durableID, err := s.mirror(ctx, entry)
	mirrorSpan.Finish(err, nil)
	if err != nil {
		s.metrics.RecordError(ctx, "capture", "durable_mirror")
		s.log().Warn("durable mirror failed, capture kept in hot tier",
			slog.String("entry_id", entry.Message.ID),
			slog.String("conversation_id", entry.Message.ConversationID),
			slog.Any("error", err))
		result.MirrorErr = err
		return result, nil
	}

	result.DurableMessageID = durableID
	return result, nil
}

func (s *ContextStore) mirror(ctx context.Context, entry CapturedEntry) (string, error) {
	var convMarkers []string
	if entry.Metadata.Ctx.Mode != "" {
		convMarkers = []string{"mode::" + entry.Metadata.Ctx.Mode}
	}

	conv, err := s.durable.GetOrCreateConversation(ctx, entry.Message.ConversationID,
		conversationTitle(entry.Message.Text), convMarkers)
	if err != nil {
		return "", err
	}

	msg := &DurableMessage{
		ConversationID: conv.ID,
		Role:           entry.Message.Role,
		Timestamp:      entry.Message.Timestamp,
		Content:        entry.Message.Text,
		Project:        entry.Metadata.Project,
		Markers:        markersFor(entry.Message.Text),
	}
	if meetings := entry.Metadata.PatternValues("meeting"); len(meetings) > 0 {
		msg.Meeting = meetings[0]
	}
	if err := s.durable.AppendMessage(ctx, msg); err != nil {
		return "", err
	}

	linked, err := s.hot.Link(ctx, entry.Message.ID, msg.ID)
	if err != nil {
		return "", goerr.Wrap(err, "durable message written but hot entry not linked",
			goerr.V("durable_message_id", msg.ID))
	}
	if !linked {
		s.log().Debug("hot entry already linked", slog.String("entry_id", entry.Message.ID))
	}
	return msg.ID, nil
}

// Query reads the hot tier newest-first. Project filtering OR-matches every
// alias variant as a substring; ExcludeConversationID is applied after the
// fetch; Limit is applied last.
func (s *ContextStore) Query(ctx context.Context, filter QueryFilter) ([]CapturedEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultQueryLimit
	}

	entries, err := s.hot.List(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list hot tier")
	}

	var variants []string
	if p := strings.TrimSpace(filter.Project); p != "" {
		variants = s.aliases.Expand(p)
	}

	out := make([]CapturedEntry, 0, len(entries))
	for _, e := range entries {
		if !filter.Since.IsZero() && e.Message.Timestamp.Before(filter.Since) {
			continue
		}
		if filter.ClientType != "" && e.ClientType != filter.ClientType {
			continue
		}
		if variants != nil && !alias.MatchesAny(e.Metadata.Project, variants) {
			continue
		}
		out = append(out, e)
	}

	if filter.ExcludeConversationID != "" {
		kept := out[:0]
		for _, e := range out {
			if e.Message.ConversationID != filter.ExcludeConversationID {
				kept = append(kept, e)
			}
		}
		out = kept
	}

	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].Message.Timestamp, out[j].Message.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].Message.ID > out[j].Message.ID
	})

	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ClientSession identifies the caller of GetClientAwareContext.
type ClientSession struct {
	ClientType     string
	ConversationID string
}

// GetClientAwareContext picks context for a client. The first message of a
// session sees every client's captures; later messages see only the other
// client's captures, excluding the current conversation.
func (s *ContextStore) GetClientAwareContext(ctx context.Context, session ClientSession, isFirstMessage bool, project string, limit int) ([]CapturedEntry, error) {
	if isFirstMessage {
		return s.Query(ctx, QueryFilter{Limit: limit, Project: project})
	}
	return s.Query(ctx, QueryFilter{
		Limit:                 limit,
		Project:               project,
		ClientType:            OtherClient(session.ClientType),
		ExcludeConversationID: session.ConversationID,
	})
}

// conversationTitle is the first line of the opening message, shortened.
func conversationTitle(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return SmartTruncate(line, 80)
}

func markersFor(text string) []string {
	anns := annotation.Parse(text)
	out := make([]string, 0, len(anns))
	for _, a := range anns {
		out = append(out, a.String())
	}
	return out
}
