package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/evna/pkg/alias"
	"github.com/dan-solli/evna/pkg/annotation"
)

// failingDurable simulates an unreachable durable tier.
type failingDurable struct{}

var errUnreachable = errors.New("durable tier unreachable")

func (failingDurable) GetOrCreateConversation(ctx context.Context, externalID, title string, markers []string) (*Conversation, error) {
	return nil, errUnreachable
}
func (failingDurable) AppendMessage(ctx context.Context, msg *DurableMessage) error {
	return errUnreachable
}
func (failingDurable) ListMessages(ctx context.Context, opts ListMessagesOptions) ([]DurableMessage, error) {
	return nil, errUnreachable
}
func (failingDurable) GetMessages(ctx context.Context, ids []string) (map[string]DurableMessage, error) {
	return nil, errUnreachable
}
func (failingDurable) CountMessages(ctx context.Context) (int64, error) { return 0, errUnreachable }
func (failingDurable) Close() error                                     { return nil }

type failingHot struct{ HotStore }

func (failingHot) Put(ctx context.Context, entry CapturedEntry) error {
	return errors.New("disk full")
}

func testResolver(t *testing.T) *alias.Resolver {
	t.Helper()
	r, err := alias.NewResolver([]alias.Entry{
		{Canonical: "float/evna", Aliases: []string{"evna", "float-evna"}},
		{Canonical: "rangle/pharmacy", Aliases: []string{"pharmacy"}},
	})
	require.NoError(t, err)
	return r
}

func captured(id, conv, client, project string, ts time.Time) CapturedEntry {
	md := annotation.EmptyMetadata()
	md.Project = project
	return CapturedEntry{
		Message: RawMessage{
			ID:             id,
			ConversationID: conv,
			Role:           "user",
			Text:           "project::" + project + " working on " + id,
			Timestamp:      ts,
		},
		Metadata:   md,
		ClientType: client,
	}
}

func TestContextStore_CaptureSurvivesDurableFailure(t *testing.T) {
	ctx := context.Background()
	cs := NewContextStore(NewMemoryHotStore(10, time.Hour), failingDurable{}, testResolver(t))

	result, err := cs.Capture(ctx, captured("m1", "c1", ClientDesktop, "float/evna", time.Now()))
	require.NoError(t, err)
	assert.ErrorIs(t, result.MirrorErr, errUnreachable)
	assert.False(t, result.Mirrored())

	entries, err := cs.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Message.ID)
	assert.False(t, entries[0].Linked())
}

func TestContextStore_CaptureHotFailureIsFatal(t *testing.T) {
	cs := NewContextStore(failingHot{NewMemoryHotStore(10, time.Hour)}, failingDurable{}, testResolver(t))

	result, err := cs.Capture(context.Background(), captured("m1", "c1", ClientDesktop, "", time.Now()))
	assert.Error(t, err)
	assert.Nil(t, result)
}

func TestContextStore_CaptureMirrorsAndLinks(t *testing.T) {
	ctx := context.Background()
	durable := setupTestDB(t)
	cs := NewContextStore(NewMemoryHotStore(10, time.Hour), durable, testResolver(t))

	entry := captured("m1", "ext-1", ClientCode, "float/evna", time.Now())
	entry.Message.Text = "ctx::2025-10-21 [mode::build] meeting::standup project::float/evna"
	entry.Metadata.Ctx.Mode = "build"
	entry.Metadata.Patterns = []string{"meeting:standup"}

	result, err := cs.Capture(ctx, entry)
	require.NoError(t, err)
	require.NoError(t, result.MirrorErr)
	assert.True(t, result.Mirrored())

	entries, err := cs.Query(ctx, QueryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, result.DurableMessageID, entries[0].DurableMessageID)

	msgs, err := durable.ListMessages(ctx, ListMessagesOptions{ExternalConversationID: "ext-1"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "standup", msgs[0].Meeting)
	assert.Equal(t, "float/evna", msgs[0].Project)
	assert.Contains(t, msgs[0].Markers, "meeting::standup")

	conv, err := durable.GetOrCreateConversation(ctx, "ext-1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"mode::build"}, conv.Markers)
}

func TestContextStore_CaptureSameIDKeepsFirstLink(t *testing.T) {
	ctx := context.Background()
	durable := setupTestDB(t)
	hot := NewMemoryHotStore(10, time.Hour)
	cs := NewContextStore(hot, durable, testResolver(t))

	first, err := cs.Capture(ctx, captured("m1", "ext-1", ClientCode, "float/evna", time.Now()))
	require.NoError(t, err)
	require.True(t, first.Mirrored())
	assert.False(t, first.Duplicate)

	again := captured("m1", "ext-1", ClientCode, "float/evna", time.Now())
	again.Message.Text = "edited text"
	second, err := cs.Capture(ctx, again)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DurableMessageID, second.DurableMessageID)

	stored, err := hot.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, first.DurableMessageID, stored.DurableMessageID)
	assert.NotEqual(t, "edited text", stored.Message.Text)

	msgs, err := durable.ListMessages(ctx, ListMessagesOptions{ExternalConversationID: "ext-1"})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestContextStore_CaptureWithoutDurable(t *testing.T) {
	cs := NewContextStore(NewMemoryHotStore(10, time.Hour), nil, testResolver(t))
	result, err := cs.Capture(context.Background(), captured("m1", "c1", ClientDesktop, "", time.Now()))
	require.NoError(t, err)
	assert.NoError(t, result.MirrorErr)
	assert.Empty(t, result.DurableMessageID)
}

func TestContextStore_QueryOrderingAndLimit(t *testing.T) {
	ctx := context.Background()
	cs := NewContextStore(NewMemoryHotStore(100, time.Hour), nil, testResolver(t))
	base := time.Date(2025, 10, 21, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := cs.Capture(ctx, captured(fmt.Sprintf("m%d", i), "c1", ClientDesktop, "", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	entries, err := cs.Query(ctx, QueryFilter{Limit: 3})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "m4", entries[0].Message.ID)
	assert.Equal(t, "m3", entries[1].Message.ID)
	assert.Equal(t, "m2", entries[2].Message.ID)

	since, err := cs.Query(ctx, QueryFilter{Since: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func TestContextStore_QueryProjectFuzzyMatch(t *testing.T) {
	ctx := context.Background()
	cs := NewContextStore(NewMemoryHotStore(100, time.Hour), nil, testResolver(t))
	now := time.Now()

	for _, e := range []CapturedEntry{
		captured("a", "c1", ClientDesktop, "float/evna", now),
		captured("b", "c1", ClientDesktop, "float-evna-v2", now.Add(time.Second)),
		captured("c", "c1", ClientDesktop, "rangle/pharmacy", now.Add(2*time.Second)),
		captured("d", "c1", ClientDesktop, "", now.Add(3*time.Second)),
	} {
		_, err := cs.Capture(ctx, e)
		require.NoError(t, err)
	}

	entries, err := cs.Query(ctx, QueryFilter{Project: "EVNA"})
	require.NoError(t, err)
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.Message.ID)
	}
	assert.Equal(t, []string{"b", "a"}, ids)

	unknown, err := cs.Query(ctx, QueryFilter{Project: "pharm"})
	require.NoError(t, err)
	require.Len(t, unknown, 1)
	assert.Equal(t, "c", unknown[0].Message.ID)
}

func TestContextStore_QueryNeverReturnsExcludedConversation(t *testing.T) {
	ctx := context.Background()
	cs := NewContextStore(NewMemoryHotStore(100, time.Hour), nil, testResolver(t))
	now := time.Now()

	for i := 0; i < 20; i++ {
		conv := fmt.Sprintf("c%d", i%3)
		_, err := cs.Capture(ctx, captured(fmt.Sprintf("m%d", i), conv, ClientDesktop, "", now.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	for _, excluded := range []string{"c0", "c1", "c2"} {
		entries, err := cs.Query(ctx, QueryFilter{Limit: 100, ExcludeConversationID: excluded})
		require.NoError(t, err)
		assert.NotEmpty(t, entries)
		for _, e := range entries {
			assert.NotEqual(t, excluded, e.Message.ConversationID)
		}
	}
}

func TestContextStore_GetClientAwareContext(t *testing.T) {
	ctx := context.Background()
	cs := NewContextStore(NewMemoryHotStore(100, time.Hour), nil, testResolver(t))
	now := time.Now()

	for _, e := range []CapturedEntry{
		captured("d1", "desk-conv", ClientDesktop, "float/evna", now),
		captured("d2", "desk-other", ClientDesktop, "float/evna", now.Add(time.Second)),
		captured("k1", "code-conv", ClientCode, "float/evna", now.Add(2*time.Second)),
		captured("k2", "code-other", ClientCode, "float/evna", now.Add(3*time.Second)),
	} {
		_, err := cs.Capture(ctx, e)
		require.NoError(t, err)
	}

	first, err := cs.GetClientAwareContext(ctx, ClientSession{ClientType: ClientCode, ConversationID: "code-conv"}, true, "evna", 10)
	require.NoError(t, err)
	assert.Len(t, first, 4)

	later, err := cs.GetClientAwareContext(ctx, ClientSession{ClientType: ClientCode, ConversationID: "code-conv"}, false, "evna", 10)
	require.NoError(t, err)
	require.Len(t, later, 2)
	for _, e := range later {
		assert.Equal(t, ClientDesktop, e.ClientType)
	}

	fromDesktop, err := cs.GetClientAwareContext(ctx, ClientSession{ClientType: ClientDesktop, ConversationID: "desk-conv"}, false, "", 10)
	require.NoError(t, err)
	require.Len(t, fromDesktop, 2)
	for _, e := range fromDesktop {
		assert.Equal(t, ClientCode, e.ClientType)
	}
}
