package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hotEntry(id, conv string, ts time.Time) CapturedEntry {
	return CapturedEntry{
		Message: RawMessage{
			ID:             id,
			ConversationID: conv,
			Role:           "user",
			Text:           "note " + id,
			Timestamp:      ts,
		},
		ClientType: ClientDesktop,
	}
}

func TestMemoryHotStore_PutList(t *testing.T) {
	ctx := context.Background()
	hot := NewMemoryHotStore(0, 0)
	now := time.Now()

	require.NoError(t, hot.Put(ctx, hotEntry("a", "c1", now)))
	require.NoError(t, hot.Put(ctx, hotEntry("b", "c1", now)))

	entries, err := hot.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, 2, hot.Len())
}

func TestMemoryHotStore_RejectsMissingID(t *testing.T) {
	hot := NewMemoryHotStore(10, time.Hour)
	err := hot.Put(context.Background(), hotEntry("", "c1", time.Now()))
	assert.Error(t, err)
}

func TestMemoryHotStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	hot := NewMemoryHotStore(10, time.Hour)
	require.NoError(t, hot.Put(ctx, hotEntry("a", "c1", time.Now())))

	entries, err := hot.List(ctx)
	require.NoError(t, err)
	entries[0].DurableMessageID = "tampered"

	again, err := hot.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, again[0].DurableMessageID)
}

func TestMemoryHotStore_LinkOnce(t *testing.T) {
	ctx := context.Background()
	hot := NewMemoryHotStore(10, time.Hour)
	require.NoError(t, hot.Put(ctx, hotEntry("a", "c1", time.Now())))

	linked, err := hot.Link(ctx, "a", "dm-1")
	require.NoError(t, err)
	assert.True(t, linked)

	linked, err = hot.Link(ctx, "a", "dm-2")
	require.NoError(t, err)
	assert.False(t, linked, "linkage must never be reassigned")

	entries, err := hot.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dm-1", entries[0].DurableMessageID)
}

func TestMemoryHotStore_LinkMissing(t *testing.T) {
	hot := NewMemoryHotStore(10, time.Hour)
	_, err := hot.Link(context.Background(), "nope", "dm-1")
	assert.True(t, errors.Is(err, ErrEntryNotFound))
}

func TestMemoryHotStore_Expiry(t *testing.T) {
	ctx := context.Background()
	hot := NewMemoryHotStore(10, 20*time.Millisecond)
	require.NoError(t, hot.Put(ctx, hotEntry("a", "c1", time.Now())))

	assert.Eventually(t, func() bool {
		entries, err := hot.List(ctx)
		return err == nil && len(entries) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryHotStore_CapacityEviction(t *testing.T) {
	ctx := context.Background()
	hot := NewMemoryHotStore(2, time.Hour)
	now := time.Now()
	require.NoError(t, hot.Put(ctx, hotEntry("a", "c1", now)))
	require.NoError(t, hot.Put(ctx, hotEntry("b", "c1", now)))
	require.NoError(t, hot.Put(ctx, hotEntry("c", "c1", now)))

	assert.Equal(t, 2, hot.Len())
}

func TestMemoryHotStore_GetInvalidate(t *testing.T) {
	ctx := context.Background()
	hot := NewMemoryHotStore(0, 0)
	require.NoError(t, hot.Put(ctx, hotEntry("a", "c1", time.Now())))

	got, err := hot.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.Message.ConversationID)

	hot.Invalidate(ctx, "a")
	hot.Invalidate(ctx, "missing")

	_, err = hot.Get(ctx, "a")
	assert.True(t, errors.Is(err, ErrEntryNotFound))
	assert.Equal(t, 0, hot.Len())
}
