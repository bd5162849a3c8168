package evna

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dan-solli/evna/pkg/store"
)

// Warm reloads durable messages newer than the hot-tier TTL into an empty hot
// tier, so a freshly started process answers Query like a long-lived one.
// Client type is not kept durably; warmed entries are marked desktop.
// It returns the number of entries loaded.
func (e *Engine) Warm(ctx context.Context) (int, error) {
	if e.durable == nil {
		return 0, nil
	}
	if e.hot.Len() > 0 {
		return 0, nil
	}

	msgs, err := e.durable.ListMessages(ctx, store.ListMessagesOptions{
		Since: e.cfg.Now().Add(-e.cfg.HotTTL),
		Limit: e.cfg.HotCapacity,
	})
	if err != nil {
		return 0, goerr.Wrap(err, "failed to list durable messages")
	}

	loaded := 0
	for _, m := range msgs {
		entry := store.CapturedEntry{
			Message: store.RawMessage{
				ID:             m.ID,
				ConversationID: m.ExternalConversationID,
				Role:           m.Role,
				Text:           m.Content,
				Timestamp:      m.Timestamp,
				ClientType:     store.ClientDesktop,
			},
			Metadata:         e.parser.ExtractMetadata(m.Content),
			ClientType:       store.ClientDesktop,
			DurableMessageID: m.ID,
		}
		if err := e.hot.Put(ctx, entry); err != nil {
			return loaded, goerr.Wrap(err, "failed to warm hot tier", goerr.V("durable_message_id", m.ID))
		}
		loaded++
	}
	e.log().Debug("hot tier warmed", slog.Int("entries", loaded))
	return loaded, nil
}
