package store

import (
	"context"
	"time"
)

// ListMessagesOptions filters durable message reads.
type ListMessagesOptions struct {
	// Since drops messages older than this time when non-zero.
	Since time.Time
	// ProjectVariants OR-matches the project column as substrings.
	ProjectVariants []string
	// ExternalConversationID restricts results to one conversation.
	ExternalConversationID string
	// Limit caps the number of rows (default 50).
	Limit int
}

// DurableStore is the permanent, indexed mirror of the hot tier.
type DurableStore interface {
	// GetOrCreateConversation returns the conversation for externalID,
	// creating it on first use. Repeated calls return the same row.
	GetOrCreateConversation(ctx context.Context, externalID, title string, markers []string) (*Conversation, error)

	// AppendMessage inserts msg at the next idx of its conversation and fills
	// msg.ID and msg.Idx.
	AppendMessage(ctx context.Context, msg *DurableMessage) error

	// ListMessages returns messages newest-first.
	ListMessages(ctx context.Context, opts ListMessagesOptions) ([]DurableMessage, error)

	// GetMessages returns the messages with the given IDs, keyed by ID.
	// Unknown IDs are absent from the map.
	GetMessages(ctx context.Context, ids []string) (map[string]DurableMessage, error)

	// CountMessages returns the total number of durable messages.
	CountMessages(ctx context.Context) (int64, error)

	// Close releases the underlying connection.
	Close() error
}
