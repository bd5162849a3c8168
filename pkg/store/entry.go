// Package store implements evna's two-tier persistence: a short-TTL hot tier
// holding recent captures and a durable SQLite tier mirroring them.
package store

import (
	"time"

	"github.com/dan-solli/evna/pkg/annotation"
)

// Client types. Exactly two exist; OtherClient maps one to the other.
const (
	ClientDesktop = "desktop"
	ClientCode    = "code"
)

// OtherClient returns the client type that is not ct.
func OtherClient(ct string) string {
	if ct == ClientDesktop {
		return ClientCode
	}
	return ClientDesktop
}

// RawMessage is a captured message as received. Immutable after capture.
type RawMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	ClientType     string    `json:"client_type,omitempty"`
}

// CapturedEntry is the hot-tier unit: a message, its derived metadata and the
// optional link to its durable mirror.
type CapturedEntry struct {
	Message    RawMessage          `json:"message"`
	Metadata   annotation.Metadata `json:"metadata"`
	ClientType string              `json:"client_type"`
	// DurableMessageID links the entry to its DurableMessage. It moves from
	// unset to set at most once.
	DurableMessageID string `json:"durable_message_id,omitempty"`
}

// Linked reports whether the entry has been mirrored to the durable tier.
func (e CapturedEntry) Linked() bool {
	return e.DurableMessageID != ""
}

// Conversation is the durable record of one external conversation.
type Conversation struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Markers    []string  `json:"markers"`
}

// DurableMessage is an append-only message row. Idx increases strictly within
// a conversation.
type DurableMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Idx            int       `json:"idx"`
	Role           string    `json:"role"`
	Timestamp      time.Time `json:"timestamp"`
	Content        string    `json:"content"`
	Project        string    `json:"project,omitempty"`
	Meeting        string    `json:"meeting,omitempty"`
	Markers        []string  `json:"markers"`

	// ExternalConversationID is filled on reads from the owning conversation.
	ExternalConversationID string `json:"external_conversation_id,omitempty"`
}
