package transport

import (
	"context"
	"time"
)

// EventKind classifies membership updates coming from the chat platform.
type EventKind string

const (
	// EventConversationUpserted fires when the bot is added to a chat or
	// the chat metadata changes.
	EventConversationUpserted EventKind = "conversation_upserted"
	// EventConversationRemoved fires when the bot loses access to a chat.
	EventConversationRemoved EventKind = "conversation_removed"
)

// Event is one membership update; the app feeds these into the
// conversation registry.
type Event struct {
	Kind  EventKind
	Conv  ConversationRef
	Title string
}

// ConversationRef is an opaque delivery target. ID is the stable
// conversation identifier used as the registry key; ChatID is what the
// transport needs to address the conversation again.
type ConversationRef struct {
	ID     string `json:"id"`
	ChatID int64  `json:"chat_id"`
}

// Card is the rendered alert pushed to every registered conversation.
type Card struct {
	Title     string
	ErrorDesc string
	Tags      []string
	Date      time.Time
	Comment   string
	URL       string
}

// Adapter is the narrow chat-platform contract consumed by the dispatcher
// and the app. Implementations must be safe for concurrent SendCard calls.
type Adapter interface {
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error

	SendCard(ctx context.Context, to ConversationRef, card Card) error
}
