// Package repository reaches the external storage service that owns
// conversations, messages and users. The relay only needs a handful of
// statements; schema ownership stays with that service.
package repository

import (
	"context"
	"time"
)

// Message is a persisted chat message as relayed to clients.
type Message struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	CreatedAt      time.Time `json:"createdAt"`
}

type MessageStore interface {
	SaveMessage(ctx context.Context, msg Message) (Message, error)
}

type ConversationStore interface {
	Participants(ctx context.Context, conversationID string) ([]string, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	RemoveParticipant(ctx context.Context, conversationID, userID string) error
}

type UserStore interface {
	UpdateOnlineStatus(ctx context.Context, userID, status string) error
}

// Store is everything the session manager needs from storage.
type Store interface {
	MessageStore
	ConversationStore
	UserStore
}
