// Package db keeps a local SQLite cache of confirmed conversation transcripts
// for offline viewing. The cache is never used to seed a live session; the
// ticket service history stays the source of truth.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/ticketchat/internal/models"
)

// ErrNotFound is returned when no transcript is cached for a conversation.
var ErrNotFound = errors.New("transcript not found")

// Store is the persistence interface for the transcript cache.
type Store interface {
	TranscriptStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ConversationSummary describes one cached transcript.
type ConversationSummary struct {
	ID            string    `json:"id"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
	SavedAt       time.Time `json:"saved_at"`
}

// TranscriptStore persists confirmed messages per conversation.
type TranscriptStore interface {
	// SaveTranscript upserts messages by id. The slice order becomes the
	// display order.
	SaveTranscript(ctx context.Context, conversationID string, messages []models.ConversationMessage) error

	// LoadTranscript returns the cached messages in display order, or
	// ErrNotFound.
	LoadTranscript(ctx context.Context, conversationID string) ([]models.ConversationMessage, error)

	// ListConversations returns cached conversations, most recently saved first.
	ListConversations(ctx context.Context, limit int) ([]ConversationSummary, error)

	// DeleteTranscript drops a conversation and its messages.
	DeleteTranscript(ctx context.Context, conversationID string) error
}
