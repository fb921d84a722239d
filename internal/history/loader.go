// Package history loads the durable comment log of a ticket and maps it into
// conversation messages.
package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/ticketchat/internal/logging"
	"github.com/kubilitics/ticketchat/internal/metrics"
	"github.com/kubilitics/ticketchat/internal/models"
)

// Source fetches the comments of a ticket in server order.
type Source interface {
	History(ctx context.Context, ticketID string) ([]models.Comment, error)
}

// Loader fetches history once per activation.
type Loader struct {
	source Source
	logger *zap.Logger
}

// NewLoader creates a loader backed by source.
func NewLoader(source Source, logger *zap.Logger) (*Loader, error) {
	if source == nil {
		return nil, fmt.Errorf("history source is required")
	}
	return &Loader{
		source: source,
		logger: logging.OrNop(logger).Named("history"),
	}, nil
}

// Load returns the conversation as confirmed messages, preserving server order.
func (l *Loader) Load(ctx context.Context, conversationID, localParticipantID string) ([]models.ConversationMessage, error) {
	start := time.Now()
	comments, err := l.source.History(ctx, conversationID)
	metrics.HistoryLoadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		l.logger.Error("Failed to load history",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return nil, err
	}

	messages := make([]models.ConversationMessage, 0, len(comments))
	for _, c := range comments {
		messages = append(messages, FromComment(c, conversationID, localParticipantID))
	}

	l.logger.Debug("Loaded history",
		zap.String("conversation_id", conversationID),
		zap.Int("messages", len(messages)),
		zap.Duration("took", time.Since(start)))
	return messages, nil
}

// FromComment maps one durable comment into a confirmed message.
func FromComment(c models.Comment, conversationID, localParticipantID string) models.ConversationMessage {
	convID := c.TicketID
	if convID == "" {
		convID = conversationID
	}
	role := c.UserRole
	if role == "" {
		role = models.DefaultRole
	}
	createdAt, _ := models.ParseTimestamp(c.Timestamp)

	return models.ConversationMessage{
		ID:                 c.ID,
		ConversationID:     convID,
		SenderID:           c.UserID,
		SenderName:         c.UserName,
		SenderRole:         role,
		SenderEmployeeCode: c.EmployeeCode,
		Content:            c.Content,
		CreatedAt:          createdAt,
		IsLocalOrigin:      localParticipantID != "" && c.UserID == localParticipantID,
		DeliveryState:      models.DeliveryConfirmed,
	}
}
