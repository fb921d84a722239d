package reconcile

import (
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/ticketchat/internal/models"
	"github.com/kubilitics/ticketchat/internal/protocol"
)

// FromFrame maps a chat frame into a conversation message. Missing fields fall
// back to the active conversation id, "Unknown" sender, the default role, and
// receipt time.
func FromFrame(f protocol.ChatMessage, conversationID, localParticipantID string, receivedAt time.Time) models.ConversationMessage {
	id := f.ID
	if id == "" {
		id = "ws-" + uuid.NewString()
	}
	convID := f.TicketID
	if convID == "" {
		convID = conversationID
	}
	name := f.SenderName
	if name == "" {
		name = "Unknown"
	}
	role := f.SenderRole
	if role == "" {
		role = models.DefaultRole
	}
	createdAt, ok := models.ParseTimestamp(f.CreatedAt)
	if !ok {
		createdAt = receivedAt
	}

	return models.ConversationMessage{
		ID:                 id,
		ConversationID:     convID,
		SenderID:           f.SenderID,
		SenderName:         name,
		SenderRole:         role,
		SenderEmployeeCode: f.EmployeeCode,
		Content:            f.Message,
		CreatedAt:          createdAt,
		IsLocalOrigin:      localParticipantID != "" && f.SenderID == localParticipantID,
		DeliveryState:      models.DeliveryConfirmed,
	}
}
