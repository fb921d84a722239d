package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/ticketchat/internal/models"
)

// CommentLog is the relay's in-memory durable history, one ordered list per ticket.
type CommentLog struct {
	mu       sync.RWMutex
	byTicket map[string][]models.Comment
	now      func() time.Time
}

// NewCommentLog creates an empty log.
func NewCommentLog() *CommentLog {
	return &CommentLog{
		byTicket: make(map[string][]models.Comment),
		now:      time.Now,
	}
}

// Append stores content from author under a fresh id and server timestamp.
func (l *CommentLog) Append(ticketID string, author models.Participant, content string) models.Comment {
	c := models.Comment{
		ID:           uuid.NewString(),
		TicketID:     ticketID,
		UserID:       author.ID,
		UserName:     author.Name,
		UserRole:     author.Role,
		EmployeeCode: author.EmployeeCode,
		Content:      content,
		Timestamp:    l.now().UTC().Format(time.RFC3339Nano),
	}

	l.mu.Lock()
	l.byTicket[ticketID] = append(l.byTicket[ticketID], c)
	l.mu.Unlock()
	return c
}

// List returns the ticket's comments in append order.
func (l *CommentLog) List(ticketID string) []models.Comment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Comment, len(l.byTicket[ticketID]))
	copy(out, l.byTicket[ticketID])
	return out
}
