// Package outbound turns composed text into conversation messages: it inserts an
// optimistic entry, delivers it over the live connection or the durable append
// fallback, and resolves or rolls the entry back.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/ticketchat/internal/logging"
	"github.com/kubilitics/ticketchat/internal/metrics"
	"github.com/kubilitics/ticketchat/internal/models"
	"github.com/kubilitics/ticketchat/internal/reconcile"
)

var (
	ErrEmptyMessage  = errors.New("message is empty")
	ErrSendInFlight  = errors.New("a send is already in flight")
	ErrNoParticipant = errors.New("no authenticated participant")
)

// TempIDPrefix marks ids of entries the server has not assigned yet.
const TempIDPrefix = "temp-"

// Transport is the live connection.
type Transport interface {
	IsConnected() bool
	Send(message string, mentions []string) bool
}

// Appender durably appends a comment when the live connection is unavailable.
type Appender interface {
	AddComment(ctx context.Context, ticketID, content string) (models.Comment, error)
}

// Config wires a Pipeline.
type Config struct {
	ConversationID string
	Participant    models.Participant
	Store          *reconcile.Store
	Transport      Transport
	Appender       Appender
	Composer       *Composer
	// OnChange runs after every store mutation made by the pipeline.
	OnChange func()
	Logger   *zap.Logger
}

// Pipeline sends the local participant's messages. At most one send runs at a time.
type Pipeline struct {
	conversationID string
	participant    models.Participant
	store          *reconcile.Store
	transport      Transport
	appender       Appender
	composer       *Composer
	onChange       func()
	logger         *zap.Logger
	now            func() time.Time

	inFlight atomic.Bool
}

// NewPipeline validates cfg and returns a pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.ConversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("message store is required")
	}
	if cfg.Appender == nil {
		return nil, fmt.Errorf("comment appender is required")
	}
	composer := cfg.Composer
	if composer == nil {
		composer = &Composer{}
	}

	return &Pipeline{
		conversationID: cfg.ConversationID,
		participant:    cfg.Participant,
		store:          cfg.Store,
		transport:      cfg.Transport,
		appender:       cfg.Appender,
		composer:       composer,
		onChange:       cfg.OnChange,
		logger:         logging.OrNop(cfg.Logger).Named("outbound"),
		now:            time.Now,
	}, nil
}

// InFlight reports whether a send is in progress.
func (p *Pipeline) InFlight() bool {
	return p.inFlight.Load()
}

// Send delivers text. The optimistic entry appears in the store before any
// network call and the composer is cleared. Exactly one of the live send or the
// durable append is attempted. When the append fails the entry is removed and
// the text is restored to the composer.
//
// The returned message reflects the entry after delivery.
func (p *Pipeline) Send(ctx context.Context, text string) (models.ConversationMessage, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return models.ConversationMessage{}, ErrEmptyMessage
	}
	if !p.participant.Valid() {
		return models.ConversationMessage{}, ErrNoParticipant
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		return models.ConversationMessage{}, ErrSendInFlight
	}
	defer p.inFlight.Store(false)

	msg := models.ConversationMessage{
		ID:                 TempIDPrefix + uuid.NewString(),
		ConversationID:     p.conversationID,
		SenderID:           p.participant.ID,
		SenderName:         p.participant.Name,
		SenderRole:         p.participant.Role,
		SenderEmployeeCode: p.participant.EmployeeCode,
		Content:            content,
		CreatedAt:          p.now(),
		IsLocalOrigin:      true,
		DeliveryState:      models.DeliveryPending,
	}
	p.store.AppendOptimistic(msg)
	p.composer.Clear()
	p.changed()

	if p.transport != nil && p.transport.IsConnected() && p.transport.Send(content, ExtractMentions(content)) {
		if p.store.MarkSent(msg.ID) {
			msg.DeliveryState = models.DeliverySent
		}
		metrics.MessagesSent.WithLabelValues("socket").Inc()
		p.changed()
		return p.current(msg), nil
	}

	start := time.Now()
	comment, err := p.appender.AddComment(ctx, p.conversationID, content)
	metrics.FallbackDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.store.Remove(msg.ID)
		p.composer.Restore(content)
		metrics.MessagesSent.WithLabelValues("rolled_back").Inc()
		p.logger.Error("Failed to send message",
			zap.String("conversation_id", p.conversationID),
			zap.Error(err))
		p.changed()
		return models.ConversationMessage{}, fmt.Errorf("send message: %w", err)
	}

	createdAt, _ := models.ParseTimestamp(comment.Timestamp)
	p.store.Confirm(msg.ID, comment.ID, createdAt)
	metrics.MessagesSent.WithLabelValues("fallback").Inc()
	p.changed()

	if comment.ID != "" {
		msg.ID = comment.ID
	}
	return p.current(msg), nil
}

// current returns the stored version of msg, which an inbound echo may already
// have replaced.
func (p *Pipeline) current(msg models.ConversationMessage) models.ConversationMessage {
	if stored, ok := p.store.Get(msg.ID); ok {
		return stored
	}
	return msg
}

func (p *Pipeline) changed() {
	if p.onChange != nil {
		p.onChange()
	}
}
