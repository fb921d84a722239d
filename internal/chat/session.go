// Package chat ties the chat engine together for one ticket conversation at a
// time. A Session loads history, opens the live connection, routes inbound
// frames into the message store and typing tracker, and sends composed text
// through the outbound pipeline.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/ticketchat/internal/connection"
	"github.com/kubilitics/ticketchat/internal/history"
	"github.com/kubilitics/ticketchat/internal/integration/ticketapi"
	"github.com/kubilitics/ticketchat/internal/logging"
	"github.com/kubilitics/ticketchat/internal/models"
	"github.com/kubilitics/ticketchat/internal/outbound"
	"github.com/kubilitics/ticketchat/internal/protocol"
	"github.com/kubilitics/ticketchat/internal/reconcile"
	"github.com/kubilitics/ticketchat/internal/typing"
)

var (
	// ErrAlreadyActive is returned by Activate while another activation is live.
	ErrAlreadyActive = errors.New("session already active")

	// ErrNotActive is returned by operations that need an activation.
	ErrNotActive = errors.New("session not active")
)

const transcriptFlushTimeout = 5 * time.Second

// Connector is the live connection. *connection.Manager implements it.
type Connector interface {
	Connect(ctx context.Context, conversationID, token string, h connection.Handlers) error
	Disconnect()
	IsConnected() bool
	Send(message string, mentions []string) bool
	SendTyping()
}

// Backend is the ticket service. *ticketapi.Client implements it.
type Backend interface {
	history.Source
	outbound.Appender
	Upload(ctx context.Context, ticketID, filename string, content io.Reader, purpose string) (models.Attachment, error)
}

// TranscriptSink stores confirmed messages when an activation ends.
type TranscriptSink interface {
	SaveTranscript(ctx context.Context, conversationID string, messages []models.ConversationMessage) error
}

// Config wires a Session.
type Config struct {
	Participant models.Participant
	Token       string

	Connection  Connector
	Backend     Backend
	Transcripts TranscriptSink

	MatchWindow    time.Duration
	TypingThrottle time.Duration
	TypingExpiry   time.Duration

	Logger *zap.Logger
}

// activation is the state owned by one Activate call.
type activation struct {
	conversationID string
	store          *reconcile.Store
	tracker        *typing.Tracker
	throttle       *typing.Throttle
	composer       *outbound.Composer
	pipeline       *outbound.Pipeline
}

// Session drives one conversation at a time.
type Session struct {
	cfg     Config
	loader  *history.Loader
	logger  *zap.Logger
	updates chan struct{}

	mu      sync.Mutex
	active  *activation
	focused bool
	unread  int
	lastErr error
}

// NewSession validates cfg and returns an inactive session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Connection == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("ticket backend is required")
	}
	logger := logging.OrNop(cfg.Logger).Named("chat")

	loader, err := history.NewLoader(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}

	return &Session{
		cfg:     cfg,
		loader:  loader,
		logger:  logger,
		updates: make(chan struct{}, 1),
		focused: true,
	}, nil
}

// Activate loads the history of conversationID, seeds the message store and
// opens the live connection. A history or connection failure is logged and
// recorded in LastError; the activation still starts, so sending falls back to
// the durable append path.
func (s *Session) Activate(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("conversation id is required")
	}

	act := &activation{
		conversationID: conversationID,
		store:          reconcile.NewStore(conversationID, reconcile.WithMatchWindow(s.cfg.MatchWindow)),
		throttle:       typing.NewThrottle(s.cfg.TypingThrottle),
		composer:       &outbound.Composer{},
	}
	act.tracker = typing.NewTracker(s.cfg.Participant.ID, s.cfg.TypingExpiry, s.notify)

	pipeline, err := outbound.NewPipeline(outbound.Config{
		ConversationID: conversationID,
		Participant:    s.cfg.Participant,
		Store:          act.store,
		Transport:      s.cfg.Connection,
		Appender:       s.cfg.Backend,
		Composer:       act.composer,
		OnChange:       s.notify,
		Logger:         s.logger,
	})
	if err != nil {
		return err
	}
	act.pipeline = pipeline

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	s.active = act
	s.unread = 0
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.Info("Activating conversation", zap.String("conversation_id", conversationID))

	msgs, err := s.loader.Load(ctx, conversationID, s.cfg.Participant.ID)
	if err != nil {
		s.setError(fmt.Errorf("load history: %w", err))
	} else if s.isCurrent(act) {
		act.store.Seed(msgs)
	}
	s.notify()

	if !s.isCurrent(act) {
		return nil
	}
	if err := s.cfg.Connection.Connect(ctx, conversationID, s.cfg.Token, s.handlers(act)); err != nil {
		s.logger.Warn("Live connection unavailable",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		s.setError(err)
	}
	return nil
}

// Deactivate closes the live connection, stops typing timers and writes the
// confirmed transcript to the cache. It is idempotent.
func (s *Session) Deactivate() {
	s.mu.Lock()
	act := s.active
	s.active = nil
	s.mu.Unlock()
	if act == nil {
		return
	}

	s.cfg.Connection.Disconnect()
	act.tracker.Stop()

	if s.cfg.Transcripts != nil {
		var confirmed []models.ConversationMessage
		for _, m := range act.store.Messages() {
			if m.Confirmed() {
				confirmed = append(confirmed, m)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), transcriptFlushTimeout)
		if err := s.cfg.Transcripts.SaveTranscript(ctx, act.conversationID, confirmed); err != nil {
			s.logger.Warn("Failed to save transcript",
				zap.String("conversation_id", act.conversationID),
				zap.Error(err))
		}
		cancel()
	}

	s.logger.Info("Deactivated conversation", zap.String("conversation_id", act.conversationID))
	s.notify()
}

func (s *Session) handlers(act *activation) connection.Handlers {
	return connection.Handlers{
		OnMessage: func(f protocol.Frame) { s.handleFrame(act, f) },
		OnTyping: func(senderID string) {
			if s.isCurrent(act) {
				act.tracker.Observe(senderID)
			}
		},
		OnConnect: func() {
			s.logger.Debug("Live connection open", zap.String("conversation_id", act.conversationID))
			s.notify()
		},
		OnDisconnect: func(code int, reason string) {
			s.logger.Debug("Live connection closed",
				zap.String("conversation_id", act.conversationID),
				zap.Int("close_code", code))
			s.notify()
		},
		OnError: func(err error) {
			if s.isCurrent(act) {
				s.setError(err)
			}
		},
	}
}

func (s *Session) handleFrame(act *activation, frame protocol.Frame) {
	if !s.isCurrent(act) {
		return
	}

	switch f := frame.(type) {
	case protocol.ChatMessage:
		msg := reconcile.FromFrame(f, act.conversationID, s.cfg.Participant.ID, time.Now())
		outcome := act.store.ApplyInbound(msg)
		act.tracker.Clear(msg.SenderID)
		if outcome == reconcile.OutcomeAppended && !msg.IsLocalOrigin {
			s.mu.Lock()
			if !s.focused {
				s.unread++
			}
			s.mu.Unlock()
		}
		s.notify()
	case protocol.Error:
		s.logger.Warn("Chat service reported an error",
			zap.String("conversation_id", act.conversationID),
			zap.String("error", f.Message))
		s.setError(fmt.Errorf("chat service: %s", f.Message))
	default:
		// read receipts, presence and unattributed typing carry nothing the store keeps
		s.logger.Debug("Ignoring frame", zap.String("type", string(frame.FrameType())))
	}
}

// SendMessage sends text as the local participant.
func (s *Session) SendMessage(ctx context.Context, text string) (models.ConversationMessage, error) {
	act := s.current()
	if act == nil {
		return models.ConversationMessage{}, ErrNotActive
	}
	return act.pipeline.Send(ctx, text)
}

// SendDraft sends the current composer text.
func (s *Session) SendDraft(ctx context.Context) (models.ConversationMessage, error) {
	act := s.current()
	if act == nil {
		return models.ConversationMessage{}, ErrNotActive
	}
	return act.pipeline.Send(ctx, act.composer.Text())
}

// SetDraft replaces the composer text and, when the text is not blank and the
// connection is open, announces typing subject to the throttle.
func (s *Session) SetDraft(text string) {
	act := s.current()
	if act == nil {
		return
	}
	act.composer.Set(text)
	if strings.TrimSpace(text) == "" || !s.cfg.Connection.IsConnected() {
		return
	}
	if act.throttle.Allow() {
		s.cfg.Connection.SendTyping()
	}
}

// Draft returns the composer text.
func (s *Session) Draft() string {
	act := s.current()
	if act == nil {
		return ""
	}
	return act.composer.Text()
}

// Attach uploads content and appends a file reference to the composer.
func (s *Session) Attach(ctx context.Context, filename string, content io.Reader) (models.Attachment, error) {
	act := s.current()
	if act == nil {
		return models.Attachment{}, ErrNotActive
	}

	att, err := s.cfg.Backend.Upload(ctx, act.conversationID, filename, content, ticketapi.PurposeChatAttachment)
	if err != nil {
		s.logger.Error("Failed to upload attachment",
			zap.String("conversation_id", act.conversationID),
			zap.String("filename", filename),
			zap.Error(err))
		return models.Attachment{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	if att.Filename == "" {
		att.Filename = filename
	}
	act.composer.Append(att.MarkdownLink())
	s.notify()
	return att, nil
}

// AttachFile uploads the file at path.
func (s *Session) AttachFile(ctx context.Context, path string) (models.Attachment, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()
	return s.Attach(ctx, filepath.Base(path), f)
}

// Messages returns a snapshot of the conversation.
func (s *Session) Messages() []models.ConversationMessage {
	act := s.current()
	if act == nil {
		return nil
	}
	return act.store.Messages()
}

// TypingSummary renders who is typing, or "" when nobody is.
func (s *Session) TypingSummary() string {
	act := s.current()
	if act == nil {
		return ""
	}
	names := act.store.Participants()
	return act.tracker.Summary(func(id string) string { return names[id] })
}

// Connected reports whether the live connection is open.
func (s *Session) Connected() bool {
	return s.current() != nil && s.cfg.Connection.IsConnected()
}

// Sending reports whether a send is in flight.
func (s *Session) Sending() bool {
	act := s.current()
	return act != nil && act.pipeline.InFlight()
}

// ConversationID returns the active conversation, or "".
func (s *Session) ConversationID() string {
	act := s.current()
	if act == nil {
		return ""
	}
	return act.conversationID
}

// Participant returns the local participant.
func (s *Session) Participant() models.Participant {
	return s.cfg.Participant
}

// SetFocused records whether the conversation is in view. Remote messages
// arriving while unfocused count as unread; focusing clears the count.
func (s *Session) SetFocused(focused bool) {
	s.mu.Lock()
	s.focused = focused
	if focused {
		s.unread = 0
	}
	s.mu.Unlock()
	s.notify()
}

// UnreadCount returns the number of remote messages received while unfocused.
func (s *Session) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// MarkRead clears the unread count.
func (s *Session) MarkRead() {
	s.mu.Lock()
	s.unread = 0
	s.mu.Unlock()
	s.notify()
}

// LastError returns the most recent transport, history or service error.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Updates signals state changes. Signals coalesce; a receiver should re-read
// whatever it renders.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.notify()
}

func (s *Session) current() *activation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) isCurrent(act *activation) bool {
	return s.current() == act
}
