package reconcile

import (
	"strings"
	"sync"
	"time"

	"github.com/kubilitics/ticketchat/internal/metrics"
	"github.com/kubilitics/ticketchat/internal/models"
)

// DefaultMatchWindow bounds how far apart an optimistic entry and its server
// echo may be stamped and still be treated as the same message.
//
// Matching on trimmed content inside this window is a heuristic. Two identical
// messages sent by the same participant within the window can be attributed to
// the wrong optimistic entry; both still end up confirmed exactly once.
const DefaultMatchWindow = 5 * time.Second

// Outcome describes what ApplyInbound did with a message.
type Outcome string

const (
	OutcomeReplaced  Outcome = "replaced"
	OutcomeAppended  Outcome = "appended"
	OutcomeDuplicate Outcome = "duplicate"
)

// Store is the single ordered collection of messages for one conversation.
type Store struct {
	mu             sync.RWMutex
	conversationID string
	window         time.Duration
	messages       []models.ConversationMessage
}

// Option configures a Store.
type Option func(*Store)

// WithMatchWindow overrides DefaultMatchWindow.
func WithMatchWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.window = d
		}
	}
}

// NewStore creates an empty store for conversationID.
func NewStore(conversationID string, opts ...Option) *Store {
	s := &Store{
		conversationID: conversationID,
		window:         DefaultMatchWindow,
		messages:       make([]models.ConversationMessage, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConversationID returns the conversation this store belongs to.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// Seed loads durable history. History entries come first in the given order;
// entries already in the store whose id is not part of history are kept after it.
func (s *Store) Seed(history []models.ConversationMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(history))
	merged := make([]models.ConversationMessage, 0, len(history)+len(s.messages))
	for _, m := range history {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range s.messages {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	s.messages = merged
}

// AppendOptimistic adds a locally authored entry at the end of the list.
func (s *Store) AppendOptimistic(m models.ConversationMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// MarkSent moves a pending entry to sent. Entries that were already confirmed,
// for example by an echo that raced the send call, are left alone.
func (s *Store) MarkSent(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 || s.messages[i].DeliveryState != models.DeliveryPending {
		return false
	}
	s.messages[i].DeliveryState = models.DeliverySent
	return true
}

// Confirm resolves the optimistic entry tempID with the server assigned id and
// timestamp. If serverID is already present the optimistic entry is dropped so
// the conversation never holds two copies of one message.
func (s *Store) Confirm(tempID, serverID string, createdAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(tempID)
	if i < 0 {
		return false
	}
	if serverID != tempID && s.indexLocked(serverID) >= 0 {
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		return true
	}
	if serverID != "" {
		s.messages[i].ID = serverID
	}
	if !createdAt.IsZero() {
		s.messages[i].CreatedAt = createdAt
	}
	s.messages[i].DeliveryState = models.DeliveryConfirmed
	return true
}

// Remove deletes the entry with id. It is used to roll back a failed send.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	return true
}

// ApplyInbound merges a message received over the live connection. The message
// is stored as confirmed.
//
// A message already present by id is ignored. A local-origin message replaces,
// in place, the first unconfirmed local entry with the same trimmed content
// stamped within the match window. Anything else is appended.
func (s *Store) ApplyInbound(m models.ConversationMessage) Outcome {
	m.DeliveryState = models.DeliveryConfirmed

	s.mu.Lock()
	outcome := s.applyLocked(m)
	s.mu.Unlock()

	metrics.ReconcileOutcomes.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (s *Store) applyLocked(m models.ConversationMessage) Outcome {
	if m.ID != "" && s.indexLocked(m.ID) >= 0 {
		return OutcomeDuplicate
	}

	if m.IsLocalOrigin {
		content := strings.TrimSpace(m.Content)
		for i, existing := range s.messages {
			if !existing.IsLocalOrigin || existing.Confirmed() {
				continue
			}
			if strings.TrimSpace(existing.Content) != content {
				continue
			}
			if absDuration(m.CreatedAt.Sub(existing.CreatedAt)) >= s.window {
				continue
			}
			s.messages[i] = m
			return OutcomeReplaced
		}
	}

	s.messages = append(s.messages, m)
	return OutcomeAppended
}

// Messages returns a copy of the ordered conversation.
func (s *Store) Messages() []models.ConversationMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConversationMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Get returns the message with id.
func (s *Store) Get(id string) (models.ConversationMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(id)
	if i < 0 {
		return models.ConversationMessage{}, false
	}
	return s.messages[i], true
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Participants maps every sender id seen in the conversation to its display name.
func (s *Store) Participants() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for _, m := range s.messages {
		if m.SenderID != "" && m.SenderName != "" {
			out[m.SenderID] = m.SenderName
		}
	}
	return out
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
