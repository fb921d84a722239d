package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/ticketchat/internal/connection"
	"github.com/kubilitics/ticketchat/internal/models"
	"github.com/kubilitics/ticketchat/internal/protocol"
)

type fakeConn struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	handlers    connection.Handlers
	target      string
	token       string
	sent        []string
	typing      int
	disconnects int
}

func (f *fakeConn) Connect(_ context.Context, conversationID, token string, h connection.Handlers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target, f.token, f.handlers = conversationID, token, h
	return f.connectErr
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Send(message string, _ []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, message)
	return true
}

func (f *fakeConn) SendTyping() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
}

func (f *fakeConn) deliver(frame protocol.Frame) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	switch fr := frame.(type) {
	case protocol.Typing:
		h.OnTyping(fr.SenderID)
	default:
		h.OnMessage(frame)
	}
}

type fakeBackend struct {
	mu         sync.Mutex
	history    []models.Comment
	historyErr error
	appended   []string
	upload     models.Attachment
	purposes   []string
	uploaded   []string
}

func (b *fakeBackend) History(context.Context, string) ([]models.Comment, error) {
	return b.history, b.historyErr
}

func (b *fakeBackend) AddComment(_ context.Context, _ string, content string) (models.Comment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appended = append(b.appended, content)
	return models.Comment{ID: "c-new", Content: content, Timestamp: "2024-03-01T10:00:00Z"}, nil
}

func (b *fakeBackend) Upload(_ context.Context, _ string, filename string, content io.Reader, purpose string) (models.Attachment, error) {
	data, _ := io.ReadAll(content)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.purposes = append(b.purposes, purpose)
	b.uploaded = append(b.uploaded, filename+":"+string(data))
	return b.upload, nil
}

type fakeSink struct {
	conversationID string
	saved          []models.ConversationMessage
	calls          int
}

func (s *fakeSink) SaveTranscript(_ context.Context, conversationID string, msgs []models.ConversationMessage) error {
	s.calls++
	s.conversationID = conversationID
	s.saved = msgs
	return nil
}

var alice = models.Participant{ID: "alice", Name: "Alice", Role: "agent"}

func bobHistory() []models.Comment {
	return []models.Comment{
		{ID: "c-1", TicketID: "T-1", UserID: "bob", UserName: "Bob", Content: "printer is down", Timestamp: "2024-03-01T09:00:00Z"},
		{ID: "c-2", TicketID: "T-1", UserID: "alice", UserName: "Alice", UserRole: "agent", Content: "looking", Timestamp: "2024-03-01T09:01:00Z"},
	}
}

func newTestSession(t *testing.T, conn *fakeConn, backend *fakeBackend, sink TranscriptSink) *Session {
	t.Helper()
	s, err := NewSession(Config{
		Participant: alice,
		Token:       "tok",
		Connection:  conn,
		Backend:     backend,
		Transcripts: sink,
	})
	require.NoError(t, err)
	return s
}

func TestNewSession_Validation(t *testing.T) {
	_, err := NewSession(Config{Backend: &fakeBackend{}})
	assert.Error(t, err)
	_, err = NewSession(Config{Connection: &fakeConn{}})
	assert.Error(t, err)
}

func TestActivate_SeedsHistoryAndConnects(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestSession(t, conn, &fakeBackend{history: bobHistory()}, nil)

	require.NoError(t, s.Activate(context.Background(), "T-1"))
	defer s.Deactivate()

	assert.Equal(t, "T-1", conn.target)
	assert.Equal(t, "tok", conn.token)
	assert.Equal(t, "T-1", s.ConversationID())
	assert.True(t, s.Connected())

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "c-1", msgs[0].ID)
	assert.False(t, msgs[0].IsLocalOrigin)
	assert.True(t, msgs[1].IsLocalOrigin)
	for _, m := range msgs {
		assert.Equal(t, models.DeliveryConfirmed, m.DeliveryState)
	}

	assert.ErrorIs(t, s.Activate(context.Background(), "T-2"), ErrAlreadyActive)
}

func TestActivate_HistoryFailureStillConnects(t *testing.T) {
	conn := &fakeConn{}
	s := newTestSession(t, conn, &fakeBackend{historyErr: errors.New("503")}, nil)

	require.NoError(t, s.Activate(context.Background(), "T-1"))
	defer s.Deactivate()

	assert.Equal(t, "T-1", conn.target)
	assert.Empty(t, s.Messages())
	require.Error(t, s.LastError())
	assert.Contains(t, s.LastError().Error(), "load history")
}

func TestActivate_ConnectFailureIsRecorded(t *testing.T) {
	conn := &fakeConn{connectErr: errors.New("dial refused")}
	s := newTestSession(t, conn, &fakeBackend{}, nil)

	require.NoError(t, s.Activate(context.Background(), "T-1"))
	defer s.Deactivate()
	assert.EqualError(t, s.LastError(), "dial refused")
}

func TestSendMessage_EchoCollapsesToOneEntry(t *testing.T) {
	conn := &fakeConn{connected: true}
	backend := &fakeBackend{}
	s := newTestSession(t, conn, backend, nil)
	require.NoError(t, s.Activate(context.Background(), "T-1"))
	defer s.Deactivate()

	sent, err := s.SendMessage(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, sent.DeliveryState)
	assert.Equal(t, []string{"ok"}, conn.sent)
	assert.Empty(t, backend.appended)

	conn.deliver(protocol.ChatMessage{
		ID:         "srv-77",
		TicketID:   "T-1",
		SenderID:   "alice",
		SenderName: "Alice",
		Message:    "ok",
		CreatedAt:  sent.CreatedAt.Add(300 * time.Millisecond).UTC().Format(time.RFC3339Nano),
	})

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-77", msgs[0].ID)
	assert.Equal(t, models.DeliveryConfirmed, msgs[0].DeliveryState)
}

func TestSendMessage_FallbackWhenOffline(t *testing.T) {
	conn := &fakeConn{}
	backend := &fakeBackend{}
	s := newTestSession(t, conn, backend, nil)
	require.NoError(t, s.Activate(context.Background(), "T-1"))
	defer s.Deactivate()

	msg, err := s.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, backend.appended)
	assert.Empty(t, conn.sent)
	assert.Equal(t, "c-new", msg.ID)
}

func TestSendMessage_NotActive(t *testing.T) {
	s := newTestSession(t, &fakeConn{}, &fakeBackend{}, nil)
	_, err := s.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNotActive)
	_, err = s.SendDraft(context.Background())
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestSendDraft_ClearsComposer(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestSession(t, conn, &fakeBackend{}, nil)
	require.NoError(t, s.Activate(context.Background(), "T-1"))
	defer s.Deactivate()

	s.SetDraft("draft text")
	_, err := s.SendDraft(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.Draft())
	assert.Equal(t, []string{"draft text"}, conn.sent)
}

func TestTyping_RemoteMessageClearsTypist(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestSession(t, conn, &fakeBackend{history: bobHistory()}, nil)
	require.NoError(t, s.Activate(context.Background(), "T-1"))
	defer s.Deactivate()

	conn.deliver(protocol.Typing{SenderID: "alice"})
	assert.Empty(t, s.TypingSummary(), "own typing signals are ignored")

	conn.deliver(protocol.Typing{SenderID: "bob"})
	assert.Equal(t, "Bob is typing...", s.TypingSummary())

	conn.deliver(protocol.ChatMessage{ID: "srv-9", SenderID: "bob", SenderName: "Bob", Message: "still down"})
	assert.Empty(t, s.TypingSummary())
}

func TestSetDraft_ThrottlesTyping(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestSession(t, conn, &fakeBackend{}, nil)
	require.NoError(t, s.Activate(context.Background(), "T-1"))
	defer s.Deactivate()

	s.SetDraft("h")
	s.SetDraft("he")
	s.SetDraft("hel")
	assert.Equal(t, 1, conn.typing)
	assert.Equal(t, "hel", s.Draft())

	s.SetDraft("   ")
	assert.Equal(t, 1, conn.typing)
}

func TestSetDraft_NoTypingWhileOffline(t *testing.T) {
	conn := &fakeConn{}
	s := newTestSession(t, conn, &fakeBackend{}, nil)
	require.NoError(t, s.Activate(context.Background(), "T-1"))
	defer s.Deactivate()

	s.SetDraft("hello")
	assert.Zero(t, conn.typing)
}

func TestUnreadCount(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestSession(t, conn, &fakeBackend{}, nil)
	require.NoError(t, s.Activate(context.Background(), "T-1"))
	defer s.Deactivate()

	conn.deliver(protocol.ChatMessage{ID: "r-1", SenderID: "bob", Message: "seen"})
	assert.Zero(t, s.UnreadCount(), "focused view has nothing unread")

	s.SetFocused(false)
	conn.deliver(protocol.ChatMessage{ID: "r-2", SenderID: "bob", Message: "one"})
	conn.deliver(protocol.ChatMessage{ID: "r-2", SenderID: "bob", Message: "one"})
	conn.deliver(protocol.ChatMessage{ID: "r-3", SenderID: "alice", Message: "mine"})
	assert.Equal(t, 1, s.UnreadCount())

	s.MarkRead()
	assert.Zero(t, s.UnreadCount())

	conn.deliver(protocol.ChatMessage{ID: "r-4", SenderID: "bob", Message: "two"})
	assert.Equal(t, 1, s.UnreadCount())
	s.SetFocused(true)
	assert.Zero(t, s.UnreadCount())
}

func TestFrames_ErrorAndIgnored(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestSession(t, conn, &fakeBackend{}, nil)
	require.NoError(t, s.Activate(context.Background(), "T-1"))
	defer s.Deactivate()

	conn.deliver(protocol.Read{ID: "c-1", SenderID: "bob"})
	conn.deliver(protocol.Presence{SenderID: "bob"})
	assert.Empty(t, s.Messages())
	assert.NoError(t, s.LastError())

	conn.deliver(protocol.Error{Message: "rate limited"})
	require.Error(t, s.LastError())
	assert.Contains(t, s.LastError().Error(), "rate limited")
}

func TestAttach_AppendsFileReference(t *testing.T) {
	backend := &fakeBackend{upload: models.Attachment{URL: "http://files/a.png", Filename: "a.png"}}
	s := newTestSession(t, &fakeConn{}, backend, nil)
	require.NoError(t, s.Activate(context.Background(), "T-1"))
	defer s.Deactivate()

	s.SetDraft("see")
	att, err := s.Attach(context.Background(), "a.png", strings.NewReader("PNG"))
	require.NoError(t, err)
	assert.Equal(t, "a.png", att.Filename)
	assert.Equal(t, "see\n[File: a.png](http://files/a.png)", s.Draft())
	assert.Equal(t, []string{"chat_attachment"}, backend.purposes)
	assert.Equal(t, []string{"a.png:PNG"}, backend.uploaded)
}

func TestDeactivate_SavesConfirmedTranscript(t *testing.T) {
	conn := &fakeConn{}
	sink := &fakeSink{}
	s := newTestSession(t, conn, &fakeBackend{history: bobHistory()}, sink)
	require.NoError(t, s.Activate(context.Background(), "T-1"))

	conn.mu.Lock()
	stale := conn.handlers
	conn.mu.Unlock()

	s.Deactivate()
	s.Deactivate()

	assert.Equal(t, 1, conn.disconnects)
	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, "T-1", sink.conversationID)
	assert.Len(t, sink.saved, 2)
	assert.Nil(t, s.Messages())
	assert.Empty(t, s.ConversationID())

	// events from the finished activation are dropped
	stale.OnMessage(protocol.ChatMessage{ID: "late", SenderID: "bob", Message: "late"})
	assert.Nil(t, s.Messages())

	require.NoError(t, s.Activate(context.Background(), "T-2"))
	defer s.Deactivate()
	assert.Equal(t, "T-2", conn.target)
}

func TestUpdates_Coalesce(t *testing.T) {
	conn := &fakeConn{connected: true}
	s := newTestSession(t, conn, &fakeBackend{}, nil)
	require.NoError(t, s.Activate(context.Background(), "T-1"))
	defer s.Deactivate()

	conn.deliver(protocol.ChatMessage{ID: "r-1", SenderID: "bob", Message: "a"})
	conn.deliver(protocol.ChatMessage{ID: "r-2", SenderID: "bob", Message: "b"})

	select {
	case <-s.Updates():
	default:
		t.Fatal("expected a pending update")
	}
	select {
	case <-s.Updates():
		t.Fatal("updates should coalesce")
	default:
	}
}
