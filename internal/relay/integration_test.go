package relay_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/ticketchat/internal/chat"
	"github.com/kubilitics/ticketchat/internal/connection"
	"github.com/kubilitics/ticketchat/internal/identity"
	"github.com/kubilitics/ticketchat/internal/integration/ticketapi"
	"github.com/kubilitics/ticketchat/internal/models"
	"github.com/kubilitics/ticketchat/internal/relay"
)

const secret = "integration-secret"

var (
	alice = models.Participant{ID: "alice", Name: "Alice", Role: "agent"}
	bob   = models.Participant{ID: "bob", Name: "Bob", Role: "user"}
)

func startRelay(t *testing.T) (*relay.Server, *httptest.Server) {
	t.Helper()
	s := relay.NewServer(context.Background(), relay.Config{JWTSecret: secret})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func newSession(t *testing.T, p models.Participant, wsBase, apiBase string) *chat.Session {
	t.Helper()
	tok, err := identity.IssueToken(secret, p, time.Hour)
	require.NoError(t, err)

	mgr, err := connection.NewManager(connection.Options{
		BaseURL:              wsBase,
		ReconnectBaseDelay:   20 * time.Millisecond,
		MaxReconnectAttempts: 1,
	})
	require.NoError(t, err)

	api, err := ticketapi.New(ticketapi.Config{BaseURL: apiBase, FilesBaseURL: apiBase}, tok)
	require.NoError(t, err)

	sess, err := chat.NewSession(chat.Config{
		Participant: p,
		Token:       tok,
		Connection:  mgr,
		Backend:     api,
	})
	require.NoError(t, err)
	t.Cleanup(sess.Deactivate)
	return sess
}

func findContent(msgs []models.ConversationMessage, content string) []models.ConversationMessage {
	var out []models.ConversationMessage
	for _, m := range msgs {
		if m.Content == content {
			out = append(out, m)
		}
	}
	return out
}

func TestEndToEnd_LiveSendCollapsesEcho(t *testing.T) {
	s, ts := startRelay(t)
	s.Comments().Append("T-1", bob, "printer is down")

	a := newSession(t, alice, ts.URL, ts.URL)
	b := newSession(t, bob, ts.URL, ts.URL)
	require.NoError(t, a.Activate(context.Background(), "T-1"))
	require.NoError(t, b.Activate(context.Background(), "T-1"))
	require.True(t, a.Connected())
	require.Eventually(t, func() bool { return s.Hub().ClientCount("T-1") == 2 }, time.Second, 5*time.Millisecond)

	assert.Len(t, a.Messages(), 1, "history seeds the store")

	_, err := a.SendMessage(context.Background(), "ok")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got := findContent(a.Messages(), "ok")
		return len(got) == 1 && got[0].Confirmed()
	}, 2*time.Second, 10*time.Millisecond)

	mine := findContent(a.Messages(), "ok")
	assert.False(t, strings.HasPrefix(mine[0].ID, "temp-"))
	assert.Len(t, a.Messages(), 2)

	require.Eventually(t, func() bool { return len(findContent(b.Messages(), "ok")) == 1 }, 2*time.Second, 10*time.Millisecond)
	theirs := findContent(b.Messages(), "ok")[0]
	assert.Equal(t, mine[0].ID, theirs.ID)
	assert.False(t, theirs.IsLocalOrigin)
	assert.Equal(t, "Alice", theirs.SenderName)

	assert.Len(t, s.Comments().List("T-1"), 2)
}

func TestEndToEnd_TypingReachesOtherParticipant(t *testing.T) {
	s, ts := startRelay(t)
	s.Comments().Append("T-1", alice, "hi")

	a := newSession(t, alice, ts.URL, ts.URL)
	b := newSession(t, bob, ts.URL, ts.URL)
	require.NoError(t, a.Activate(context.Background(), "T-1"))
	require.NoError(t, b.Activate(context.Background(), "T-1"))
	require.Eventually(t, func() bool { return s.Hub().ClientCount("T-1") == 2 }, time.Second, 5*time.Millisecond)

	a.SetDraft("typing away")

	require.Eventually(t, func() bool { return b.TypingSummary() == "Alice is typing..." }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, a.TypingSummary())
}

func TestEndToEnd_FallbackAppendReachesLiveRoom(t *testing.T) {
	s, ts := startRelay(t)

	// alice's live connection points at a closed port; her sends take the durable path
	a := newSession(t, alice, "ws://127.0.0.1:1", ts.URL)
	b := newSession(t, bob, ts.URL, ts.URL)
	require.NoError(t, a.Activate(context.Background(), "T-1"))
	require.NoError(t, b.Activate(context.Background(), "T-1"))
	require.False(t, a.Connected())
	require.Eventually(t, func() bool { return s.Hub().ClientCount("T-1") == 1 }, time.Second, 5*time.Millisecond)

	msg, err := a.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryConfirmed, msg.DeliveryState)

	comments := s.Comments().List("T-1")
	require.Len(t, comments, 1)
	assert.Equal(t, comments[0].ID, msg.ID)

	require.Eventually(t, func() bool { return len(findContent(b.Messages(), "hello")) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestEndToEnd_DeactivateLeavesRoom(t *testing.T) {
	s, ts := startRelay(t)

	a := newSession(t, alice, ts.URL, ts.URL)
	require.NoError(t, a.Activate(context.Background(), "T-1"))
	require.Eventually(t, func() bool { return s.Hub().ClientCount("T-1") == 1 }, time.Second, 5*time.Millisecond)

	a.Deactivate()
	assert.False(t, a.Connected())
	require.Eventually(t, func() bool { return s.Hub().ClientCount("T-1") == 0 }, time.Second, 5*time.Millisecond)
}
