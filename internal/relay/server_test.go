package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kubilitics/ticketchat/internal/connection"
	"github.com/kubilitics/ticketchat/internal/identity"
	"github.com/kubilitics/ticketchat/internal/models"
	"github.com/kubilitics/ticketchat/internal/protocol"
	"github.com/kubilitics/ticketchat/internal/tracing"
)

var (
	aliceUser = models.Participant{ID: "alice", Name: "Alice", Role: "agent", EmployeeCode: "E-1"}
	bobUser   = models.Participant{ID: "bob", Name: "Bob", Role: "user"}
)

func startRelay(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(context.Background(), cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func token(t *testing.T, secret string, p models.Participant) string {
	t.Helper()
	tok, err := identity.IssueToken(secret, p, time.Hour)
	require.NoError(t, err)
	return tok
}

func wsURL(ts *httptest.Server, ticketID, tok string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat/" + ticketID + "/?token=" + url.QueryEscape(tok)
}

func dialRoom(t *testing.T, s *Server, ts *httptest.Server, ticketID, tok string) *websocket.Conn {
	t.Helper()
	before := s.Hub().ClientCount(ticketID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, ticketID, tok), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return s.Hub().ClientCount(ticketID) == before+1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Decode(data)
	require.NoError(t, err)
	return f
}

func writeCommand(t *testing.T, conn *websocket.Conn, cmd protocol.Command) {
	t.Helper()
	data, err := protocol.EncodeCommand(cmd)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestServeWS_RejectsMissingToken(t *testing.T) {
	_, ts := startRelay(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "T-1", ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWS_VerifiesSignatureWhenSecretSet(t *testing.T) {
	s, ts := startRelay(t, Config{JWTSecret: "relay-secret"})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "T-1", token(t, "other-secret", aliceUser)), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	dialRoom(t, s, ts, "T-1", token(t, "relay-secret", aliceUser))
}

func TestServeWS_ChecksOrigin(t *testing.T) {
	_, ts := startRelay(t, Config{AllowedOrigins: []string{"http://localhost:3000"}})
	tok := token(t, "x", aliceUser)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "T-1", tok), http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "T-1", tok), http.Header{"Origin": {"http://localhost:3000"}})
	require.NoError(t, err)
	conn.Close()
}

func TestChat_BroadcastIncludesSender(t *testing.T) {
	s, ts := startRelay(t, Config{})
	alice := dialRoom(t, s, ts, "T-1", token(t, "x", aliceUser))
	bob := dialRoom(t, s, ts, "T-1", token(t, "x", bobUser))

	writeCommand(t, alice, protocol.SendChat{Message: "hello @bob", Mentions: []string{"bob"}})

	for _, conn := range []*websocket.Conn{alice, bob} {
		f := readFrame(t, conn)
		msg, ok := f.(protocol.ChatMessage)
		require.True(t, ok, "got %T", f)
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, "T-1", msg.TicketID)
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, "Alice", msg.SenderName)
		assert.Equal(t, "agent", msg.SenderRole)
		assert.Equal(t, "E-1", msg.EmployeeCode)
		assert.Equal(t, "hello @bob", msg.Message)
		assert.Equal(t, []string{"bob"}, msg.Mentions)
		_, ok = models.ParseTimestamp(msg.CreatedAt)
		assert.True(t, ok)
	}

	comments := s.Comments().List("T-1")
	require.Len(t, comments, 1)
	assert.Equal(t, "hello @bob", comments[0].Content)
}

func TestChat_EmptyMessagesIgnored(t *testing.T) {
	s, ts := startRelay(t, Config{})
	alice := dialRoom(t, s, ts, "T-1", token(t, "x", aliceUser))

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","message":"   "}`)))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	writeCommand(t, alice, protocol.SendChat{Message: "real"})

	msg, ok := readFrame(t, alice).(protocol.ChatMessage)
	require.True(t, ok)
	assert.Equal(t, "real", msg.Message)
	assert.Len(t, s.Comments().List("T-1"), 1)
}

func TestChat_RoomsAreIsolated(t *testing.T) {
	s, ts := startRelay(t, Config{})
	alice := dialRoom(t, s, ts, "T-1", token(t, "x", aliceUser))
	bob := dialRoom(t, s, ts, "T-2", token(t, "x", bobUser))

	writeCommand(t, alice, protocol.SendChat{Message: "only T-1"})
	readFrame(t, alice)

	writeCommand(t, bob, protocol.SendPing{})
	assert.Equal(t, protocol.Pong{}, readFrame(t, bob))
}

func TestTyping_GoesToOthersOnly(t *testing.T) {
	s, ts := startRelay(t, Config{})
	alice := dialRoom(t, s, ts, "T-1", token(t, "x", aliceUser))
	bob := dialRoom(t, s, ts, "T-1", token(t, "x", bobUser))

	writeCommand(t, alice, protocol.SendTyping{})
	assert.Equal(t, protocol.Typing{SenderID: "alice"}, readFrame(t, bob))

	// the next frame alice sees is the pong, not her own typing signal
	writeCommand(t, alice, protocol.SendPing{})
	assert.Equal(t, protocol.Pong{}, readFrame(t, alice))
}

func TestComments_REST(t *testing.T) {
	s, ts := startRelay(t, Config{})
	tok := token(t, "x", bobUser)
	watcher := dialRoom(t, s, ts, "T-1", token(t, "x", aliceUser))

	post := func(body, auth string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/tickets/T-1/comments/", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if auth != "" {
			req.Header.Set("Authorization", "Bearer "+auth)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, post(`{"content":"x"}`, "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`{"content":"  "}`, tok).StatusCode)

	resp := post(`{"content":"via rest"}`, tok)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.Comment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "bob", created.UserID)
	assert.Equal(t, "via rest", created.Content)

	msg, ok := readFrame(t, watcher).(protocol.ChatMessage)
	require.True(t, ok)
	assert.Equal(t, created.ID, msg.ID)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/tickets/T-1/comments/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	listResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var listed []models.Comment
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listed))
	require.Len(t, listed, 1)
	assert.Equal(t, created, listed[0])
}

func TestUploadAndServeFile(t *testing.T) {
	_, ts := startRelay(t, Config{})

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("hello file"))
	require.NoError(t, form.WriteField("purpose", "chat_attachment"))
	require.NoError(t, form.WriteField("ticket_id", "T-1"))
	require.NoError(t, form.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/files/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token(t, "x", aliceUser))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var att models.Attachment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&att))
	assert.Equal(t, "notes.txt", att.Filename)
	assert.Equal(t, int64(10), att.Size)
	assert.True(t, strings.HasPrefix(att.URL, ts.URL+"/files/"))

	fileResp, err := http.Get(att.URL)
	require.NoError(t, err)
	defer fileResp.Body.Close()
	body, err := io.ReadAll(fileResp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello file", string(body))
}

func TestHealthzAndMetrics(t *testing.T) {
	_, ts := startRelay(t, Config{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ticketchat_relay_connections")
}

func TestClose_SendsGoingAway(t *testing.T) {
	s, ts := startRelay(t, Config{})
	conn := dialRoom(t, s, ts, "T-1", token(t, "x", aliceUser))

	s.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestEvictedClientReconnects(t *testing.T) {
	s, ts := startRelay(t, Config{})

	var (
		mu       sync.Mutex
		codes    []int
		connects int
	)
	mgr, err := connection.NewManager(connection.Options{
		BaseURL:              ts.URL,
		ReconnectBaseDelay:   10 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Disconnect)

	require.NoError(t, mgr.Connect(context.Background(), "T-1", token(t, "x", aliceUser), connection.Handlers{
		OnConnect: func() {
			mu.Lock()
			connects++
			mu.Unlock()
		},
		OnDisconnect: func(code int, _ string) {
			mu.Lock()
			codes = append(codes, code)
			mu.Unlock()
		},
	}))
	require.Eventually(t, func() bool { return s.Hub().ClientCount("T-1") == 1 }, time.Second, 5*time.Millisecond)

	// drop the member the way a full send buffer does
	s.hub.mu.Lock()
	for c := range s.hub.rooms["T-1"] {
		s.hub.evictLocked(c)
	}
	s.hub.mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 2 && mgr.IsConnected() && s.Hub().ClientCount("T-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{websocket.CloseTryAgainLater}, codes)
}

func TestSetAllowedOrigins(t *testing.T) {
	s, ts := startRelay(t, Config{AllowedOrigins: []string{"http://localhost:3000"}})
	tok := token(t, "x", aliceUser)
	origin := http.Header{"Origin": {"http://chat.example"}}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "T-1", tok), origin)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	s.SetAllowedOrigins([]string{"http://chat.example"})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "T-1", tok), origin)
	require.NoError(t, err)
	conn.Close()

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/tickets/T-1/comments/", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://chat.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	preflight, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	preflight.Body.Close()
	assert.Equal(t, "http://chat.example", preflight.Header.Get("Access-Control-Allow-Origin"))
}

func TestHandler_RecordsRequestSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	_, ts := startRelay(t, Config{TracerProvider: tp})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	assert.NotEmpty(t, resp.Header.Get(tracing.TraceIDHeader))
	require.Eventually(t, func() bool { return len(rec.Ended()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "GET /healthz", rec.Ended()[0].Name())
}
