// Package connection maintains the persistent WebSocket link for one ticket
// conversation: it dials, keeps the link alive, and re-dials with exponential
// backoff after abnormal closures.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/ticketchat/internal/logging"
	"github.com/kubilitics/ticketchat/internal/metrics"
	"github.com/kubilitics/ticketchat/internal/protocol"
)

// State represents the state of the chat connection
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

const (
	defaultPingInterval       = 30 * time.Second
	defaultReconnectBaseDelay = 1 * time.Second
	defaultMaxReconnects      = 5
	defaultHandshakeTimeout   = 10 * time.Second
	defaultWriteWait          = 10 * time.Second
)

var (
	// ErrNotConnected is returned by writes attempted without an open connection.
	ErrNotConnected = errors.New("not connected")

	// ErrMissingTarget is returned by Connect when the conversation id or token is empty.
	ErrMissingTarget = errors.New("conversation id and token are required")
)

// Handlers receive connection events. Every field is optional. Handlers run on
// the connection's goroutines and must not block for long.
type Handlers struct {
	// OnMessage receives every decoded frame except pong and attributed typing signals.
	OnMessage func(protocol.Frame)
	// OnTyping receives the sender id of typing signals.
	OnTyping func(senderID string)
	// OnConnect runs each time the connection opens.
	OnConnect func()
	// OnDisconnect runs each time an open or attempted connection closes.
	OnDisconnect func(code int, reason string)
	// OnError receives transport errors. It does not imply a state change.
	OnError func(error)
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	// BaseURL is the chat service root, e.g. "ws://localhost:8003". http and
	// https schemes are mapped to ws and wss.
	BaseURL string

	PingInterval         time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	WriteWait            time.Duration

	Dialer *websocket.Dialer
	Logger *zap.Logger
}

func (o *Options) defaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = defaultMaxReconnects
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
}

// Manager owns at most one live connection at a time.
type Manager struct {
	opts   Options
	dialer *websocket.Dialer
	logger *zap.Logger

	mu             sync.Mutex
	state          State
	connecting     bool
	gen            uint64
	conn           *websocket.Conn
	conversationID string
	token          string
	handlers       Handlers
	schedule       *reconnectSchedule
	reconnectTimer *time.Timer
	stopPing       chan struct{}

	// gorilla connections allow a single concurrent writer
	writeMu sync.Mutex
}

// NewManager creates an idle manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := Endpoint(opts.BaseURL, "validate", "validate"); err != nil {
		return nil, err
	}
	opts.defaults()

	dialer := opts.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = opts.HandshakeTimeout
		dialer = &d
	}

	return &Manager{
		opts:     opts,
		dialer:   dialer,
		logger:   logging.OrNop(opts.Logger).Named("connection"),
		state:    StateIdle,
		schedule: newReconnectSchedule(opts.ReconnectBaseDelay, opts.MaxReconnectAttempts),
	}, nil
}

// Endpoint builds the chat URL for conversationID. The token travels as a
// query parameter.
func Endpoint(baseURL, conversationID, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base URL %q has no host", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/chat/" + url.PathEscape(conversationID) + "/"
	u.RawPath = ""
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// Connect opens the connection for conversationID. A call made while another
// connect is in flight is a no-op. Connecting again to the conversation that is
// already open is also a no-op; any other target replaces the current link.
//
// A failed dial is returned and also counts as an abnormal closure, so the
// reconnection schedule keeps trying in the background.
func (m *Manager) Connect(ctx context.Context, conversationID, token string, h Handlers) error {
	if conversationID == "" || token == "" {
		return ErrMissingTarget
	}

	m.mu.Lock()
	if m.connecting {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateOpen && m.conversationID == conversationID && m.token == token {
		m.handlers = h
		m.mu.Unlock()
		return nil
	}

	old := m.detachLocked()
	m.gen++
	gen := m.gen
	m.conversationID = conversationID
	m.token = token
	m.handlers = h
	m.schedule.reset()
	m.connecting = true
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if old != nil {
		m.closeConn(old, websocket.CloseNormalClosure, "Client reconnect")
	}
	return m.dial(ctx, gen)
}

// dial performs one connection attempt for generation gen. The caller has set
// m.connecting.
func (m *Manager) dial(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil
	}
	conversationID := m.conversationID
	target, err := Endpoint(m.opts.BaseURL, conversationID, m.token)
	m.mu.Unlock()
	if err != nil {
		m.finishFailedDial(gen, err)
		return err
	}

	m.logger.Info("Connecting to conversation", zap.String("conversation_id", conversationID))

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	conn, resp, err := m.dialer.DialContext(dialCtx, target, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial conversation %s: %w (status %d)", conversationID, err, resp.StatusCode)
		} else {
			err = fmt.Errorf("dial conversation %s: %w", conversationID, err)
		}
		m.finishFailedDial(gen, err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen {
		// disconnected or replaced while dialing
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.connecting = false
	m.conn = conn
	m.schedule.reset()
	stop := make(chan struct{})
	m.stopPing = stop
	m.setStateLocked(StateOpen)
	h := m.handlers
	m.mu.Unlock()

	metrics.ConnectionOpen.Inc()
	m.logger.Info("Connected to conversation", zap.String("conversation_id", conversationID))

	if h.OnConnect != nil {
		h.OnConnect()
	}

	go m.keepAlive(stop)
	go m.readLoop(gen, conn, stop)
	return nil
}

func (m *Manager) finishFailedDial(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.connecting = false
	m.setStateLocked(StateClosed)
	h := m.handlers
	m.mu.Unlock()

	m.logger.Warn("Connection attempt failed", zap.Error(err))
	if h.OnError != nil {
		h.OnError(err)
	}
	if h.OnDisconnect != nil {
		h.OnDisconnect(websocket.CloseAbnormalClosure, "")
	}
	m.scheduleReconnect(gen)
}

// readLoop processes inbound frames in transport order until the connection ends.
func (m *Manager) readLoop(gen uint64, conn *websocket.Conn, stop chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(gen, conn, stop, err)
			return
		}

		m.mu.Lock()
		current := m.gen == gen
		h := m.handlers
		m.mu.Unlock()
		if !current {
			return
		}
		m.dispatch(h, data)
	}
}

func (m *Manager) dispatch(h Handlers, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		reason := "decode"
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = "unknown"
		}
		metrics.FramesDropped.WithLabelValues(reason).Inc()
		m.logger.Warn("Dropping inbound frame", zap.Error(err))
		return
	}
	metrics.FramesReceived.WithLabelValues(string(frame.FrameType())).Inc()

	switch f := frame.(type) {
	case protocol.Pong:
		return
	case protocol.Typing:
		if f.SenderID != "" {
			if h.OnTyping != nil {
				h.OnTyping(f.SenderID)
			}
			return
		}
	}

	if h.OnMessage != nil {
		h.OnMessage(frame)
	}
}

func (m *Manager) handleClose(gen uint64, conn *websocket.Conn, stop chan struct{}, err error) {
	code, reason := websocket.CloseAbnormalClosure, ""
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code, reason = closeErr.Code, closeErr.Text
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	if m.stopPing == stop {
		close(stop)
		m.stopPing = nil
	}
	m.conn = nil
	normal := code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway
	if normal {
		m.setStateLocked(StateIdle)
	} else {
		m.setStateLocked(StateClosed)
	}
	conversationID := m.conversationID
	h := m.handlers
	m.mu.Unlock()

	conn.Close()
	metrics.ConnectionOpen.Dec()

	m.logger.Info("Connection closed",
		zap.String("conversation_id", conversationID),
		zap.Int("close_code", code),
		zap.String("reason", reason))

	if closeErr == nil && h.OnError != nil {
		h.OnError(err)
	}
	if h.OnDisconnect != nil {
		h.OnDisconnect(code, reason)
	}
	if !normal {
		m.scheduleReconnect(gen)
	}
}

func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gen != gen {
		return
	}
	delay, attempt, ok := m.schedule.next()
	if !ok {
		metrics.ReconnectExhausted.Inc()
		m.logger.Warn("Max reconnection attempts reached",
			zap.String("conversation_id", m.conversationID),
			zap.Int("attempt", attempt))
		return
	}

	metrics.ReconnectAttempts.Inc()
	m.logger.Info("Scheduling reconnect",
		zap.String("conversation_id", m.conversationID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.gen != gen || m.connecting {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		m.connecting = true
		m.setStateLocked(StateConnecting)
		m.mu.Unlock()

		_ = m.dial(context.Background(), gen)
	})
}

func (m *Manager) keepAlive(stop chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.write(protocol.SendPing{}); err != nil {
				m.logger.Debug("Keep-alive ping failed", zap.Error(err))
			}
		}
	}
}

// Send writes a chat message. It reports whether the frame was handed to an
// open connection.
func (m *Manager) Send(message string, mentions []string) bool {
	if err := m.write(protocol.SendChat{Message: message, Mentions: mentions}); err != nil {
		m.logger.Debug("Chat message not sent", zap.Error(err))
		return false
	}
	return true
}

// SendTyping announces local typing activity. It is silently dropped when the
// connection is not open.
func (m *Manager) SendTyping() {
	if err := m.write(protocol.SendTyping{}); err != nil && !errors.Is(err, ErrNotConnected) {
		m.logger.Debug("Typing signal not sent", zap.Error(err))
	}
}

func (m *Manager) write(cmd protocol.Command) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()
	if conn == nil || !open {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(m.opts.WriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the connection with a normal closure and forgets the
// conversation, token, handlers and reconnection progress. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	conn := m.detachLocked()
	conversationID := m.conversationID
	m.conversationID = ""
	m.token = ""
	m.handlers = Handlers{}
	m.schedule.reset()
	m.connecting = false
	if conn != nil {
		m.setStateLocked(StateClosing)
	} else {
		m.setStateLocked(StateIdle)
	}
	gen := m.gen
	m.mu.Unlock()

	if conn == nil {
		return
	}

	m.closeConn(conn, websocket.CloseNormalClosure, "Client disconnect")
	m.logger.Info("Disconnected from conversation", zap.String("conversation_id", conversationID))

	m.mu.Lock()
	if m.gen == gen {
		m.setStateLocked(StateIdle)
	}
	m.mu.Unlock()
}

// detachLocked stops the timers of the current link and hands back its
// connection, if any, for the caller to close.
func (m *Manager) detachLocked() *websocket.Conn {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.stopPing != nil {
		close(m.stopPing)
		m.stopPing = nil
	}
	conn := m.conn
	m.conn = nil
	if conn != nil {
		metrics.ConnectionOpen.Dec()
	}
	return conn
}

func (m *Manager) closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.opts.WriteWait)); err != nil {
		m.logger.Debug("Close frame not sent", zap.Error(err))
	}
	conn.Close()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("Connection state changed", zap.String("from", string(m.state)), zap.String("to", string(s)))
	m.state = s
}

// IsConnected reports whether the connection is open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOpen
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConversationID returns the conversation the manager is bound to, if any.
func (m *Manager) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}
