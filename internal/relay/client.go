package relay

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/ticketchat/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Client is one WebSocket connection attached to a ticket room.
type Client struct {
	conn *websocket.Conn

	// Buffered channel of outbound frames
	send chan []byte

	// Close code sent once the hub closes send. Written before the close.
	closeCode int

	server *Server

	id          string
	room        string
	participant models.Participant
	logger      *zap.Logger
}

func newClient(s *Server, conn *websocket.Conn, id, room string, p models.Participant) *Client {
	return &Client{
		conn:        conn,
		send:        make(chan []byte, 256),
		server:      s,
		id:          id,
		room:        room,
		participant: p,
		logger: s.logger.With(
			zap.String("client_id", id),
			zap.String("ticket_id", room),
			zap.String("participant_id", p.ID)),
	}
}

// readPump hands inbound frames to the server until the connection ends.
func (c *Client) readPump() {
	defer func() {
		c.server.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.server.handleMessage(c, message)
	}
}

// writePump writes queued frames, one WebSocket message per frame, and pings
// the peer periodically.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(c.closeCode, closeReason(c.closeCode)))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeReason(code int) string {
	if code == websocket.CloseTryAgainLater {
		return "client too slow"
	}
	return "relay closing"
}
