package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/ticketchat/internal/metrics"
	"github.com/kubilitics/ticketchat/internal/protocol"
)

type outbound struct {
	room   string
	data   []byte
	except *Client
	only   *Client
	kind   protocol.Type
}

// Hub maintains the clients of every ticket room and fans frames out to them.
type Hub struct {
	// Registered clients per room
	rooms map[string]map[*Client]bool

	// Frames to fan out
	broadcast chan outbound

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	mu     sync.RWMutex
	logger *zap.Logger

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a hub. Run must be started before clients register.
func NewHub(ctx context.Context, logger *zap.Logger) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		ctx:        hubCtx,
		cancel:     cancel,
	}
}

// Run processes registrations and broadcasts until the hub stops.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			members, ok := h.rooms[client.room]
			if !ok {
				members = make(map[*Client]bool)
				h.rooms[client.room] = members
			}
			members[client] = true
			h.mu.Unlock()
			metrics.RelayConnections.Inc()

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client, websocket.CloseGoingAway)
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.rooms[msg.room] {
				if client == msg.except || (msg.only != nil && client != msg.only) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Client buffer full, drop it
					h.logger.Warn("Dropping slow client", zap.String("client_id", client.id), zap.String("ticket_id", client.room))
					h.evictLocked(client)
				}
			}
			h.mu.Unlock()
			if msg.only == nil {
				metrics.RelayBroadcasts.WithLabelValues(string(msg.kind)).Inc()
			}
		}
	}
}

// evictLocked drops a client the relay gave up on. The peer sees a
// try-again-later closure so it reconnects.
func (h *Hub) evictLocked(client *Client) {
	h.removeLocked(client, websocket.CloseTryAgainLater)
}

// removeLocked detaches client and closes its send channel. writePump sends
// closeCode to the peer.
func (h *Hub) removeLocked(client *Client, closeCode int) {
	members := h.rooms[client.room]
	if _, ok := members[client]; !ok {
		return
	}
	delete(members, client)
	client.closeCode = closeCode
	close(client.send)
	if len(members) == 0 {
		delete(h.rooms, client.room)
	}
	metrics.RelayConnections.Dec()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, members := range h.rooms {
		for client := range members {
			h.removeLocked(client, websocket.CloseGoingAway)
		}
	}
}

// Register adds client to its room. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes client from its room and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Stop stops the hub and closes every client.
func (h *Hub) Stop() {
	h.cancel()
}

// Broadcast fans f out to every member of room except the given client, which may be nil.
func (h *Hub) Broadcast(room string, f protocol.Frame, except *Client) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.FrameType(), err)
	}
	if err := h.ctx.Err(); err != nil {
		return err
	}

	select {
	case h.broadcast <- outbound{room: room, data: data, except: except, kind: f.FrameType()}:
		return nil
	case <-h.ctx.Done():
		return h.ctx.Err()
	}
}

// SendTo queues f for client alone.
func (h *Hub) SendTo(client *Client, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.FrameType(), err)
	}
	if err := h.ctx.Err(); err != nil {
		return err
	}

	select {
	case h.broadcast <- outbound{room: client.room, data: data, only: client, kind: f.FrameType()}:
		return nil
	case <-h.ctx.Done():
		return h.ctx.Err()
	}
}

// ClientCount returns the number of clients in room.
func (h *Hub) ClientCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
