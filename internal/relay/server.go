// Package relay is a development chat service. It hosts per-ticket WebSocket
// rooms speaking the chat protocol, the ticket comment endpoints and a file
// upload endpoint, so the client can run end to end without the production
// services.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/ticketchat/internal/identity"
	"github.com/kubilitics/ticketchat/internal/logging"
	"github.com/kubilitics/ticketchat/internal/models"
	"github.com/kubilitics/ticketchat/internal/protocol"
	"github.com/kubilitics/ticketchat/internal/tracing"
)

const defaultMaxUploadSize = 10 << 20

// ErrUnauthorized is returned for missing or invalid access tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Config configures a Server.
type Config struct {
	// JWTSecret verifies HS256 tokens. When empty, tokens are decoded without
	// verification.
	JWTSecret string

	// AllowedOrigins lists browser origins allowed for CORS and WebSocket
	// upgrades. "*" allows any origin. Requests without an Origin header are
	// always accepted. SetAllowedOrigins replaces the list at runtime.
	AllowedOrigins []string

	MaxUploadSize int64

	// TracerProvider receives request spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider

	Logger *zap.Logger
}

// Server is the relay. Create it with NewServer and release it with Close.
type Server struct {
	cfg      Config
	hub      *Hub
	comments *CommentLog
	files    *FileStore
	logger   *zap.Logger
	upgrader websocket.Upgrader

	originsMu sync.RWMutex
	origins   []string
}

// NewServer creates a relay and starts its hub.
func NewServer(ctx context.Context, cfg Config) *Server {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = defaultMaxUploadSize
	}
	logger := logging.OrNop(cfg.Logger).Named("relay")

	s := &Server{
		cfg:      cfg,
		hub:      NewHub(ctx, logger),
		comments: NewCommentLog(),
		files:    NewFileStore(),
		logger:   logger,
		origins:  append([]string(nil), cfg.AllowedOrigins...),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	go s.hub.Run()
	return s
}

// Close disconnects every client with a going-away closure.
func (s *Server) Close() {
	s.hub.Stop()
}

// Comments exposes the comment log.
func (s *Server) Comments() *CommentLog {
	return s.comments
}

// Hub exposes the room hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler serving every relay route.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	// Health check
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "ticketchat-relay"})
	}).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// WebSocket route
	router.HandleFunc("/ws/chat/{ticket_id}/", s.serveWS).Methods(http.MethodGet)

	// Ticket comments
	router.HandleFunc("/api/tickets/{ticket_id}/comments/", s.listComments).Methods(http.MethodGet)
	router.HandleFunc("/api/tickets/{ticket_id}/comments/", s.addComment).Methods(http.MethodPost)

	// Files
	router.HandleFunc("/api/v1/files/upload", s.uploadFile).Methods(http.MethodPost)
	router.HandleFunc("/files/{file_id}/{filename}", s.serveFile).Methods(http.MethodGet)

	router.Use(s.loggingMiddleware)

	c := cors.New(cors.Options{
		AllowOriginFunc:  s.originAllowed,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return tracing.Middleware(c.Handler(router), s.cfg.TracerProvider)
}

// ListenAndServe serves the relay on addr until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Relay listening",
			zap.String("address", addr),
			zap.String("websocket", "/ws/chat/{ticket_id}/"),
			zap.String("comments", "/api/tickets/{ticket_id}/comments/"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("relay server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down relay")
	s.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.originAllowed(origin)
}

func (s *Server) originAllowed(origin string) bool {
	s.originsMu.RLock()
	defer s.originsMu.RUnlock()
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// SetAllowedOrigins replaces the origins accepted for CORS and WebSocket
// upgrades. It applies to requests that arrive afterwards.
func (s *Server) SetAllowedOrigins(origins []string) {
	s.originsMu.Lock()
	s.origins = append([]string(nil), origins...)
	s.originsMu.Unlock()
	s.logger.Info("Allowed origins updated", zap.Strings("origins", origins))
}

// authenticate resolves the participant behind an access token.
func (s *Server) authenticate(token string) (models.Participant, error) {
	var (
		claims *identity.Claims
		err    error
	)
	if s.cfg.JWTSecret != "" {
		claims, err = identity.Validate(s.cfg.JWTSecret, token)
	} else {
		claims, err = identity.ParseUnverified(token)
	}
	if err != nil {
		return models.Participant{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	p := claims.Participant()
	if !p.Valid() {
		return models.Participant{}, fmt.Errorf("%w: token carries no user id", ErrUnauthorized)
	}
	return p, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// serveWS upgrades a ticket room connection. The token travels in the query string.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ticketID := mux.Vars(r)["ticket_id"]
	participant, err := s.authenticate(r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Warn("WebSocket rejected", zap.String("ticket_id", ticketID), zap.Error(err))
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	client := newClient(s, conn, uuid.NewString(), ticketID, participant)
	if !s.hub.Register(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closing"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	client.logger.Info("Client joined room")
}

// handleMessage processes one frame from c.
func (s *Server) handleMessage(c *Client, data []byte) {
	cmd, err := protocol.DecodeCommand(data)
	if err != nil {
		c.logger.Warn("Ignoring invalid frame", zap.Error(err))
		return
	}

	switch v := cmd.(type) {
	case protocol.SendChat:
		if strings.TrimSpace(v.Message) == "" {
			c.logger.Debug("Ignoring empty message")
			return
		}
		comment := s.comments.Append(c.room, c.participant, v.Message)
		frame := chatFrame(comment, v.Mentions)
		if err := s.hub.Broadcast(c.room, frame, nil); err != nil {
			c.logger.Warn("Broadcast failed", zap.Error(err))
		}
	case protocol.SendTyping:
		if err := s.hub.Broadcast(c.room, protocol.Typing{SenderID: c.participant.ID}, c); err != nil {
			c.logger.Debug("Typing broadcast failed", zap.Error(err))
		}
	case protocol.SendPing:
		if err := s.hub.SendTo(c, protocol.Pong{}); err != nil {
			c.logger.Debug("Pong failed", zap.Error(err))
		}
	}
}

func chatFrame(c models.Comment, mentions []string) protocol.ChatMessage {
	if mentions == nil {
		mentions = []string{}
	}
	return protocol.ChatMessage{
		ID:           c.ID,
		TicketID:     c.TicketID,
		SenderID:     c.UserID,
		SenderName:   c.UserName,
		SenderRole:   c.UserRole,
		EmployeeCode: c.EmployeeCode,
		Message:      c.Content,
		Mentions:     mentions,
		CreatedAt:    c.Timestamp,
	}
}

func (s *Server) listComments(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(bearerToken(r)); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.comments.List(mux.Vars(r)["ticket_id"]))
}

func (s *Server) addComment(w http.ResponseWriter, r *http.Request) {
	participant, err := s.authenticate(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessageSize)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	ticketID := mux.Vars(r)["ticket_id"]
	comment := s.comments.Append(ticketID, participant, body.Content)
	if err := s.hub.Broadcast(ticketID, chatFrame(comment, nil), nil); err != nil {
		s.logger.Warn("Broadcast failed", zap.String("ticket_id", ticketID), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
