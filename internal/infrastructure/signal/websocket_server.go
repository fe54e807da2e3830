package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/internal/core/services"
	apperrors "meetrelay/pkg/errors"
	rlog "meetrelay/pkg/logger"
	"meetrelay/pkg/protocol"
	"meetrelay/pkg/tracing"
	"meetrelay/pkg/utils"
	"meetrelay/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Options struct {
	PongWait        time.Duration
	WriteWait       time.Duration
	SendBuffer      int
	MaxMessageBytes int64

	// MessagesPerSecond <= 0 disables per-connection rate limiting.
	MessagesPerSecond float64
	Burst             int

	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		SendBuffer:      256,
		MaxMessageBytes: 64 * 1024,
		AllowedOrigins:  []string{"*"},
	}
}

// WebSocketServer is the server side signaling transport. Each connection
// is read by one goroutine, so a participant's frames are handled in order,
// and written by one pump draining a buffered queue.
type WebSocketServer struct {
	broadcaster *services.Broadcaster
	relay       *services.Relay
	metrics     ports.ConnectionMetrics

	upgrader websocket.Upgrader
	opts     Options

	connections map[domain.ParticipantID]*client
	mu          sync.RWMutex

	logger *zap.SugaredLogger
	ctxLog *rlog.ContextLogger
}

type client struct {
	id      domain.ParticipantID
	conn    *websocket.Conn
	send    chan *protocol.Message
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	// owned by the read goroutine. name is unescaped.
	roomID domain.RoomID
	name   string
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// NewWebSocketServer builds the transport. Bind must be called before the
// first connection is accepted.
func NewWebSocketServer(metrics ports.ConnectionMetrics, opts Options, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		metrics:     metrics,
		opts:        opts,
		connections: make(map[domain.ParticipantID]*client),
		logger:      logger,
		ctxLog:      rlog.NewContextLogger(logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Bind attaches the services that consume inbound frames. Both use the
// server as their transport.
func (s *WebSocketServer) Bind(broadcaster *services.Broadcaster, relay *services.Relay) {
	s.broadcaster = broadcaster
	s.relay = relay
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	limit := rate.Inf
	if s.opts.MessagesPerSecond > 0 {
		limit = rate.Limit(s.opts.MessagesPerSecond)
	}
	c := &client{
		id:      domain.ParticipantID(utils.GenerateParticipantID()),
		conn:    conn,
		send:    make(chan *protocol.Message, s.opts.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, s.opts.Burst),
	}

	s.mu.Lock()
	s.connections[c.id] = c
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	s.logger.Infow("participant connected", "participant_id", c.id, "remote_addr", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)
}

func (s *WebSocketServer) readPump(c *client) {
	defer s.disconnect(c)

	c.conn.SetReadLimit(s.opts.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message from participant", "participant_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		if !c.limiter.Allow() {
			s.sendError(c, apperrors.NewRateLimitError())
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(c, apperrors.NewInvalidInputError("malformed frame"))
			continue
		}

		ctx := rlog.WithParticipantID(context.Background(), c.id)
		if c.roomID != "" {
			ctx = rlog.WithRoomID(ctx, c.roomID)
		}
		ctx, span := tracing.TraceWebSocketMessage(ctx, msg.Type, string(c.id))
		if err := s.handleMessage(ctx, c, &msg); err != nil {
			tracing.RecordError(ctx, err)
			s.ctxLog.For(ctx).Infow("error handling message", "type", msg.Type, "error", err)
			s.sendError(c, err)
		}
		span.End()
	}
}

func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				s.logger.Debugw("write failed", "participant_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (s *WebSocketServer) disconnect(c *client) {
	s.mu.Lock()
	if s.connections[c.id] == c {
		delete(s.connections, c.id)
	}
	s.mu.Unlock()
	c.close()

	if c.roomID != "" {
		if _, err := s.broadcaster.Leave(context.Background(), c.roomID, c.id); err != nil {
			s.logger.Infow("error leaving room on disconnect", "participant_id", c.id, "room_id", c.roomID, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.ConnectionClosed()
	}
	s.logger.Infow("participant disconnected", "participant_id", c.id)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *client, msg *protocol.Message) error {
	if msg.Type == "" {
		return apperrors.NewInvalidInputError("message type is required")
	}

	switch msg.Type {
	case protocol.TypeJoinRoom:
		return s.handleJoinRoom(ctx, c, msg)
	case protocol.TypeLeaveRoom:
		return s.handleLeaveRoom(ctx, c)
	case protocol.TypeSignal:
		return s.handleSignal(ctx, c, msg)
	case protocol.TypeChatMessage:
		return s.handleChat(ctx, c, msg)
	}

	if kind, implied, _, ok := protocol.MediaStateTypes(msg.Type); ok {
		return s.handleMediaState(ctx, c, msg, kind, implied)
	}
	return apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", msg.Type))
}

func (s *WebSocketServer) handleJoinRoom(ctx context.Context, c *client, msg *protocol.Message) error {
	var payload protocol.JoinRoomPayload
	if err := msg.Decode(&payload); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	}

	if err := validation.ValidateRoomID(string(payload.RoomID)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if payload.ParticipantID != "" && payload.ParticipantID != c.id {
		return apperrors.NewInvalidInputError(fmt.Sprintf("participant_id mismatch: expected %s, got %s", c.id, payload.ParticipantID))
	}
	if c.roomID != "" && c.roomID != payload.RoomID {
		return fmt.Errorf("already in room %s: %w", c.roomID, domain.ErrAlreadyInRoom)
	}

	res, err := s.broadcaster.Join(ctx, payload.RoomID, c.id, payload.DisplayName)
	if err != nil {
		return err
	}
	if !res.AlreadyPresent {
		c.name = payload.DisplayName
	}
	c.roomID = payload.RoomID
	return nil
}

func (s *WebSocketServer) handleLeaveRoom(ctx context.Context, c *client) error {
	if c.roomID == "" {
		return domain.ErrNotInRoom
	}
	if _, err := s.broadcaster.Leave(ctx, c.roomID, c.id); err != nil {
		return err
	}
	c.roomID = ""
	c.name = ""
	return nil
}

func (s *WebSocketServer) handleSignal(ctx context.Context, c *client, msg *protocol.Message) error {
	if c.roomID == "" {
		return domain.ErrNotInRoom
	}
	var payload protocol.SignalOutPayload
	if err := msg.Decode(&payload); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	}
	if payload.Target == "" {
		return apperrors.NewInvalidInputError("signal target is required")
	}
	return s.relay.Route(ctx, c.roomID, c.id, payload.Target, payload.Signal)
}

func (s *WebSocketServer) handleChat(ctx context.Context, c *client, msg *protocol.Message) error {
	if c.roomID == "" {
		return domain.ErrNotInRoom
	}
	var payload protocol.ChatOutPayload
	if err := msg.Decode(&payload); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	}
	name := payload.DisplayName
	if strings.TrimSpace(name) == "" {
		name = c.name
	}
	_, err := s.broadcaster.Chat(ctx, c.roomID, c.id, name, payload.Text)
	return err
}

func (s *WebSocketServer) handleMediaState(ctx context.Context, c *client, msg *protocol.Message, kind domain.MediaKind, implied *bool) error {
	if c.roomID == "" {
		return domain.ErrNotInRoom
	}
	var enabled bool
	if implied != nil {
		enabled = *implied
	} else {
		var payload protocol.MediaStatePayload
		if err := msg.Decode(&payload); err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
		}
		enabled = payload.Enabled
	}
	return s.broadcaster.SetMediaState(ctx, c.roomID, c.id, kind, enabled)
}

// Send enqueues msg for id without blocking. A connection whose queue is
// full is closed as a slow consumer.
func (s *WebSocketServer) Send(id domain.ParticipantID, msg *protocol.Message) bool {
	s.mu.RLock()
	c, ok := s.connections[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return s.enqueue(c, msg)
}

func (s *WebSocketServer) enqueue(c *client, msg *protocol.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		s.logger.Warnw("send queue full, dropping slow participant", "participant_id", c.id)
		c.close()
		return false
	}
}

func (s *WebSocketServer) sendError(c *client, err error) {
	appErr := toAppError(err)
	msg, encErr := protocol.New(protocol.TypeError, protocol.ErrorPayload{
		Code:    string(appErr.Code),
		Message: appErr.Message,
	})
	if encErr != nil {
		return
	}
	s.enqueue(c, msg)
}

func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case errors.Is(err, domain.ErrRoomNotFound), errors.Is(err, domain.ErrParticipantNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrNotInRoom):
		return apperrors.WrapError(err, apperrors.ErrCodeForbidden, err.Error(), http.StatusForbidden)
	case errors.Is(err, domain.ErrAlreadyInRoom):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrMalformedSignal):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	}
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
}

func (s *WebSocketServer) IsConnected(id domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connections[id]
	return ok
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// CloseAll closes every connection; their read loops then leave rooms as on
// a regular disconnect.
func (s *WebSocketServer) CloseAll() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.connections))
	for _, c := range s.connections {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
