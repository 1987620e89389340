package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"coaching-chat/internal/domain"
	"coaching-chat/internal/service"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageCreator is the part of the message service the gateway drives.
type MessageCreator interface {
	Create(ctx context.Context, in service.CreateMessageInput) (*domain.Message, error)
	MarkAsRead(ctx context.Context, id uuid.UUID, viewerID string, desired *bool) (*domain.Message, error)
}

type ConversationAccess interface {
	FindOne(ctx context.Context, id uuid.UUID, viewerID string, role domain.Role) (*domain.ConversationView, error)
}

// PresenceStore mirrors ephemeral gateway state outside the process.
type PresenceStore interface {
	AddUserToSession(ctx context.Context, sessionID, userID string, role domain.Role) error
	RemoveUserFromSession(ctx context.Context, sessionID, userID string) error
	GetSessionUsers(ctx context.Context, sessionID string) (map[string]interface{}, error)
	SetUserTyping(ctx context.Context, conversationID, userID string, isTyping bool, ttl time.Duration) error
	GetTypingUsers(ctx context.Context, conversationID string) ([]string, error)
	SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error
	GetPresence(ctx context.Context, userID string) (*domain.UserStatusEvent, error)
}

type socket interface {
	WriteJSON(v interface{}) error
	Close() error
}

const (
	sessionRoomPrefix = "session-"
	userRoomPrefix    = "user-"
)

func SessionRoom(sessionID string) string { return sessionRoomPrefix + sessionID }

func UserRoom(userID string) string { return userRoomPrefix + userID }

type WSConnection struct {
	ID       string
	Conn     socket
	UserID   string
	Role     domain.Role
	rooms    map[string]struct{} // guarded by WSManager.mutex
	writeMux sync.Mutex
}

type WSManager struct {
	messages      MessageCreator
	conversations ConversationAccess
	presence      PresenceStore
	publisher     service.EventPublisher
	typingTTL     time.Duration

	// connections by transport id, room members by room name then transport id
	connections map[string]*WSConnection
	rooms       map[string]map[string]*WSConnection
	mutex       sync.RWMutex
}

func NewWSManager(messages MessageCreator, conversations ConversationAccess, presence PresenceStore, publisher service.EventPublisher, typingTTL time.Duration) *WSManager {
	return &WSManager{
		messages:      messages,
		conversations: conversations,
		presence:      presence,
		publisher:     publisher,
		typingTTL:     typingTTL,
		connections:   make(map[string]*WSConnection),
		rooms:         make(map[string]map[string]*WSConnection),
	}
}

// HandleConnection runs one websocket connection until the peer goes away.
func (w *WSManager) HandleConnection(c *websocket.Conn, identity domain.Identity) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := w.Register(ctx, c, identity)
	defer w.Disconnect(ctx, conn)

	w.sendWelcomeMessage(conn)

	for {
		var msg domain.WebSocketMessage
		if err := c.ReadJSON(&msg); err != nil {
			zap.S().Debugf("WebSocket read error for user %s: %v", identity.UserID, err)
			break
		}
		w.HandleIncomingMessage(ctx, conn, &msg)
	}

	zap.S().Infof("WebSocket client disconnected: %s (%s) conn %s", identity.UserID, identity.Role, conn.ID)
}

// Register adds a connected socket to the connection table and its user room.
func (w *WSManager) Register(ctx context.Context, c socket, identity domain.Identity) *WSConnection {
	conn := &WSConnection{
		ID:     uuid.NewString(),
		Conn:   c,
		UserID: identity.UserID,
		Role:   identity.Role,
		rooms:  make(map[string]struct{}),
	}

	w.mutex.Lock()
	w.connections[conn.ID] = conn
	w.joinRoomLocked(conn, UserRoom(conn.UserID))
	firstForUser := len(w.rooms[UserRoom(conn.UserID)]) == 1
	total := len(w.connections)
	w.mutex.Unlock()

	zap.S().Infof("Added connection %s for %s (%s). Total connections: %d", conn.ID, conn.UserID, conn.Role, total)

	if firstForUser {
		w.announcePresence(ctx, conn.UserID, true)
	}
	return conn
}

// Disconnect drops the connection from the table and every room. Calling it
// again for the same connection does nothing.
func (w *WSManager) Disconnect(ctx context.Context, conn *WSConnection) {
	w.mutex.Lock()
	if _, exists := w.connections[conn.ID]; !exists {
		w.mutex.Unlock()
		return
	}
	delete(w.connections, conn.ID)

	var sessions []string
	for room := range conn.rooms {
		w.leaveRoomLocked(conn, room)
		if len(room) > len(sessionRoomPrefix) && room[:len(sessionRoomPrefix)] == sessionRoomPrefix {
			sessions = append(sessions, room[len(sessionRoomPrefix):])
		}
	}
	lastForUser := len(w.rooms[UserRoom(conn.UserID)]) == 0
	w.mutex.Unlock()

	_ = conn.Conn.Close()

	for _, sessionID := range sessions {
		if err := w.presence.RemoveUserFromSession(ctx, sessionID, conn.UserID); err != nil {
			zap.S().Warnf("Failed to remove user from Redis session: %v", err)
		}
		w.publishSessionEvent(ctx, conn, sessionID, domain.SessionActionLeave)
	}
	if lastForUser {
		w.announcePresence(ctx, conn.UserID, false)
	}
	zap.S().Infof("Removed connection %s for %s", conn.ID, conn.UserID)
}

func (w *WSManager) joinRoomLocked(conn *WSConnection, room string) {
	members, exists := w.rooms[room]
	if !exists {
		members = make(map[string]*WSConnection)
		w.rooms[room] = members
	}
	members[conn.ID] = conn
	conn.rooms[room] = struct{}{}
}

func (w *WSManager) leaveRoomLocked(conn *WSConnection, room string) {
	delete(conn.rooms, room)
	members, exists := w.rooms[room]
	if !exists {
		return
	}
	delete(members, conn.ID)
	if len(members) == 0 {
		delete(w.rooms, room)
	}
}

func (w *WSManager) JoinSession(ctx context.Context, conn *WSConnection, sessionID string) {
	w.mutex.Lock()
	if _, live := w.connections[conn.ID]; live {
		w.joinRoomLocked(conn, SessionRoom(sessionID))
	}
	w.mutex.Unlock()

	if err := w.presence.AddUserToSession(ctx, sessionID, conn.UserID, conn.Role); err != nil {
		zap.S().Warnf("Failed to add user to Redis session: %v", err)
	}
	w.publishSessionEvent(ctx, conn, sessionID, domain.SessionActionJoin)
}

// LeaveSession is a no-op for rooms the connection never joined.
func (w *WSManager) LeaveSession(ctx context.Context, conn *WSConnection, sessionID string) {
	room := SessionRoom(sessionID)
	w.mutex.Lock()
	_, joined := conn.rooms[room]
	if joined {
		w.leaveRoomLocked(conn, room)
	}
	w.mutex.Unlock()

	if !joined {
		return
	}
	if err := w.presence.RemoveUserFromSession(ctx, sessionID, conn.UserID); err != nil {
		zap.S().Warnf("Failed to remove user from Redis session: %v", err)
	}
	w.publishSessionEvent(ctx, conn, sessionID, domain.SessionActionLeave)
}

func (w *WSManager) publishSessionEvent(ctx context.Context, conn *WSConnection, sessionID, action string) {
	service.Publish(ctx, w.publisher, domain.SessionConnectionEvent{
		SessionID: sessionID,
		UserID:    conn.UserID,
		UserType:  conn.Role,
		Action:    action,
		Timestamp: time.Now().UTC(),
	})
}

func (w *WSManager) HandleIncomingMessage(ctx context.Context, conn *WSConnection, msg *domain.WebSocketMessage) {
	switch msg.Type {
	case domain.EventJoinSession:
		var req domain.JoinSessionRequest
		if err := decodePayload(msg.Data, &req); err != nil {
			w.sendError(conn, msg.RequestID, err)
			return
		}
		w.JoinSession(ctx, conn, req.SessionID)
		w.reply(conn, domain.WebSocketResponse{
			Type:      domain.EventSessionJoined,
			Success:   true,
			RequestID: msg.RequestID,
			Data: map[string]interface{}{
				"sessionId": req.SessionID,
				"userId":    conn.UserID,
				"role":      conn.Role,
			},
		})

	case domain.EventLeaveSession:
		var req domain.LeaveSessionRequest
		if err := decodePayload(msg.Data, &req); err != nil {
			w.sendError(conn, msg.RequestID, err)
			return
		}
		w.LeaveSession(ctx, conn, req.SessionID)

	case domain.EventSendMessage:
		w.handleSendMessage(ctx, conn, msg)

	case domain.EventTypingStart:
		w.handleTyping(ctx, conn, msg, true)

	case domain.EventTypingStop:
		w.handleTyping(ctx, conn, msg, false)

	case domain.EventMarkRead:
		w.handleMarkRead(ctx, conn, msg)

	case domain.EventPing:
		w.reply(conn, domain.WebSocketResponse{
			Type:      domain.EventPong,
			Success:   true,
			RequestID: msg.RequestID,
			Data:      map[string]interface{}{"timestamp": time.Now().Format(time.RFC3339)},
		})

	default:
		zap.S().Debugf("Unknown message type: %s from user %s", msg.Type, conn.UserID)
		w.sendError(conn, msg.RequestID, fmt.Errorf("unknown message type %q: %w", msg.Type, domain.ErrValidation))
	}
}

func (w *WSManager) handleSendMessage(ctx context.Context, conn *WSConnection, msg *domain.WebSocketMessage) {
	var req domain.SendMessageRequest
	if err := decodePayload(msg.Data, &req); err != nil {
		w.sendError(conn, msg.RequestID, err)
		return
	}

	created, err := w.messages.Create(ctx, service.CreateMessageInput{
		Content:         req.Content,
		ReceiverID:      req.ReceiverID,
		SenderID:        conn.UserID,
		SenderRole:      conn.Role,
		SessionID:       req.SessionID,
		MessageType:     req.MessageType,
		CustomServiceID: req.CustomServiceID,
	})
	if err != nil {
		w.sendError(conn, msg.RequestID, err)
		return
	}

	w.reply(conn, domain.WebSocketResponse{
		Type:      domain.EventMessageSent,
		Success:   true,
		RequestID: msg.RequestID,
		Data:      created,
	})
	w.DeliverMessage(created)
}

// DeliverMessage pushes a stored message to live clients. Session messages go
// to the session room; direct messages go to the receiver's user room.
func (w *WSManager) DeliverMessage(msg *domain.Message) {
	event := domain.WebSocketResponse{Type: domain.EventNewMessage, Success: true, Data: msg}
	if msg.SessionID != nil {
		w.broadcastToRoom(SessionRoom(*msg.SessionID), event)
	} else {
		w.broadcastToRoom(UserRoom(msg.ReceiverID), event)
	}

	sentAt := msg.SentAt
	update := domain.WebSocketResponse{
		Type:    domain.EventConversationUpd,
		Success: true,
		Data:    domain.ConversationUpdatedEvent{ConversationID: msg.ConversationID, LastMessageAt: &sentAt},
	}
	w.broadcastToRoom(UserRoom(msg.SenderID), update)
	w.broadcastToRoom(UserRoom(msg.ReceiverID), update)
}

// DeliverReadReceipt tells the sender that the receiver changed read state.
func (w *WSManager) DeliverReadReceipt(msg *domain.Message) {
	w.broadcastToRoom(UserRoom(msg.SenderID), domain.WebSocketResponse{
		Type:    domain.EventMessageRead,
		Success: true,
		Data:    domain.MessageReadEvent{MessageID: msg.ID, ReadAt: msg.ReadAt},
	})
}

// HandleInboundMessage stores and fans out a message another subsystem
// submitted over the event bus.
func (w *WSManager) HandleInboundMessage(ctx context.Context, in domain.InboundMessage) error {
	created, err := w.messages.Create(ctx, service.CreateMessageInput{
		Content:         in.Content,
		ReceiverID:      in.ReceiverID,
		SenderID:        in.SenderID,
		SenderRole:      in.SenderRole,
		SessionID:       in.SessionID,
		MessageType:     in.MessageType,
		CustomServiceID: in.CustomServiceID,
	})
	if err != nil {
		return err
	}
	w.DeliverMessage(created)
	return nil
}

func (w *WSManager) handleTyping(ctx context.Context, conn *WSConnection, msg *domain.WebSocketMessage, isTyping bool) {
	var req domain.TypingRequest
	if err := decodePayload(msg.Data, &req); err != nil {
		w.sendError(conn, msg.RequestID, err)
		return
	}
	convID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		w.sendError(conn, msg.RequestID, fmt.Errorf("invalid conversation id: %w", domain.ErrValidation))
		return
	}
	conv, err := w.conversations.FindOne(ctx, convID, conn.UserID, conn.Role)
	if err != nil {
		w.sendError(conn, msg.RequestID, err)
		return
	}
	peer := conv.PeerOf(conn.UserID)
	if peer == "" {
		w.sendError(conn, msg.RequestID, fmt.Errorf("not a participant: %w", domain.ErrForbidden))
		return
	}

	if err := w.presence.SetUserTyping(ctx, req.ConversationID, conn.UserID, isTyping, w.typingTTL); err != nil {
		zap.S().Warnf("Failed to set typing status in Redis: %v", err)
	}

	eventType := domain.EventTypingStop
	if isTyping {
		eventType = domain.EventTypingStart
	}
	w.broadcastToRoom(UserRoom(peer), domain.WebSocketResponse{
		Type:    eventType,
		Success: true,
		Data:    domain.TypingEvent{UserID: conn.UserID, ConversationID: req.ConversationID},
	})
}

func (w *WSManager) handleMarkRead(ctx context.Context, conn *WSConnection, msg *domain.WebSocketMessage) {
	var req domain.MarkReadRequest
	if err := decodePayload(msg.Data, &req); err != nil {
		w.sendError(conn, msg.RequestID, err)
		return
	}
	id, err := uuid.Parse(req.MessageID)
	if err != nil {
		w.sendError(conn, msg.RequestID, fmt.Errorf("invalid message id: %w", domain.ErrValidation))
		return
	}
	updated, err := w.messages.MarkAsRead(ctx, id, conn.UserID, req.IsRead)
	if err != nil {
		w.sendError(conn, msg.RequestID, err)
		return
	}

	receipt := domain.MessageReadEvent{MessageID: updated.ID, ReadAt: updated.ReadAt}
	w.reply(conn, domain.WebSocketResponse{Type: domain.EventMessageRead, Success: true, RequestID: msg.RequestID, Data: receipt})
	w.DeliverReadReceipt(updated)
}

func (w *WSManager) announcePresence(ctx context.Context, userID string, online bool) {
	now := time.Now().UTC()
	if err := w.presence.SetPresence(ctx, userID, online, now); err != nil {
		zap.S().Warnf("Failed to store presence for %s: %v", userID, err)
	}

	presenceType := domain.EventUserOffline
	status := domain.UserStatusEvent{UserID: userID, IsOnline: online}
	if online {
		presenceType = domain.EventUserOnline
	} else {
		status.LastSeen = &now
	}

	w.broadcastAll(domain.WebSocketResponse{Type: presenceType, Success: true, Data: domain.UserPresenceEvent{UserID: userID}})
	w.broadcastAll(domain.WebSocketResponse{Type: domain.EventUserStatusChanged, Success: true, Data: status})

	service.Publish(ctx, w.publisher, domain.ConnectionStatusMessage{
		Type:      "connection_status",
		UserID:    userID,
		IsOnline:  online,
		LastSeen:  status.LastSeen,
		Timestamp: now,
	})
}

func (w *WSManager) sendWelcomeMessage(conn *WSConnection) {
	w.reply(conn, domain.WebSocketResponse{
		Type:    domain.EventConnected,
		Success: true,
		Data: map[string]interface{}{
			"connectionId": conn.ID,
			"userId":       conn.UserID,
			"role":         conn.Role,
			"timestamp":    time.Now().Format(time.RFC3339),
		},
	})
}

func (w *WSManager) sendError(conn *WSConnection, requestID string, err error) {
	code := domain.ErrorCode(err)
	message := err.Error()
	if code == "internal" {
		zap.S().Errorf("Live channel request from %s failed: %v", conn.UserID, err)
		message = "internal error"
	}
	w.reply(conn, domain.WebSocketResponse{
		Type:      domain.EventError,
		Success:   false,
		Error:     message,
		Code:      code,
		RequestID: requestID,
	})
}

func (w *WSManager) reply(conn *WSConnection, response domain.WebSocketResponse) {
	if err := conn.safeWriteJSON(response); err != nil {
		zap.S().Debugf("Failed to write %s to %s: %v", response.Type, conn.ID, err)
	}
}

func (w *WSManager) broadcastToRoom(room string, message interface{}) {
	w.mutex.RLock()
	connections := make([]*WSConnection, 0, len(w.rooms[room]))
	for _, conn := range w.rooms[room] {
		connections = append(connections, conn)
	}
	w.mutex.RUnlock()

	w.writeAll(room, connections, message)
}

func (w *WSManager) broadcastAll(message interface{}) {
	w.mutex.RLock()
	connections := make([]*WSConnection, 0, len(w.connections))
	for _, conn := range w.connections {
		connections = append(connections, conn)
	}
	w.mutex.RUnlock()

	w.writeAll("*", connections, message)
}

func (w *WSManager) writeAll(target string, connections []*WSConnection, message interface{}) {
	if len(connections) == 0 {
		return
	}

	var successCount int64
	var wg sync.WaitGroup
	for _, conn := range connections {
		wg.Add(1)
		go func(c *WSConnection) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					zap.S().Errorf("Recovered from panic while broadcasting to %s: %v", c.UserID, r)
				}
			}()

			if err := c.safeWriteJSON(message); err != nil {
				zap.S().Warnf("Failed to send message to client %s: %v", c.UserID, err)
				w.Disconnect(context.Background(), c)
				return
			}
			atomic.AddInt64(&successCount, 1)
		}(conn)
	}
	wg.Wait()

	zap.S().Debugf("Broadcasted to %s: %d/%d clients received", target, atomic.LoadInt64(&successCount), len(connections))
}

// GetActiveConnections returns member counts per room for monitoring.
func (w *WSManager) GetActiveConnections() map[string]int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	result := make(map[string]int, len(w.rooms))
	for room, members := range w.rooms {
		result[room] = len(members)
	}
	return result
}

func (w *WSManager) GetRoomConnectionCount(room string) int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return len(w.rooms[room])
}

func (w *WSManager) ConnectionCount() int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return len(w.connections)
}

// safeWriteJSON serializes writes on one connection.
func (conn *WSConnection) safeWriteJSON(message interface{}) (err error) {
	conn.writeMux.Lock()
	defer conn.writeMux.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write panicked: %v", r)
		}
	}()

	return conn.Conn.WriteJSON(message)
}

func decodePayload(data json.RawMessage, dst interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("missing payload: %w", domain.ErrValidation)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", domain.ErrValidation)
	}
	return validateStruct(dst)
}
