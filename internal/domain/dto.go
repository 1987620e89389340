package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Live-channel event names.
const (
	EventJoinSession       = "join-session"
	EventLeaveSession      = "leave-session"
	EventSendMessage       = "send-message"
	EventNewMessage        = "new-message"
	EventMessageSent       = "message-sent"
	EventTypingStart       = "typing-start"
	EventTypingStop        = "typing-stop"
	EventUserOnline        = "user-online"
	EventUserOffline       = "user-offline"
	EventUserStatusChanged = "user-status-changed"
	EventMarkRead          = "mark-read"
	EventMessageRead       = "message-read"
	EventConversationUpd   = "conversation-updated"
	EventSessionJoined     = "session_joined"
	EventConnected         = "connection_established"
	EventPing              = "ping"
	EventPong              = "pong"
	EventError             = "error"
)

type SendMessageRequest struct {
	Content         string      `json:"content" validate:"required"`
	ReceiverID      string      `json:"receiverId" validate:"required"`
	SessionID       *string     `json:"sessionId,omitempty"`
	MessageType     MessageType `json:"messageType,omitempty"`
	CustomServiceID *string     `json:"customServiceId,omitempty"`
}

type JoinSessionRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	UserID    string `json:"userId"`
	Role      Role   `json:"role"`
}

type LeaveSessionRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type MarkReadRequest struct {
	MessageID string `json:"messageId" validate:"required"`
	IsRead    *bool  `json:"isRead,omitempty"`
}

// WebSocketMessage is the client to server envelope.
type WebSocketMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// WebSocketResponse is the server to client envelope.
type WebSocketResponse struct {
	Type      string      `json:"type"`
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

type TypingEvent struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type UserPresenceEvent struct {
	UserID string `json:"userId"`
}

type UserStatusEvent struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type MessageReadEvent struct {
	MessageID uuid.UUID  `json:"messageId"`
	ReadAt    *time.Time `json:"readAt"`
}

type ConversationUpdatedEvent struct {
	ConversationID uuid.UUID  `json:"conversationId"`
	LastMessageAt  *time.Time `json:"lastMessageAt"`
}

// Events published to downstream consumers (notification delivery, analytics).

type MessageCreatedNotification struct {
	Type      string    `json:"type"`
	Message   Message   `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageReadNotification struct {
	Type      string     `json:"type"`
	MessageID uuid.UUID  `json:"messageId"`
	SenderID  string     `json:"senderId"`
	ReaderID  string     `json:"readerId"`
	IsRead    bool       `json:"isRead"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type ConversationPinNotification struct {
	Type           string    `json:"type"`
	ConversationID uuid.UUID `json:"conversationId"`
	IsPinned       bool      `json:"isPinned"`
	ActorID        string    `json:"actorId"`
	Timestamp      time.Time `json:"timestamp"`
}

type ConnectionStatusMessage struct {
	Type      string     `json:"type"`
	UserID    string     `json:"userId"`
	IsOnline  bool       `json:"isOnline"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// InboundMessage is a message submitted by another subsystem (booking
// requests, custom service offers) over the event bus.
type InboundMessage struct {
	SenderID        string      `json:"senderId"`
	SenderRole      Role        `json:"senderRole"`
	ReceiverID      string      `json:"receiverId"`
	Content         string      `json:"content"`
	SessionID       *string     `json:"sessionId,omitempty"`
	MessageType     MessageType `json:"messageType"`
	CustomServiceID *string     `json:"customServiceId,omitempty"`
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   Role
}
