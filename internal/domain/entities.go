package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleCoach Role = "COACH"
	RoleAdmin Role = "ADMIN"
)

// IsStaff reports whether the role belongs to the staff class allowed to pin
// conversations.
func (r Role) IsStaff() bool {
	return r == RoleCoach || r == RoleAdmin
}

// IsElevated reports whether the role may see conversations it does not take
// part in.
func (r Role) IsElevated() bool {
	return r == RoleAdmin
}

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleCoach, RoleAdmin:
		return true
	}
	return false
}

type MessageType string

const (
	MessageTypeText           MessageType = "TEXT"
	MessageTypeCustomService  MessageType = "CUSTOM_SERVICE"
	MessageTypeBookingRequest MessageType = "BOOKING_REQUEST"
	MessageTypeSystem         MessageType = "SYSTEM"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeCustomService, MessageTypeBookingRequest, MessageTypeSystem:
		return true
	}
	return false
}

type Message struct {
	ID              uuid.UUID   `json:"id" gorm:"type:char(36);primaryKey"`
	Content         string      `json:"content" gorm:"type:text;not null"`
	SenderID        string      `json:"senderId" gorm:"size:64;not null;index"`
	ReceiverID      string      `json:"receiverId" gorm:"size:64;not null;index:idx_messages_receiver_read"`
	SenderType      Role        `json:"senderType" gorm:"size:16;not null"`
	ReceiverType    Role        `json:"receiverType" gorm:"size:16;not null"`
	SessionID       *string     `json:"sessionId,omitempty" gorm:"size:64;index"`
	ConversationID  uuid.UUID   `json:"conversationId" gorm:"type:char(36);not null;index"`
	MessageType     MessageType `json:"messageType" gorm:"size:32;not null;default:TEXT"`
	CustomServiceID *string     `json:"customServiceId,omitempty" gorm:"size:64"`
	IsRead          bool        `json:"isRead" gorm:"not null;default:false;index:idx_messages_receiver_read"`
	ReadAt          *time.Time  `json:"readAt,omitempty"`
	SentAt          time.Time   `json:"sentAt" gorm:"not null;index"`
}

// Conversation pairs two participants. ParticipantA < ParticipantB always
// holds, and the pair is unique.
type Conversation struct {
	ID            uuid.UUID  `json:"id" gorm:"type:char(36);primaryKey"`
	ParticipantA  string     `json:"-" gorm:"size:64;not null;uniqueIndex:idx_conversations_pair"`
	ParticipantB  string     `json:"-" gorm:"size:64;not null;uniqueIndex:idx_conversations_pair"`
	LastMessageID *uuid.UUID `json:"lastMessageId,omitempty" gorm:"type:char(36)"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	IsPinned      bool       `json:"isPinned" gorm:"not null;default:false"`
	PinnedAt      *time.Time `json:"pinnedAt,omitempty"`
	PinnedBy      *string    `json:"pinnedBy,omitempty" gorm:"size:64"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func (c *Conversation) ParticipantIDs() []string {
	return []string{c.ParticipantA, c.ParticipantB}
}

func (c *Conversation) HasParticipant(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// PeerOf returns the other participant, or "" when userID is not part of the
// conversation.
func (c *Conversation) PeerOf(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

// SortParticipants returns the canonical ordering used for storage and lookup.
func SortParticipants(a, b string) (string, string) {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0], ids[1]
}

// ConversationView is a conversation enriched with the viewer's unread count.
type ConversationView struct {
	Conversation
	ParticipantIDs []string `json:"participantIds"`
	UnreadCount    int64    `json:"unreadCount"`
}

// User is the account projection this subsystem reads. Accounts are owned
// elsewhere.
type User struct {
	ID   string `json:"id" gorm:"primaryKey"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}
