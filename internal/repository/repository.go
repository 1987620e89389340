package repository

import (
	"context"
	"time"

	"coaching-chat/internal/domain"

	"github.com/google/uuid"
)

type SortOrder int

const (
	// NewestFirst is used by list views.
	NewestFirst SortOrder = iota
	// OldestFirst is used for linear conversation replay.
	OldestFirst
)

// MessageFilter narrows message queries. ParticipantID, when set, restricts to
// messages the participant sent or received; ConversationWith additionally
// requires the other side to be that user.
type MessageFilter struct {
	ParticipantID    string
	SessionID        *string
	ConversationWith *string
	ConversationID   *uuid.UUID
	MessageType      *domain.MessageType
}

type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Message, error)
	Find(ctx context.Context, filter MessageFilter, order SortOrder) ([]domain.Message, error)
	// CountUnread counts unread messages addressed to receiverID, optionally
	// within one conversation.
	CountUnread(ctx context.Context, receiverID string, conversationID *uuid.UUID) (int64, error)
	// MarkRead flips is_read false -> true and stamps read_at. It reports
	// whether a row changed.
	MarkRead(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MarkUnread(ctx context.Context, id uuid.UUID) (bool, error)
	MarkAllRead(ctx context.Context, receiverID string, at time.Time) (int64, error)
}

// ConversationFilter narrows conversation queries. An empty ParticipantID
// returns every conversation.
type ConversationFilter struct {
	ParticipantID string
	IsPinned      *bool
}

type ConversationRepository interface {
	// Create inserts a conversation. It returns domain.ErrConflict when the
	// participant pair already exists.
	Create(ctx context.Context, conv *domain.Conversation) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	// FindByParticipants expects the pair already sorted.
	FindByParticipants(ctx context.Context, a, b string) (*domain.Conversation, error)
	Find(ctx context.Context, filter ConversationFilter) ([]domain.Conversation, error)
	// UpdateLastMessage never moves last_message_at backwards.
	UpdateLastMessage(ctx context.Context, id, messageID uuid.UUID, at time.Time) error
	// SetPin pins when by and at are both set and unpins when both are nil.
	SetPin(ctx context.Context, id uuid.UUID, by *string, at *time.Time) error
}

type UserFinder interface {
	FindUser(ctx context.Context, id string) (*domain.User, error)
}

type SessionFinder interface {
	FindSession(ctx context.Context, id string) (*domain.Session, error)
}
