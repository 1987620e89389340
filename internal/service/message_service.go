package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coaching-chat/internal/domain"
	"coaching-chat/internal/repository"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"go.uber.org/zap"
)

type CreateMessageInput struct {
	Content         string
	ReceiverID      string
	SenderID        string
	SenderRole      domain.Role
	SessionID       *string
	MessageType     domain.MessageType
	CustomServiceID *string
}

// MessageQuery holds the optional list filters of GET /messages.
type MessageQuery struct {
	SessionID        *string
	ConversationWith *string
	ConversationID   *uuid.UUID
	MessageType      *domain.MessageType
}

type MessageService struct {
	messages      repository.MessageRepository
	users         repository.UserFinder
	sessions      repository.SessionFinder
	conversations ConversationBinder
	publisher     EventPublisher
	clock         clock.Clock
}

func NewMessageService(
	messages repository.MessageRepository,
	users repository.UserFinder,
	sessions repository.SessionFinder,
	conversations ConversationBinder,
	publisher EventPublisher,
) *MessageService {
	return &MessageService{
		messages:      messages,
		users:         users,
		sessions:      sessions,
		conversations: conversations,
		publisher:     publisher,
		clock:         clock.New(),
	}
}

// WithClock replaces the time source.
func (s *MessageService) WithClock(c clock.Clock) *MessageService {
	s.clock = c
	return s
}

func (s *MessageService) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

func validateCreate(in *CreateMessageInput) error {
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return fmt.Errorf("content must not be empty: %w", domain.ErrValidation)
	}
	if in.ReceiverID == "" || in.SenderID == "" {
		return fmt.Errorf("sender and receiver are required: %w", domain.ErrValidation)
	}
	if in.ReceiverID == in.SenderID {
		return fmt.Errorf("cannot send a message to yourself: %w", domain.ErrValidation)
	}
	if in.MessageType == "" {
		in.MessageType = domain.MessageTypeText
	}
	if !in.MessageType.Valid() {
		return fmt.Errorf("unknown message type %q: %w", in.MessageType, domain.ErrValidation)
	}
	hasService := in.CustomServiceID != nil && *in.CustomServiceID != ""
	if in.MessageType == domain.MessageTypeCustomService && !hasService {
		return fmt.Errorf("customServiceId is required for %s: %w", in.MessageType, domain.ErrValidation)
	}
	if in.MessageType != domain.MessageTypeCustomService && hasService {
		return fmt.Errorf("customServiceId is only allowed for %s: %w", domain.MessageTypeCustomService, domain.ErrValidation)
	}
	if in.SessionID != nil && *in.SessionID == "" {
		in.SessionID = nil
	}
	return nil
}

// Create validates and authorizes the message before anything is written,
// binds it to the sender/receiver conversation and persists it.
func (s *MessageService) Create(ctx context.Context, in CreateMessageInput) (*domain.Message, error) {
	if err := validateCreate(&in); err != nil {
		return nil, err
	}

	receiver, err := s.users.FindUser(ctx, in.ReceiverID)
	if err != nil {
		return nil, fmt.Errorf("find receiver: %w", err)
	}

	if in.SessionID != nil {
		session, err := s.sessions.FindSession(ctx, *in.SessionID)
		if err != nil {
			return nil, fmt.Errorf("find session: %w", err)
		}
		if !session.Involves(in.SenderID) {
			return nil, fmt.Errorf("sender is not part of session %s: %w", session.ID, domain.ErrForbidden)
		}
	}

	conv, err := s.conversations.FindOrCreateByParticipants(ctx, []string{in.SenderID, in.ReceiverID})
	if err != nil {
		return nil, fmt.Errorf("bind conversation: %w", err)
	}

	msg := &domain.Message{
		ID:              uuid.New(),
		Content:         in.Content,
		SenderID:        in.SenderID,
		ReceiverID:      receiver.ID,
		SenderType:      in.SenderRole,
		ReceiverType:    receiver.Role,
		SessionID:       in.SessionID,
		ConversationID:  conv.ID,
		MessageType:     in.MessageType,
		CustomServiceID: in.CustomServiceID,
		SentAt:          s.now(),
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}

	if err := s.conversations.TouchLastMessage(ctx, conv.ID, msg.ID, msg.SentAt); err != nil {
		zap.S().Errorf("Failed to update last message of conversation %s: %v", conv.ID, err)
	}

	Publish(ctx, s.publisher, domain.MessageCreatedNotification{
		Type:      "message.created",
		Message:   *msg,
		Timestamp: msg.SentAt,
	})
	return msg, nil
}

// FindAll lists the viewer's messages newest first.
func (s *MessageService) FindAll(ctx context.Context, viewerID string, q MessageQuery) ([]domain.Message, error) {
	return s.messages.Find(ctx, repository.MessageFilter{
		ParticipantID:    viewerID,
		SessionID:        q.SessionID,
		ConversationWith: q.ConversationWith,
		ConversationID:   q.ConversationID,
		MessageType:      q.MessageType,
	}, repository.NewestFirst)
}

// FindConversation replays the conversation between viewer and other oldest
// first.
func (s *MessageService) FindConversation(ctx context.Context, viewerID, otherID string) ([]domain.Message, error) {
	return s.messages.Find(ctx, repository.MessageFilter{
		ParticipantID:    viewerID,
		ConversationWith: &otherID,
	}, repository.OldestFirst)
}

func (s *MessageService) FindOne(ctx context.Context, id uuid.UUID, viewerID string) (*domain.Message, error) {
	msg, err := s.messages.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != viewerID && msg.ReceiverID != viewerID {
		return nil, fmt.Errorf("message %s: %w", id, domain.ErrForbidden)
	}
	return msg, nil
}

// FindBySession returns the session's messages oldest first. Coaches are
// matched against the session coach, everyone else against the session user.
func (s *MessageService) FindBySession(ctx context.Context, sessionID, viewerID string, role domain.Role) ([]domain.Message, error) {
	session, err := s.sessions.FindSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	allowed := session.UserID == viewerID
	if role == domain.RoleCoach {
		allowed = session.CoachID == viewerID
	}
	if !allowed {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrForbidden)
	}
	return s.messages.Find(ctx, repository.MessageFilter{SessionID: &sessionID}, repository.OldestFirst)
}

// MarkAsRead sets the read state of a message the viewer received. A nil
// desired state means read.
func (s *MessageService) MarkAsRead(ctx context.Context, id uuid.UUID, viewerID string, desired *bool) (*domain.Message, error) {
	msg, err := s.messages.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.ReceiverID != viewerID {
		return nil, fmt.Errorf("only the receiver can change read state: %w", domain.ErrForbidden)
	}

	read := desired == nil || *desired
	var changed bool
	if read {
		changed, err = s.messages.MarkRead(ctx, id, s.now())
	} else {
		changed, err = s.messages.MarkUnread(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update read state: %w", err)
	}
	if !changed {
		return msg, nil
	}

	updated, err := s.messages.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	Publish(ctx, s.publisher, domain.MessageReadNotification{
		Type:      "message.read",
		MessageID: updated.ID,
		SenderID:  updated.SenderID,
		ReaderID:  viewerID,
		IsRead:    updated.IsRead,
		ReadAt:    updated.ReadAt,
		Timestamp: s.now(),
	})
	return updated, nil
}

func (s *MessageService) GetUnreadCountByRecipient(ctx context.Context, viewerID string) (int64, error) {
	return s.messages.CountUnread(ctx, viewerID, nil)
}

func (s *MessageService) MarkAllAsReadByRecipient(ctx context.Context, viewerID string) (int64, error) {
	return s.messages.MarkAllRead(ctx, viewerID, s.now())
}

func (s *MessageService) CountUnreadInConversation(ctx context.Context, conversationID uuid.UUID, viewerID string) (int64, error) {
	return s.messages.CountUnread(ctx, viewerID, &conversationID)
}
