package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"coaching-chat/internal/domain"
	"coaching-chat/internal/repository"

	"github.com/google/uuid"
	"github.com/raulk/clock"
)

type ConversationQuery struct {
	IsPinned *bool
}

type ConversationService struct {
	conversations repository.ConversationRepository
	readState     ReadStateQuery
	publisher     EventPublisher
	clock         clock.Clock
}

func NewConversationService(conversations repository.ConversationRepository, publisher EventPublisher) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		publisher:     publisher,
		clock:         clock.New(),
	}
}

// UseReadState binds the unread-count source. It is set after construction
// because the message side depends on this service too.
func (s *ConversationService) UseReadState(q ReadStateQuery) {
	s.readState = q
}

func (s *ConversationService) WithClock(c clock.Clock) *ConversationService {
	s.clock = c
	return s
}

// FindOrCreateByParticipants resolves the conversation of an unordered pair.
// A concurrent creator that wins the unique index makes us re-read its row.
func (s *ConversationService) FindOrCreateByParticipants(ctx context.Context, ids []string) (*domain.Conversation, error) {
	if len(ids) != 2 || ids[0] == "" || ids[1] == "" || ids[0] == ids[1] {
		return nil, fmt.Errorf("a conversation needs two distinct participants: %w", domain.ErrValidation)
	}
	a, b := domain.SortParticipants(ids[0], ids[1])

	conv, err := s.conversations.FindByParticipants(ctx, a, b)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	conv = &domain.Conversation{
		ID:           uuid.New(),
		ParticipantA: a,
		ParticipantB: b,
		CreatedAt:    s.clock.Now().UTC(),
	}
	err = s.conversations.Create(ctx, conv)
	if errors.Is(err, domain.ErrConflict) {
		return s.conversations.FindByParticipants(ctx, a, b)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *ConversationService) TouchLastMessage(ctx context.Context, id, messageID uuid.UUID, at time.Time) error {
	return s.conversations.UpdateLastMessage(ctx, id, messageID, at)
}

// FindAll lists the viewer's conversations (all of them for elevated roles),
// pinned first.
func (s *ConversationService) FindAll(ctx context.Context, viewerID string, role domain.Role, q ConversationQuery) ([]domain.ConversationView, error) {
	filter := repository.ConversationFilter{IsPinned: q.IsPinned}
	if !role.IsElevated() {
		filter.ParticipantID = viewerID
	}
	convs, err := s.conversations.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	SortConversations(convs)

	views := make([]domain.ConversationView, 0, len(convs))
	for i := range convs {
		view, err := s.view(ctx, &convs[i], viewerID)
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, nil
}

func (s *ConversationService) FindOne(ctx context.Context, id uuid.UUID, viewerID string, role domain.Role) (*domain.ConversationView, error) {
	conv, err := s.load(ctx, id, role)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(viewerID) && !role.IsElevated() {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrForbidden)
	}
	return s.view(ctx, conv, viewerID)
}

func (s *ConversationService) Pin(ctx context.Context, id uuid.UUID, viewerID string, role domain.Role) (*domain.ConversationView, error) {
	return s.setPin(ctx, id, viewerID, role, true)
}

func (s *ConversationService) Unpin(ctx context.Context, id uuid.UUID, viewerID string, role domain.Role) (*domain.ConversationView, error) {
	return s.setPin(ctx, id, viewerID, role, false)
}

func (s *ConversationService) setPin(ctx context.Context, id uuid.UUID, viewerID string, role domain.Role, pinned bool) (*domain.ConversationView, error) {
	if !role.IsStaff() {
		return nil, fmt.Errorf("only staff can pin conversations: %w", domain.ErrForbidden)
	}
	conv, err := s.load(ctx, id, role)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(viewerID) {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrForbidden)
	}

	now := s.clock.Now().UTC()
	if pinned {
		by := viewerID
		err = s.conversations.SetPin(ctx, id, &by, &now)
	} else {
		err = s.conversations.SetPin(ctx, id, nil, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("update pin: %w", err)
	}

	Publish(ctx, s.publisher, domain.ConversationPinNotification{
		Type:           "conversation.pinned",
		ConversationID: id,
		IsPinned:       pinned,
		ActorID:        viewerID,
		Timestamp:      now,
	})

	updated, err := s.conversations.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, updated, viewerID)
}

func (s *ConversationService) ExistsWithParticipant(ctx context.Context, id uuid.UUID, viewerID string) (bool, error) {
	conv, err := s.conversations.FindByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return conv.HasParticipant(viewerID), nil
}

// load hides missing conversations behind Forbidden for callers that could not
// see them anyway.
func (s *ConversationService) load(ctx context.Context, id uuid.UUID, role domain.Role) (*domain.Conversation, error) {
	conv, err := s.conversations.FindByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) && !role.IsElevated() {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrForbidden)
	}
	return conv, err
}

func (s *ConversationService) view(ctx context.Context, conv *domain.Conversation, viewerID string) (*domain.ConversationView, error) {
	view := &domain.ConversationView{
		Conversation:   *conv,
		ParticipantIDs: conv.ParticipantIDs(),
	}
	if s.readState != nil {
		count, err := s.readState.CountUnreadInConversation(ctx, conv.ID, viewerID)
		if err != nil {
			return nil, fmt.Errorf("count unread: %w", err)
		}
		view.UnreadCount = count
	}
	return view, nil
}

// SortConversations orders pinned before unpinned, pinned by most recent pin,
// then by most recent message. Conversations without messages go last.
func SortConversations(convs []domain.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i], convs[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		if a.IsPinned {
			if c := compareTimes(a.PinnedAt, b.PinnedAt); c != 0 {
				return c > 0
			}
		}
		if c := compareTimes(a.LastMessageAt, b.LastMessageAt); c != 0 {
			return c > 0
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

// compareTimes treats nil as older than any time.
func compareTimes(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case a.After(*b):
		return 1
	case a.Before(*b):
		return -1
	}
	return 0
}
