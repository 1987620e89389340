package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"coaching-chat/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// MemoryMessageRepository keeps messages in process memory. It backs the
// "memory" database driver used for local development and tests.
type MemoryMessageRepository struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]domain.Message
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{messages: make(map[uuid.UUID]domain.Message)}
}

func (r *MemoryMessageRepository) Create(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.messages[msg.ID]; exists {
		return fmt.Errorf("message %s: %w", msg.ID, domain.ErrConflict)
	}
	r.messages[msg.ID] = *msg
	return nil
}

func (r *MemoryMessageRepository) FindByID(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.messages[id]
	if !ok {
		return nil, fmt.Errorf("message: %w", domain.ErrNotFound)
	}
	return &msg, nil
}

func (r *MemoryMessageRepository) Find(_ context.Context, filter MessageFilter, order SortOrder) ([]domain.Message, error) {
	r.mu.RLock()
	out := make([]domain.Message, 0)
	for _, msg := range r.messages {
		if matchesMessage(msg, filter) {
			out = append(out, msg)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if order == OldestFirst {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].SentAt.After(out[j].SentAt)
	})
	return out, nil
}

func matchesMessage(msg domain.Message, filter MessageFilter) bool {
	if filter.ParticipantID != "" {
		if filter.ConversationWith != nil {
			other := *filter.ConversationWith
			forward := msg.SenderID == filter.ParticipantID && msg.ReceiverID == other
			backward := msg.SenderID == other && msg.ReceiverID == filter.ParticipantID
			if !forward && !backward {
				return false
			}
		} else if msg.SenderID != filter.ParticipantID && msg.ReceiverID != filter.ParticipantID {
			return false
		}
	}
	if filter.SessionID != nil && (msg.SessionID == nil || *msg.SessionID != *filter.SessionID) {
		return false
	}
	if filter.ConversationID != nil && msg.ConversationID != *filter.ConversationID {
		return false
	}
	if filter.MessageType != nil && msg.MessageType != *filter.MessageType {
		return false
	}
	return true
}

func (r *MemoryMessageRepository) CountUnread(_ context.Context, receiverID string, conversationID *uuid.UUID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var count int64
	for _, msg := range r.messages {
		if msg.ReceiverID != receiverID || msg.IsRead {
			continue
		}
		if conversationID != nil && msg.ConversationID != *conversationID {
			continue
		}
		count++
	}
	return count, nil
}

func (r *MemoryMessageRepository) MarkRead(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok || msg.IsRead {
		return false, nil
	}
	msg.IsRead = true
	msg.ReadAt = &at
	r.messages[id] = msg
	return true, nil
}

func (r *MemoryMessageRepository) MarkUnread(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok || !msg.IsRead {
		return false, nil
	}
	msg.IsRead = false
	msg.ReadAt = nil
	r.messages[id] = msg
	return true, nil
}

func (r *MemoryMessageRepository) MarkAllRead(_ context.Context, receiverID string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed int64
	for id, msg := range r.messages {
		if msg.ReceiverID != receiverID || msg.IsRead {
			continue
		}
		readAt := at
		msg.IsRead = true
		msg.ReadAt = &readAt
		r.messages[id] = msg
		changed++
	}
	return changed, nil
}

// MemoryConversationRepository enforces pair uniqueness the same way the
// unique index does in SQL.
type MemoryConversationRepository struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]domain.Conversation
	byPair        map[[2]string]uuid.UUID
}

func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{
		conversations: make(map[uuid.UUID]domain.Conversation),
		byPair:        make(map[[2]string]uuid.UUID),
	}
}

func (r *MemoryConversationRepository) Create(_ context.Context, conv *domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := [2]string{conv.ParticipantA, conv.ParticipantB}
	if _, exists := r.byPair[key]; exists {
		return fmt.Errorf("conversation %s/%s: %w", conv.ParticipantA, conv.ParticipantB, domain.ErrConflict)
	}
	r.conversations[conv.ID] = *conv
	r.byPair[key] = conv.ID
	return nil
}

func (r *MemoryConversationRepository) FindByID(_ context.Context, id uuid.UUID) (*domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation: %w", domain.ErrNotFound)
	}
	return &conv, nil
}

func (r *MemoryConversationRepository) FindByParticipants(_ context.Context, a, b string) (*domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPair[[2]string{a, b}]
	if !ok {
		return nil, fmt.Errorf("conversation: %w", domain.ErrNotFound)
	}
	conv := r.conversations[id]
	return &conv, nil
}

func (r *MemoryConversationRepository) Find(_ context.Context, filter ConversationFilter) ([]domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Conversation, 0)
	for _, conv := range r.conversations {
		if filter.ParticipantID != "" && !conv.HasParticipant(filter.ParticipantID) {
			continue
		}
		if filter.IsPinned != nil && conv.IsPinned != *filter.IsPinned {
			continue
		}
		out = append(out, conv)
	}
	return out, nil
}

func (r *MemoryConversationRepository) UpdateLastMessage(_ context.Context, id, messageID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return fmt.Errorf("conversation: %w", domain.ErrNotFound)
	}
	if conv.LastMessageAt != nil && conv.LastMessageAt.After(at) {
		return nil
	}
	conv.LastMessageID = &messageID
	conv.LastMessageAt = &at
	r.conversations[id] = conv
	return nil
}

func (r *MemoryConversationRepository) SetPin(_ context.Context, id uuid.UUID, by *string, at *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return fmt.Errorf("conversation: %w", domain.ErrNotFound)
	}
	if by != nil && at != nil {
		conv.IsPinned, conv.PinnedBy, conv.PinnedAt = true, by, at
	} else {
		conv.IsPinned, conv.PinnedBy, conv.PinnedAt = false, nil, nil
	}
	r.conversations[id] = conv
	return nil
}

// MemoryDirectory is a static account and session directory.
type MemoryDirectory struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	sessions map[string]domain.Session
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:    make(map[string]domain.User),
		sessions: make(map[string]domain.Session),
	}
}

func (d *MemoryDirectory) AddUser(user domain.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[user.ID] = user
}

func (d *MemoryDirectory) AddSession(session domain.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[session.ID] = session
}

func (d *MemoryDirectory) FindUser(_ context.Context, id string) (*domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	user, ok := d.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return &user, nil
}

func (d *MemoryDirectory) FindSession(_ context.Context, id string) (*domain.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	session, ok := d.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return &session, nil
}

// Seed loads users given as id:role:name and sessions given as
// id:userId:coachId.
func (d *MemoryDirectory) Seed(users, sessions []string) error {
	var errs error
	for _, entry := range users {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || !domain.Role(parts[1]).Valid() {
			errs = multierr.Append(errs, fmt.Errorf("user entry %q: %w", entry, domain.ErrValidation))
			continue
		}
		user := domain.User{ID: parts[0], Role: domain.Role(parts[1]), Name: parts[0]}
		if len(parts) == 3 && parts[2] != "" {
			user.Name = parts[2]
		}
		d.AddUser(user)
	}
	for _, entry := range sessions {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			errs = multierr.Append(errs, fmt.Errorf("session entry %q: %w", entry, domain.ErrValidation))
			continue
		}
		d.AddSession(domain.Session{ID: parts[0], UserID: parts[1], CoachID: parts[2]})
	}
	return errs
}
