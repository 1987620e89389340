package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coaching-chat/internal/domain"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OpenDB connects to the relational store and migrates the tables owned by
// this service. Users and sessions belong to other subsystems and are only read.
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&domain.Conversation{}, &domain.Message{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return err
}

type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) Create(ctx context.Context, msg *domain.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *GormMessageRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	var msg domain.Message
	if err := r.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "message")
	}
	return &msg, nil
}

func (r *GormMessageRepository) Find(ctx context.Context, filter MessageFilter, order SortOrder) ([]domain.Message, error) {
	q := r.db.WithContext(ctx).Model(&domain.Message{})
	if filter.ParticipantID != "" {
		if filter.ConversationWith != nil {
			q = q.Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)",
				filter.ParticipantID, *filter.ConversationWith, *filter.ConversationWith, filter.ParticipantID)
		} else {
			q = q.Where("sender_id = ? OR receiver_id = ?", filter.ParticipantID, filter.ParticipantID)
		}
	}
	if filter.SessionID != nil {
		q = q.Where("session_id = ?", *filter.SessionID)
	}
	if filter.ConversationID != nil {
		q = q.Where("conversation_id = ?", *filter.ConversationID)
	}
	if filter.MessageType != nil {
		q = q.Where("message_type = ?", *filter.MessageType)
	}
	if order == OldestFirst {
		q = q.Order("sent_at ASC")
	} else {
		q = q.Order("sent_at DESC")
	}

	var msgs []domain.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *GormMessageRepository) CountUnread(ctx context.Context, receiverID string, conversationID *uuid.UUID) (int64, error) {
	q := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("receiver_id = ? AND is_read = ?", receiverID, false)
	if conversationID != nil {
		q = q.Where("conversation_id = ?", *conversationID)
	}
	var count int64
	err := q.Count(&count).Error
	return count, err
}

func (r *GormMessageRepository) MarkRead(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND is_read = ?", id, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at})
	return res.RowsAffected > 0, res.Error
}

func (r *GormMessageRepository) MarkUnread(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND is_read = ?", id, true).
		Updates(map[string]interface{}{"is_read": false, "read_at": nil})
	return res.RowsAffected > 0, res.Error
}

func (r *GormMessageRepository) MarkAllRead(ctx context.Context, receiverID string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.Message{}).
		Where("receiver_id = ? AND is_read = ?", receiverID, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": at})
	return res.RowsAffected, res.Error
}

type GormConversationRepository struct {
	db *gorm.DB
}

func NewGormConversationRepository(db *gorm.DB) *GormConversationRepository {
	return &GormConversationRepository{db: db}
}

func (r *GormConversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(conv)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("conversation %s/%s: %w", conv.ParticipantA, conv.ParticipantB, domain.ErrConflict)
	}
	return nil
}

func (r *GormConversationRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := r.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "conversation")
	}
	return &conv, nil
}

func (r *GormConversationRepository) FindByParticipants(ctx context.Context, a, b string) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := r.db.WithContext(ctx).
		Where("participant_a = ? AND participant_b = ?", a, b).
		First(&conv).Error
	if err != nil {
		return nil, notFound(err, "conversation")
	}
	return &conv, nil
}

func (r *GormConversationRepository) Find(ctx context.Context, filter ConversationFilter) ([]domain.Conversation, error) {
	q := r.db.WithContext(ctx).Model(&domain.Conversation{})
	if filter.ParticipantID != "" {
		q = q.Where("participant_a = ? OR participant_b = ?", filter.ParticipantID, filter.ParticipantID)
	}
	if filter.IsPinned != nil {
		q = q.Where("is_pinned = ?", *filter.IsPinned)
	}
	var convs []domain.Conversation
	if err := q.Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

func (r *GormConversationRepository) UpdateLastMessage(ctx context.Context, id, messageID uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at <= ?)", id, at).
		Updates(map[string]interface{}{"last_message_id": messageID, "last_message_at": at}).Error
}

func (r *GormConversationRepository) SetPin(ctx context.Context, id uuid.UUID, by *string, at *time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_pinned": by != nil && at != nil,
			"pinned_at": at,
			"pinned_by": by,
		})
	return res.Error
}

// GormDirectory reads accounts and sessions from the tables owned by the
// account and booking subsystems.
type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) FindUser(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	if err := d.db.WithContext(ctx).Table("users").First(&user, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "user "+id)
	}
	return &user, nil
}

func (d *GormDirectory) FindSession(ctx context.Context, id string) (*domain.Session, error) {
	var session domain.Session
	if err := d.db.WithContext(ctx).Table("sessions").First(&session, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "session "+id)
	}
	return &session, nil
}
