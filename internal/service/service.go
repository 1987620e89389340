package service

import (
	"context"
	"time"

	"coaching-chat/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

// EventPublisher delivers notifications to downstream consumers. Delivery is
// best effort.
type EventPublisher interface {
	SendMessage(ctx context.Context, message interface{}) error
}

// ConversationBinder is what the message side needs from conversations.
type ConversationBinder interface {
	FindOrCreateByParticipants(ctx context.Context, ids []string) (*domain.Conversation, error)
	TouchLastMessage(ctx context.Context, id, messageID uuid.UUID, at time.Time) error
}

// ReadStateQuery is what the conversation side needs from messages.
type ReadStateQuery interface {
	CountUnreadInConversation(ctx context.Context, conversationID uuid.UUID, viewerID string) (int64, error)
}

// Publish sends event best effort. It detaches from ctx cancellation and
// gives the broker a short deadline so callers never wait on Kafka.
func Publish(ctx context.Context, publisher EventPublisher, event interface{}) {
	if publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := publisher.SendMessage(ctx, event); err != nil {
		zap.S().Warnf("Failed to publish %T: %v", event, err)
	}
}
