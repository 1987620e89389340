package kafka

import (
	"context"
	"encoding/json"
	"time"

	"coaching-chat/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	TopicChatMessages     = "chat-messages"
	TopicMessageReads     = "message-reads"
	TopicConversationPins = "conversation-pins"
	TopicConnectionStatus = "connection-status"
	TopicSessionPresence  = "session-connections"
	TopicChatInbound      = "chat-inbound"
)

type KafkaProducer struct {
	Writer *kafka.Writer
}

func NewKafkaProducer(brokers ...string) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.LeastBytes{},
		// Optimize for low latency
		BatchSize:    1,
		BatchTimeout: time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &KafkaProducer{Writer: writer}
}

func (k *KafkaProducer) SendMessage(ctx context.Context, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	topic := topicForMessage(message)
	msg := kafka.Message{
		Topic: topic,
		Key:   messageKey(message),
		Value: data,
	}

	if err := k.Writer.WriteMessages(ctx, msg); err != nil {
		zap.S().Warnf("Failed to send message to Kafka topic %s: %v", topic, err)
		return err
	}

	zap.S().Debugf("Message sent to Kafka topic %s", topic)
	return nil
}

func topicForMessage(message interface{}) string {
	switch message.(type) {
	case domain.MessageCreatedNotification:
		return TopicChatMessages
	case domain.MessageReadNotification:
		return TopicMessageReads
	case domain.ConversationPinNotification:
		return TopicConversationPins
	case domain.ConnectionStatusMessage:
		return TopicConnectionStatus
	case domain.SessionConnectionEvent:
		return TopicSessionPresence
	default:
		return TopicChatMessages
	}
}

// messageKey keeps events of one conversation (or user) on one partition.
func messageKey(message interface{}) []byte {
	switch m := message.(type) {
	case domain.MessageCreatedNotification:
		return []byte(m.Message.ConversationID.String())
	case domain.MessageReadNotification:
		return []byte(m.MessageID.String())
	case domain.ConversationPinNotification:
		return []byte(m.ConversationID.String())
	case domain.ConnectionStatusMessage:
		return []byte(m.UserID)
	case domain.SessionConnectionEvent:
		return []byte(m.SessionID)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	return k.Writer.Close()
}
