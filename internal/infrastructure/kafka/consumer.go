package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"coaching-chat/internal/domain"

	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// InboundHandler receives messages other subsystems post into conversations.
type InboundHandler interface {
	HandleInboundMessage(ctx context.Context, msg domain.InboundMessage) error
}

type KafkaConsumer struct {
	readers []*kafka.Reader
	handler InboundHandler
}

func NewKafkaConsumer(brokers []string, groupID string, topics []string, handler InboundHandler) *KafkaConsumer {
	var readers []*kafka.Reader

	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6, // 10MB max
			CommitInterval: 100 * time.Millisecond,
			StartOffset:    kafka.LastOffset,
			MaxWait:        100 * time.Millisecond,
		})
		readers = append(readers, reader)
	}

	return &KafkaConsumer{
		readers: readers,
		handler: handler,
	}
}

func (k *KafkaConsumer) Start(ctx context.Context) error {
	for i := range k.readers {
		go func(reader *kafka.Reader) {
			defer func() {
				if r := recover(); r != nil {
					zap.S().Errorf("Recovered from panic in Kafka consumer for topic %s: %v", reader.Config().Topic, r)
				}
			}()

			for {
				m, err := reader.ReadMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						zap.S().Infof("Kafka consumer for topic %s stopping", reader.Config().Topic)
						return
					}
					if errors.Is(err, kafka.RebalanceInProgress) || errors.Is(err, kafka.LeaderNotAvailable) {
						zap.S().Infof("Kafka group rebalancing, continuing: %v", err)
						continue
					}
					zap.S().Errorf("Error reading Kafka message: %v", err)
					continue
				}

				if k.handler != nil {
					k.handleMessage(ctx, m.Topic, m.Value)
				}
			}
		}(k.readers[i])
	}

	return nil
}

func (k *KafkaConsumer) handleMessage(ctx context.Context, topic string, value []byte) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("Recovered from panic in handleMessage for topic %s: %v", topic, r)
		}
	}()

	switch topic {
	case TopicChatInbound:
		var msg domain.InboundMessage
		if err := json.Unmarshal(value, &msg); err != nil {
			zap.S().Warnf("Error unmarshaling inbound message: %v (raw: %s)", err, string(value))
			return
		}
		if err := k.handler.HandleInboundMessage(ctx, msg); err != nil {
			zap.S().Warnf("Inbound %s message from %s rejected: %v", msg.MessageType, msg.SenderID, err)
		}

	default:
		zap.S().Warnf("Unknown topic: %s", topic)
	}
}

func (k *KafkaConsumer) Close() error {
	var err error
	for _, reader := range k.readers {
		err = multierr.Append(err, reader.Close())
	}
	return err
}
