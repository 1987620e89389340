package kafka

import (
	"context"
	"errors"
	"testing"

	"coaching-chat/internal/domain"

	"github.com/google/uuid"
)

type recordingHandler struct {
	got []domain.InboundMessage
	err error
}

func (h *recordingHandler) HandleInboundMessage(_ context.Context, msg domain.InboundMessage) error {
	h.got = append(h.got, msg)
	return h.err
}

func TestHandleInboundMessage(t *testing.T) {
	h := &recordingHandler{}
	c := &KafkaConsumer{handler: h}

	payload := `{"senderId":"coach-1","senderRole":"COACH","receiverId":"user-1","content":"New booking","messageType":"BOOKING_REQUEST"}`
	c.handleMessage(context.Background(), TopicChatInbound, []byte(payload))

	if len(h.got) != 1 {
		t.Fatalf("expected one inbound message, got %d", len(h.got))
	}
	if h.got[0].MessageType != domain.MessageTypeBookingRequest || h.got[0].SenderRole != domain.RoleCoach {
		t.Fatalf("unexpected message %+v", h.got[0])
	}
}

func TestHandleMessageIgnoresBadInput(t *testing.T) {
	h := &recordingHandler{err: errors.New("rejected")}
	c := &KafkaConsumer{handler: h}

	c.handleMessage(context.Background(), TopicChatInbound, []byte("{not json"))
	c.handleMessage(context.Background(), "unknown-topic", []byte(`{}`))
	if len(h.got) != 0 {
		t.Fatalf("expected nothing dispatched, got %d", len(h.got))
	}

	// handler errors are logged, not propagated
	c.handleMessage(context.Background(), TopicChatInbound, []byte(`{"senderId":"a","receiverId":"b","content":"x"}`))
	if len(h.got) != 1 {
		t.Fatal("expected the message to reach the handler")
	}
}

func TestTopicRouting(t *testing.T) {
	convID := uuid.New()
	cases := map[string]interface{}{
		TopicChatMessages:     domain.MessageCreatedNotification{Message: domain.Message{ConversationID: convID}},
		TopicMessageReads:     domain.MessageReadNotification{},
		TopicConversationPins: domain.ConversationPinNotification{},
		TopicConnectionStatus: domain.ConnectionStatusMessage{UserID: "u"},
		TopicSessionPresence:  domain.SessionConnectionEvent{SessionID: "s1"},
	}
	for want, msg := range cases {
		if got := topicForMessage(msg); got != want {
			t.Errorf("%T: expected topic %s, got %s", msg, want, got)
		}
	}
	if string(messageKey(cases[TopicChatMessages])) != convID.String() {
		t.Fatal("chat messages should be keyed by conversation")
	}
	if string(messageKey(cases[TopicSessionPresence])) != "s1" {
		t.Fatal("session events should be keyed by session")
	}
}
