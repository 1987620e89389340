package client

import (
	"testing"
	"time"

	"coaching-chat/internal/domain"

	"github.com/google/uuid"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func message(from, to string, minute int) domain.Message {
	return domain.Message{
		ID:         uuid.New(),
		SenderID:   from,
		ReceiverID: to,
		Content:    "m",
		SentAt:     base.Add(time.Duration(minute) * time.Minute),
	}
}

func summary(a, b string, pinnedAt *time.Time, unread int64) domain.ConversationView {
	view := domain.ConversationView{
		Conversation:   domain.Conversation{ID: uuid.New(), IsPinned: pinnedAt != nil, PinnedAt: pinnedAt},
		ParticipantIDs: []string{a, b},
		UnreadCount:    unread,
	}
	return view
}

func peers(entries []ConversationEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.PeerID
	}
	return out
}

func TestBuildConversationsDeduplicates(t *testing.T) {
	optimistic := message("me", "bob", 1)
	echo := optimistic

	entries := BuildConversations("me", []domain.Message{optimistic, echo, message("bob", "me", 0)}, nil, nil)
	if len(entries) != 1 {
		t.Fatalf("expected one conversation, got %d", len(entries))
	}
	if entries[0].MessageCount != 2 {
		t.Fatalf("duplicate id counted twice: %d", entries[0].MessageCount)
	}
	if entries[0].LastMessage.ID != optimistic.ID {
		t.Fatal("latest message should be the preview")
	}
}

func TestBuildConversationsOrdering(t *testing.T) {
	early := base.Add(time.Hour)
	late := base.Add(2 * time.Hour)

	messages := []domain.Message{
		message("me", "amy", 1),
		message("dan", "me", 5),
		message("me", "cat", 3),
		message("me", "bob", 2),
		message("x", "y", 9), // not the viewer's
	}
	contacts := []Contact{{ID: "zed", Name: "zed"}, {ID: "Eve", Name: "Eve"}, {ID: "bob", Name: "Bob"}}
	summaries := []domain.ConversationView{
		summary("amy", "me", &early, 0),
		summary("bob", "me", &late, 3),
		summary("cat", "me", nil, 1),
	}

	entries := BuildConversations("me", messages, contacts, summaries)
	want := []string{"bob", "amy", "dan", "cat", "Eve", "zed"}
	got := peers(entries)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if entries[0].UnreadCount != 3 || entries[0].ConversationID == nil || entries[0].PeerName != "Bob" {
		t.Fatalf("summary not merged into bob's entry: %+v", entries[0])
	}
	if entries[4].MessageCount != 0 || entries[4].LastMessage != nil {
		t.Fatalf("contact without history should be empty: %+v", entries[4])
	}
}

func TestBuildConversationsNameTieBreakIgnoresCase(t *testing.T) {
	contacts := []Contact{{ID: "1", Name: "bravo"}, {ID: "2", Name: "Alpha"}, {ID: "3", Name: "charlie"}}
	got := peers(BuildConversations("me", nil, contacts, nil))
	if got[0] != "2" || got[1] != "1" || got[2] != "3" {
		t.Fatalf("expected case-insensitive name order, got %v", got)
	}
}

func TestBuildConversationsIsStableAcrossRebuilds(t *testing.T) {
	messages := []domain.Message{message("me", "amy", 1), message("bob", "me", 1)}
	contacts := []Contact{{ID: "amy", Name: "Amy"}, {ID: "bob", Name: "Bob"}}

	first := peers(BuildConversations("me", messages, contacts, nil))
	for i := 0; i < 10; i++ {
		again := peers(BuildConversations("me", messages, contacts, nil))
		if again[0] != first[0] || again[1] != first[1] {
			t.Fatalf("rebuild changed order: %v vs %v", first, again)
		}
	}
}
