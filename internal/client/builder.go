package client

import (
	"sort"
	"strings"
	"time"

	"coaching-chat/internal/domain"

	"github.com/google/uuid"
)

// Contact is someone the viewer can message, with or without history.
type Contact struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Role domain.Role `json:"role"`
}

// ConversationEntry is one row of the conversation list.
type ConversationEntry struct {
	PeerID         string
	PeerName       string
	ConversationID *uuid.UUID
	LastMessage    *domain.Message
	MessageCount   int
	IsPinned       bool
	PinnedAt       *time.Time
	UnreadCount    int64
}

func (e *ConversationEntry) hasMessages() bool {
	return e.LastMessage != nil
}

// BuildConversations derives the viewer's conversation list from scratch.
// Callers rebuild it on every data change instead of patching a previous
// result. Messages sharing an id count once, so an optimistic copy and its
// server echo never show up twice.
func BuildConversations(viewerID string, messages []domain.Message, contacts []Contact, summaries []domain.ConversationView) []ConversationEntry {
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		names[c.ID] = c.Name
	}

	entries := make(map[string]*ConversationEntry)
	entryFor := func(peerID string) *ConversationEntry {
		entry, ok := entries[peerID]
		if !ok {
			name := names[peerID]
			if name == "" {
				name = peerID
			}
			entry = &ConversationEntry{PeerID: peerID, PeerName: name}
			entries[peerID] = entry
		}
		return entry
	}

	seen := make(map[uuid.UUID]struct{}, len(messages))
	for i := range messages {
		msg := &messages[i]
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}

		var peerID string
		switch viewerID {
		case msg.SenderID:
			peerID = msg.ReceiverID
		case msg.ReceiverID:
			peerID = msg.SenderID
		default:
			continue
		}

		entry := entryFor(peerID)
		entry.MessageCount++
		if entry.LastMessage == nil || msg.SentAt.After(entry.LastMessage.SentAt) {
			entry.LastMessage = msg
		}
	}

	for i := range summaries {
		summary := &summaries[i]
		peerID := summaryPeer(viewerID, summary)
		if peerID == "" {
			continue
		}
		entry := entryFor(peerID)
		id := summary.ID
		entry.ConversationID = &id
		entry.IsPinned = summary.IsPinned
		entry.PinnedAt = summary.PinnedAt
		entry.UnreadCount = summary.UnreadCount
	}

	for _, c := range contacts {
		if c.ID != viewerID {
			entryFor(c.ID)
		}
	}

	result := make([]ConversationEntry, 0, len(entries))
	for _, entry := range entries {
		result = append(result, *entry)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return entryLess(&result[i], &result[j])
	})
	return result
}

// summaryPeer matches a summary's participant pair against the viewer.
func summaryPeer(viewerID string, summary *domain.ConversationView) string {
	ids := summary.ParticipantIDs
	if len(ids) != 2 {
		ids = summary.Conversation.ParticipantIDs()
	}
	switch viewerID {
	case ids[0]:
		return ids[1]
	case ids[1]:
		return ids[0]
	}
	return ""
}

func entryLess(a, b *ConversationEntry) bool {
	if a.IsPinned != b.IsPinned {
		return a.IsPinned
	}
	if a.IsPinned {
		if c := compareDesc(a.PinnedAt, b.PinnedAt); c != 0 {
			return c < 0
		}
	}
	if a.hasMessages() != b.hasMessages() {
		return a.hasMessages()
	}
	if a.hasMessages() && !a.LastMessage.SentAt.Equal(b.LastMessage.SentAt) {
		return a.LastMessage.SentAt.After(b.LastMessage.SentAt)
	}
	an, bn := strings.ToLower(a.PeerName), strings.ToLower(b.PeerName)
	if an != bn {
		return an < bn
	}
	return a.PeerID < b.PeerID
}

// compareDesc orders later times first and nil last.
func compareDesc(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.After(*b):
		return -1
	case b.After(*a):
		return 1
	}
	return 0
}
