package client

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"coaching-chat/internal/domain"

	"github.com/raulk/clock"
	"go.uber.org/zap"
)

const (
	TypingDebounce     = time.Second
	DefaultTypingLapse = 10 * time.Second
)

// Emitter is the write side of the live channel.
type Emitter interface {
	Emit(eventType string, data interface{}) error
}

// TypingEmitter turns keystrokes in one conversation into typing-start and
// typing-stop signals.
type TypingEmitter struct {
	emitter        Emitter
	conversationID string
	clock          clock.Clock
	debounce       time.Duration

	mu     sync.Mutex
	typing bool
	timer  *clock.Timer
}

func NewTypingEmitter(emitter Emitter, conversationID string, clk clock.Clock) *TypingEmitter {
	if clk == nil {
		clk = clock.New()
	}
	return &TypingEmitter{
		emitter:        emitter,
		conversationID: conversationID,
		clock:          clk,
		debounce:       TypingDebounce,
	}
}

// Input is called with the full input text after every change.
func (t *TypingEmitter) Input(text string) {
	if text == "" {
		t.Stop()
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.typing {
		t.typing = true
		t.emit(domain.EventTypingStart)
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	var timer *clock.Timer
	timer = t.clock.AfterFunc(t.debounce, func() { t.expire(timer) })
	t.timer = timer
}

// Stop signals typing-stop right away if a typing-start is outstanding.
func (t *TypingEmitter) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *TypingEmitter) expire(timer *clock.Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// a newer keystroke replaced this timer
	if t.timer != timer {
		return
	}
	// fired timers are not stopped, the mock clock holds its lock here
	t.timer = nil
	t.stopLocked()
}

func (t *TypingEmitter) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if !t.typing {
		return
	}
	t.typing = false
	t.emit(domain.EventTypingStop)
}

func (t *TypingEmitter) emit(eventType string) {
	if err := t.emitter.Emit(eventType, domain.TypingRequest{ConversationID: t.conversationID}); err != nil {
		zap.S().Debugf("Dropped %s for conversation %s: %v", eventType, t.conversationID, err)
	}
}

type typingKey struct {
	userID         string
	conversationID string
}

// TypingTracker remembers which peers are typing. Entries clear on
// typing-stop or after a local lapse when the stop never arrives.
type TypingTracker struct {
	clock    clock.Clock
	lapse    time.Duration
	onChange func(userID, conversationID string, typing bool)

	mu      sync.Mutex
	entries map[typingKey]*clock.Timer
}

func NewTypingTracker(clk clock.Clock, lapse time.Duration, onChange func(userID, conversationID string, typing bool)) *TypingTracker {
	if clk == nil {
		clk = clock.New()
	}
	if lapse <= 0 || lapse >= time.Minute {
		lapse = DefaultTypingLapse
	}
	return &TypingTracker{
		clock:    clk,
		lapse:    lapse,
		onChange: onChange,
		entries:  make(map[typingKey]*clock.Timer),
	}
}

// Attach feeds the tracker from a socket manager's typing events.
func (t *TypingTracker) Attach(m *SocketManager) {
	handle := func(typing bool) Handler {
		return func(ev ServerEvent) {
			var payload domain.TypingEvent
			if err := json.Unmarshal(ev.Data, &payload); err != nil {
				zap.S().Debugf("Ignoring malformed %s: %v", ev.Type, err)
				return
			}
			if typing {
				t.Start(payload.UserID, payload.ConversationID)
			} else {
				t.Stop(payload.UserID, payload.ConversationID)
			}
		}
	}
	m.On(domain.EventTypingStart, handle(true))
	m.On(domain.EventTypingStop, handle(false))
}

func (t *TypingTracker) Start(userID, conversationID string) {
	key := typingKey{userID: userID, conversationID: conversationID}

	t.mu.Lock()
	old, existed := t.entries[key]
	if existed {
		old.Stop()
	}
	var timer *clock.Timer
	timer = t.clock.AfterFunc(t.lapse, func() { t.lapsed(key, timer) })
	t.entries[key] = timer
	t.mu.Unlock()

	if !existed {
		t.notify(key, true)
	}
}

func (t *TypingTracker) Stop(userID, conversationID string) {
	key := typingKey{userID: userID, conversationID: conversationID}

	t.mu.Lock()
	timer, existed := t.entries[key]
	if existed {
		timer.Stop()
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if existed {
		t.notify(key, false)
	}
}

func (t *TypingTracker) lapsed(key typingKey, timer *clock.Timer) {
	t.mu.Lock()
	current, ok := t.entries[key]
	if !ok || current != timer {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	t.notify(key, false)
}

func (t *TypingTracker) IsTyping(userID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{userID: userID, conversationID: conversationID}]
	return ok
}

// TypingIn lists the users currently typing in a conversation, sorted.
func (t *TypingTracker) TypingIn(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var users []string
	for key := range t.entries {
		if key.conversationID == conversationID {
			users = append(users, key.userID)
		}
	}
	sort.Strings(users)
	return users
}

func (t *TypingTracker) notify(key typingKey, typing bool) {
	if t.onChange != nil {
		t.onChange(key.userID, key.conversationID, typing)
	}
}
