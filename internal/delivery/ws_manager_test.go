package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"coaching-chat/internal/domain"
	"coaching-chat/internal/repository"
	"coaching-chat/internal/service"
)

type frame struct {
	Type      string          `json:"type"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	RequestID string          `json:"request_id"`
}

type fakeSocket struct {
	mu      sync.Mutex
	frames  []frame
	failing bool
	closed  int
}

func (s *fakeSocket) WriteJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("broken pipe")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSocket) ofType(eventType string) []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []frame
	for _, f := range s.frames {
		if f.Type == eventType {
			out = append(out, f)
		}
	}
	return out
}

func aboutUser(frames []frame, userID string) []frame {
	var out []frame
	for _, f := range frames {
		var ev domain.UserPresenceEvent
		if json.Unmarshal(f.Data, &ev) == nil && ev.UserID == userID {
			out = append(out, f)
		}
	}
	return out
}

type fakePresence struct {
	mu       sync.Mutex
	sessions map[string]map[string]domain.Role
	typing   map[string]bool
	online   map[string]bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		sessions: make(map[string]map[string]domain.Role),
		typing:   make(map[string]bool),
		online:   make(map[string]bool),
	}
}

func (p *fakePresence) AddUserToSession(_ context.Context, sessionID, userID string, role domain.Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[sessionID] == nil {
		p.sessions[sessionID] = make(map[string]domain.Role)
	}
	p.sessions[sessionID][userID] = role
	return nil
}

func (p *fakePresence) RemoveUserFromSession(_ context.Context, sessionID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions[sessionID], userID)
	return nil
}

func (p *fakePresence) GetSessionUsers(_ context.Context, sessionID string) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := make(map[string]interface{})
	for id, role := range p.sessions[sessionID] {
		users[id] = string(role)
	}
	return map[string]interface{}{"session_id": sessionID, "users": users}, nil
}

func (p *fakePresence) SetUserTyping(_ context.Context, conversationID, userID string, isTyping bool, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typing[conversationID+"/"+userID] = isTyping
	return nil
}

func (p *fakePresence) GetTypingUsers(_ context.Context, conversationID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var users []string
	for key, typing := range p.typing {
		conv, user, _ := strings.Cut(key, "/")
		if typing && conv == conversationID {
			users = append(users, user)
		}
	}
	return users, nil
}

func (p *fakePresence) SetPresence(_ context.Context, userID string, online bool, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID] = online
	return nil
}

func (p *fakePresence) GetPresence(_ context.Context, userID string) (*domain.UserStatusEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &domain.UserStatusEvent{UserID: userID, IsOnline: p.online[userID]}, nil
}

func (p *fakePresence) isOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

// fakePublisher records events and whether each send carried a deadline.
type fakePublisher struct {
	mu       sync.Mutex
	events   []interface{}
	deadline []bool
}

func (p *fakePublisher) SendMessage(ctx context.Context, message interface{}) error {
	_, bounded := ctx.Deadline()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, message)
	p.deadline = append(p.deadline, bounded)
	return nil
}

func (p *fakePublisher) sessionEvents() []domain.SessionConnectionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.SessionConnectionEvent
	for _, e := range p.events {
		if ev, ok := e.(domain.SessionConnectionEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

type gatewayFixture struct {
	publisher *fakePublisher
	presence  *fakePresence
	msgSvc   *service.MessageService
	convSvc  *service.ConversationService
	manager  *WSManager
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	directory := repository.NewMemoryDirectory()
	directory.AddUser(domain.User{ID: "alice", Name: "Alice", Role: domain.RoleUser})
	directory.AddUser(domain.User{ID: "bob", Name: "Bob", Role: domain.RoleCoach})
	directory.AddUser(domain.User{ID: "root", Name: "Root", Role: domain.RoleAdmin})
	directory.AddSession(domain.Session{ID: "s1", UserID: "alice", CoachID: "bob"})

	publisher := &fakePublisher{}
	convSvc := service.NewConversationService(repository.NewMemoryConversationRepository(), publisher)
	msgSvc := service.NewMessageService(repository.NewMemoryMessageRepository(), directory, directory, convSvc, publisher)
	convSvc.UseReadState(msgSvc)

	presence := newFakePresence()
	return &gatewayFixture{
		publisher: publisher,
		presence:  presence,
		msgSvc:    msgSvc,
		convSvc:   convSvc,
		manager:   NewWSManager(msgSvc, convSvc, presence, publisher, 10*time.Second),
	}
}

func (f *gatewayFixture) connect(userID string, role domain.Role) (*WSConnection, *fakeSocket) {
	sock := &fakeSocket{}
	conn := f.manager.Register(context.Background(), sock, domain.Identity{UserID: userID, Role: role})
	return conn, sock
}

func (f *gatewayFixture) emit(conn *WSConnection, eventType, requestID string, payload interface{}) {
	msg := &domain.WebSocketMessage{Type: eventType, RequestID: requestID}
	if payload != nil {
		msg.Data, _ = json.Marshal(payload)
	}
	f.manager.HandleIncomingMessage(context.Background(), conn, msg)
}

func TestSessionMessageReachesRoom(t *testing.T) {
	f := newGatewayFixture(t)
	aliceConn, aliceSock := f.connect("alice", domain.RoleUser)
	bobConn, bobSock := f.connect("bob", domain.RoleCoach)

	f.emit(aliceConn, domain.EventJoinSession, "j1", domain.JoinSessionRequest{SessionID: "s1"})
	f.emit(bobConn, domain.EventJoinSession, "j2", domain.JoinSessionRequest{SessionID: "s1"})
	if got := f.manager.GetRoomConnectionCount(SessionRoom("s1")); got != 2 {
		t.Fatalf("expected 2 members in session room, got %d", got)
	}
	if joined := aliceSock.ofType(domain.EventSessionJoined); len(joined) != 1 || joined[0].RequestID != "j1" {
		t.Fatalf("expected session_joined ack, got %+v", joined)
	}

	session := "s1"
	f.emit(aliceConn, domain.EventSendMessage, "m1", domain.SendMessageRequest{Content: "hello coach", ReceiverID: "bob", SessionID: &session})

	acks := aliceSock.ofType(domain.EventMessageSent)
	if len(acks) != 1 || acks[0].RequestID != "m1" {
		t.Fatalf("expected message-sent ack correlated to m1, got %+v", acks)
	}
	var stored domain.Message
	if err := json.Unmarshal(acks[0].Data, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.SenderID != "alice" || stored.ReceiverType != domain.RoleCoach {
		t.Fatalf("unexpected stored message %+v", stored)
	}

	if got := bobSock.ofType(domain.EventNewMessage); len(got) != 1 {
		t.Fatalf("expected bob to receive new-message once, got %d", len(got))
	}
	if got := bobSock.ofType(domain.EventConversationUpd); len(got) != 1 {
		t.Fatalf("expected conversation-updated for bob, got %d", len(got))
	}
}

func TestDirectMessageGoesToReceiverRoom(t *testing.T) {
	f := newGatewayFixture(t)
	aliceConn, aliceSock := f.connect("alice", domain.RoleUser)
	_, bobPhone := f.connect("bob", domain.RoleCoach)
	_, bobLaptop := f.connect("bob", domain.RoleCoach)

	f.emit(aliceConn, domain.EventSendMessage, "m1", domain.SendMessageRequest{Content: "hi", ReceiverID: "bob"})

	if len(bobPhone.ofType(domain.EventNewMessage)) != 1 || len(bobLaptop.ofType(domain.EventNewMessage)) != 1 {
		t.Fatal("expected every connection of the receiver to get the message")
	}
	if len(aliceSock.ofType(domain.EventNewMessage)) != 0 {
		t.Fatal("sender should only get the ack for a direct message")
	}
}

func TestSendErrorsCarryCodeAndRequestID(t *testing.T) {
	f := newGatewayFixture(t)
	aliceConn, aliceSock := f.connect("alice", domain.RoleUser)

	f.emit(aliceConn, domain.EventSendMessage, "bad", domain.SendMessageRequest{Content: "", ReceiverID: "bob"})
	f.emit(aliceConn, domain.EventSendMessage, "ghost", domain.SendMessageRequest{Content: "hi", ReceiverID: "nobody"})
	other := "s-other"
	f.emit(aliceConn, domain.EventSendMessage, "foreign", domain.SendMessageRequest{Content: "hi", ReceiverID: "bob", SessionID: &other})
	f.emit(aliceConn, "no-such-event", "unknown", nil)

	want := map[string]string{"bad": "validation", "ghost": "not_found", "foreign": "not_found", "unknown": "validation"}
	errs := aliceSock.ofType(domain.EventError)
	if len(errs) != len(want) {
		t.Fatalf("expected %d errors, got %+v", len(want), errs)
	}
	for _, e := range errs {
		if e.Success || want[e.RequestID] != e.Code {
			t.Errorf("request %s: expected code %s, got %+v", e.RequestID, want[e.RequestID], e)
		}
	}
}

func TestTypingReachesPeerOnly(t *testing.T) {
	f := newGatewayFixture(t)
	aliceConn, aliceSock := f.connect("alice", domain.RoleUser)
	_, bobSock := f.connect("bob", domain.RoleCoach)
	rootConn, rootSock := f.connect("root", domain.RoleAdmin)

	msg, err := f.msgSvc.Create(context.Background(), service.CreateMessageInput{Content: "hi", SenderID: "alice", SenderRole: domain.RoleUser, ReceiverID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	convID := msg.ConversationID.String()

	f.emit(aliceConn, domain.EventTypingStart, "", domain.TypingRequest{ConversationID: convID})
	started := bobSock.ofType(domain.EventTypingStart)
	if len(started) != 1 {
		t.Fatalf("expected typing-start for bob, got %d", len(started))
	}
	var ev domain.TypingEvent
	decode(t, started[0].Data, &ev)
	if ev.UserID != "alice" || ev.ConversationID != convID {
		t.Fatalf("unexpected typing event %+v", ev)
	}
	if len(aliceSock.ofType(domain.EventTypingStart)) != 0 {
		t.Fatal("typing should not echo back to the typist")
	}

	f.emit(aliceConn, domain.EventTypingStop, "", domain.TypingRequest{ConversationID: convID})
	if len(bobSock.ofType(domain.EventTypingStop)) != 1 {
		t.Fatal("expected typing-stop for bob")
	}

	// an admin can see the conversation but has no peer in it
	f.emit(rootConn, domain.EventTypingStart, "r1", domain.TypingRequest{ConversationID: convID})
	if errs := rootSock.ofType(domain.EventError); len(errs) != 1 || errs[0].Code != "forbidden" {
		t.Fatalf("expected forbidden for non-participant typing, got %+v", errs)
	}
}

func TestMarkReadNotifiesSender(t *testing.T) {
	f := newGatewayFixture(t)
	aliceConn, aliceSock := f.connect("alice", domain.RoleUser)
	bobConn, bobSock := f.connect("bob", domain.RoleCoach)

	msg, err := f.msgSvc.Create(context.Background(), service.CreateMessageInput{Content: "hi", SenderID: "alice", SenderRole: domain.RoleUser, ReceiverID: "bob"})
	if err != nil {
		t.Fatal(err)
	}

	f.emit(aliceConn, domain.EventMarkRead, "a1", domain.MarkReadRequest{MessageID: msg.ID.String()})
	if errs := aliceSock.ofType(domain.EventError); len(errs) != 1 || errs[0].Code != "forbidden" {
		t.Fatalf("sender must not mark own message read, got %+v", errs)
	}

	f.emit(bobConn, domain.EventMarkRead, "b1", domain.MarkReadRequest{MessageID: msg.ID.String()})
	if acks := bobSock.ofType(domain.EventMessageRead); len(acks) != 1 || acks[0].RequestID != "b1" {
		t.Fatalf("expected read ack for bob, got %+v", acks)
	}
	receipts := aliceSock.ofType(domain.EventMessageRead)
	if len(receipts) != 1 {
		t.Fatalf("expected read receipt for alice, got %d", len(receipts))
	}
	var ev domain.MessageReadEvent
	decode(t, receipts[0].Data, &ev)
	if ev.MessageID != msg.ID || ev.ReadAt == nil {
		t.Fatalf("unexpected receipt %+v", ev)
	}
}

func TestPresenceFollowsFirstAndLastConnection(t *testing.T) {
	f := newGatewayFixture(t)
	_, watcher := f.connect("root", domain.RoleAdmin)

	first, _ := f.connect("bob", domain.RoleCoach)
	second, _ := f.connect("bob", domain.RoleCoach)
	if got := len(aboutUser(watcher.ofType(domain.EventUserOnline), "bob")); got != 1 {
		t.Fatalf("expected one user-online for bob, got %d", got)
	}
	if !f.presence.isOnline("bob") {
		t.Fatal("expected bob online in presence store")
	}

	f.manager.Disconnect(context.Background(), first)
	if len(aboutUser(watcher.ofType(domain.EventUserOffline), "bob")) != 0 || !f.presence.isOnline("bob") {
		t.Fatal("bob still has a connection")
	}

	f.manager.Disconnect(context.Background(), second)
	offline := aboutUser(watcher.ofType(domain.EventUserStatusChanged), "bob")
	var last domain.UserStatusEvent
	decode(t, offline[len(offline)-1].Data, &last)
	if last.IsOnline || last.LastSeen == nil || f.presence.isOnline("bob") {
		t.Fatalf("expected bob offline with last seen, got %+v", last)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newGatewayFixture(t)
	conn, sock := f.connect("alice", domain.RoleUser)
	f.emit(conn, domain.EventJoinSession, "", domain.JoinSessionRequest{SessionID: "s1"})

	f.manager.Disconnect(context.Background(), conn)
	f.manager.Disconnect(context.Background(), conn)

	if sock.closed != 1 {
		t.Fatalf("expected one close, got %d", sock.closed)
	}
	if f.manager.ConnectionCount() != 0 || len(f.manager.GetActiveConnections()) != 0 {
		t.Fatalf("expected no rooms left, got %v", f.manager.GetActiveConnections())
	}
	users, _ := f.presence.GetSessionUsers(context.Background(), "s1")
	if len(users["users"].(map[string]interface{})) != 0 {
		t.Fatal("expected session membership cleared on disconnect")
	}
}

func TestFailedWriteDropsConnection(t *testing.T) {
	f := newGatewayFixture(t)
	aliceConn, _ := f.connect("alice", domain.RoleUser)
	_, bobSock := f.connect("bob", domain.RoleCoach)
	bobSock.failing = true

	f.emit(aliceConn, domain.EventSendMessage, "", domain.SendMessageRequest{Content: "hi", ReceiverID: "bob"})

	if got := f.manager.GetRoomConnectionCount(UserRoom("bob")); got != 0 {
		t.Fatalf("expected broken connection removed, got %d", got)
	}
	if f.manager.GetRoomConnectionCount(UserRoom("alice")) != 1 {
		t.Fatal("healthy connection should stay")
	}
}

func TestLeaveUnjoinedSessionIsNoop(t *testing.T) {
	f := newGatewayFixture(t)
	conn, sock := f.connect("alice", domain.RoleUser)

	f.emit(conn, domain.EventLeaveSession, "", domain.LeaveSessionRequest{SessionID: "s1"})
	if len(sock.ofType(domain.EventError)) != 0 {
		t.Fatal("leaving an unjoined session should not fail")
	}
}

func TestHandleInboundMessageDelivers(t *testing.T) {
	f := newGatewayFixture(t)
	_, aliceSock := f.connect("alice", domain.RoleUser)

	serviceID := "svc-1"
	err := f.manager.HandleInboundMessage(context.Background(), domain.InboundMessage{
		SenderID:        "bob",
		SenderRole:      domain.RoleCoach,
		ReceiverID:      "alice",
		Content:         "Custom plan",
		MessageType:     domain.MessageTypeCustomService,
		CustomServiceID: &serviceID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(aliceSock.ofType(domain.EventNewMessage)) != 1 {
		t.Fatal("expected inbound message delivered to alice")
	}

	err = f.manager.HandleInboundMessage(context.Background(), domain.InboundMessage{
		SenderID: "bob", SenderRole: domain.RoleCoach, ReceiverID: "alice", Content: "x", MessageType: domain.MessageTypeCustomService,
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error without custom service id, got %v", err)
	}
}

func TestPingPong(t *testing.T) {
	f := newGatewayFixture(t)
	conn, sock := f.connect("alice", domain.RoleUser)

	f.emit(conn, domain.EventPing, "p1", nil)
	if pongs := sock.ofType(domain.EventPong); len(pongs) != 1 || pongs[0].RequestID != "p1" {
		t.Fatalf("expected pong for p1, got %+v", pongs)
	}
}

func TestSessionMembershipIsPublished(t *testing.T) {
	f := newGatewayFixture(t)
	aliceConn, _ := f.connect("alice", domain.RoleUser)
	bobConn, _ := f.connect("bob", domain.RoleCoach)

	f.emit(aliceConn, domain.EventJoinSession, "", domain.JoinSessionRequest{SessionID: "s1"})
	f.emit(bobConn, domain.EventJoinSession, "", domain.JoinSessionRequest{SessionID: "s1"})
	f.emit(aliceConn, domain.EventLeaveSession, "", domain.LeaveSessionRequest{SessionID: "s1"})
	f.manager.Disconnect(context.Background(), bobConn)

	events := f.publisher.sessionEvents()
	want := []struct {
		user   string
		action string
	}{
		{"alice", domain.SessionActionJoin},
		{"bob", domain.SessionActionJoin},
		{"alice", domain.SessionActionLeave},
		{"bob", domain.SessionActionLeave},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d session events, got %+v", len(want), events)
	}
	for i, w := range want {
		if events[i].UserID != w.user || events[i].Action != w.action || events[i].SessionID != "s1" {
			t.Fatalf("event %d: expected %s %s, got %+v", i, w.user, w.action, events[i])
		}
	}
	if events[1].UserType != domain.RoleCoach {
		t.Fatalf("expected the coach role on bob's event, got %s", events[1].UserType)
	}
}

func TestPresencePublishIsBounded(t *testing.T) {
	f := newGatewayFixture(t)
	conn, _ := f.connect("alice", domain.RoleUser)
	f.manager.Disconnect(context.Background(), conn)

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	statuses := 0
	for i, e := range f.publisher.events {
		if _, ok := e.(domain.ConnectionStatusMessage); !ok {
			continue
		}
		statuses++
		if !f.publisher.deadline[i] {
			t.Fatal("connection status published without a deadline")
		}
	}
	if statuses != 2 {
		t.Fatalf("expected online and offline status events, got %d", statuses)
	}
}
