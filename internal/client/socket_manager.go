// Package client is the Go counterpart of the browser chat client: one live
// connection with reconnect, typing signals, a REST fallback for sends, and
// the conversation list builder.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"coaching-chat/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/raulk/clock"
	"go.uber.org/zap"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StatePersistentDisconnect is reached once every reconnect attempt failed.
	StatePersistentDisconnect
	// StateClosed means the server or the caller ended the connection on purpose.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StatePersistentDisconnect:
		return "persistent-disconnect"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	MaxReconnectAttempts = 5
	ReconnectBaseDelay   = time.Second
	DefaultAckTimeout    = 10 * time.Second
)

// ErrAckTimeout means a request was written but the server never answered.
// The request may still have been applied.
var ErrAckTimeout = fmt.Errorf("acknowledgment timed out: %w", domain.ErrChannel)

// ServerEvent is one frame pushed by the gateway.
type ServerEvent struct {
	Type      string          `json:"type"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Err turns an error frame back into the matching sentinel.
func (e ServerEvent) Err() error {
	if e.Type != domain.EventError && e.Success {
		return nil
	}
	var sentinel error
	switch e.Code {
	case "not_found":
		sentinel = domain.ErrNotFound
	case "forbidden":
		sentinel = domain.ErrForbidden
	case "validation":
		sentinel = domain.ErrValidation
	case "channel":
		sentinel = domain.ErrChannel
	default:
		return fmt.Errorf("server error: %s", e.Error)
	}
	return fmt.Errorf("%s: %w", e.Error, sentinel)
}

type Handler func(ServerEvent)

type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// GorillaDialer dials the gateway with gorilla/websocket.
type GorillaDialer struct {
	Dialer *websocket.Dialer
}

func (d GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type Option func(*SocketManager)

func WithClock(c clock.Clock) Option {
	return func(m *SocketManager) { m.clock = c }
}

// WithWait replaces the delay between reconnect attempts.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(m *SocketManager) { m.wait = wait }
}

func WithAckTimeout(d time.Duration) Option {
	return func(m *SocketManager) { m.ackTimeout = d }
}

// OnPersistentDisconnect registers the callback run after the last failed
// reconnect attempt.
func OnPersistentDisconnect(fn func(error)) Option {
	return func(m *SocketManager) { m.onPersistent = fn }
}

func OnStateChange(fn func(State)) Option {
	return func(m *SocketManager) { m.onState = fn }
}

// SocketManager owns at most one live connection to the gateway.
type SocketManager struct {
	url          string
	header       http.Header
	dialer       Dialer
	clock        clock.Clock
	wait         func(ctx context.Context, d time.Duration) error
	ackTimeout   time.Duration
	onPersistent func(error)
	onState      func(State)

	mu       sync.Mutex
	conn     Conn
	state    State
	handlers map[string][]Handler
	pending  map[string]chan ServerEvent
	writeMux sync.Mutex
}

func NewSocketManager(url, token string, dialer Dialer, opts ...Option) *SocketManager {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	m := &SocketManager{
		url:        url,
		header:     header,
		dialer:     dialer,
		clock:      clock.New(),
		ackTimeout: DefaultAckTimeout,
		handlers:   make(map[string][]Handler),
		pending:    make(map[string]chan ServerEvent),
	}
	m.wait = m.sleep
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// newBackOff yields 1s, 2s, 4s, 8s, 16s and then stops.
func newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = ReconnectBaseDelay
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = ReconnectBaseDelay << (MaxReconnectAttempts - 1)
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, MaxReconnectAttempts)
}

func (m *SocketManager) sleep(ctx context.Context, d time.Duration) error {
	timer := m.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Connect dials the gateway once and starts reading. Reconnects happen on
// their own after an unexpected drop; ctx bounds the whole connection
// lifetime, reconnects included.
func (m *SocketManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.setState(StateConnecting)
	conn, err := m.dialer.Dial(ctx, m.url, m.header)
	if err != nil {
		if m.State() != StateClosed {
			m.setState(StateDisconnected)
		}
		return fmt.Errorf("dial %s: %v: %w", m.url, err, domain.ErrChannel)
	}
	if !m.install(ctx, conn) {
		return fmt.Errorf("dial %s: closed while dialing: %w", m.url, domain.ErrChannel)
	}
	return nil
}

// install makes conn the live connection, replacing and closing any
// previous one. A manager closed while the dial was in flight discards conn.
func (m *SocketManager) install(ctx context.Context, conn Conn) bool {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		_ = conn.Close()
		return false
	}
	old := m.conn
	m.conn = conn
	changed := m.state != StateConnected
	m.state = StateConnected
	m.mu.Unlock()

	if old != nil && old != conn {
		_ = old.Close()
	}
	if changed && m.onState != nil {
		m.onState(StateConnected)
	}
	go m.readLoop(ctx, conn)
	return true
}

func (m *SocketManager) readLoop(ctx context.Context, conn Conn) {
	for {
		var ev ServerEvent
		if err := conn.ReadJSON(&ev); err != nil {
			m.handleDrop(ctx, conn, err)
			return
		}
		m.dispatch(ev)
	}
}

func (m *SocketManager) handleDrop(ctx context.Context, conn Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	closedByUs := m.state == StateClosed
	m.mu.Unlock()
	_ = conn.Close()
	m.failPending()

	if closedByUs {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
		zap.S().Infof("Server closed the connection: %v", err)
		m.setState(StateClosed)
		return
	}

	zap.S().Warnf("Connection lost: %v", err)
	m.reconnect(ctx, err)
}

func (m *SocketManager) reconnect(ctx context.Context, cause error) {
	m.setState(StateReconnecting)
	b := newBackOff()
	lastErr := cause

	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		if err := m.wait(ctx, delay); err != nil {
			m.setState(StateDisconnected)
			return
		}
		if m.State() == StateClosed {
			return
		}

		conn, err := m.dialer.Dial(ctx, m.url, m.header)
		if err == nil {
			if m.install(ctx, conn) {
				zap.S().Infof("Reconnected after %d attempt(s)", attempt)
			}
			return
		}
		lastErr = err
		zap.S().Warnf("Reconnect attempt %d/%d failed: %v", attempt, MaxReconnectAttempts, err)
	}

	m.setState(StatePersistentDisconnect)
	if m.onPersistent != nil {
		m.onPersistent(fmt.Errorf("gave up after %d attempts: %v: %w", MaxReconnectAttempts, lastErr, domain.ErrChannel))
	}
}

func (m *SocketManager) dispatch(ev ServerEvent) {
	m.mu.Lock()
	if ev.RequestID != "" {
		if waiter, ok := m.pending[ev.RequestID]; ok {
			delete(m.pending, ev.RequestID)
			waiter <- ev
		}
	}
	handlers := append([]Handler(nil), m.handlers[ev.Type]...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (m *SocketManager) failPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, waiter := range m.pending {
		close(waiter)
		delete(m.pending, id)
	}
}

// On registers a handler for one server event type. Handlers run on the
// read goroutine, one at a time.
func (m *SocketManager) On(eventType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = append(m.handlers[eventType], h)
}

func (m *SocketManager) IsConnected() bool {
	return m.State() == StateConnected
}

func (m *SocketManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *SocketManager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed && m.onState != nil {
		m.onState(s)
	}
}

// Emit writes an event without waiting for an answer.
func (m *SocketManager) Emit(eventType string, data interface{}) error {
	return m.emit(eventType, "", data)
}

func (m *SocketManager) emit(eventType, requestID string, data interface{}) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("emit %s: not connected: %w", eventType, domain.ErrChannel)
	}

	msg := domain.WebSocketMessage{Type: eventType, RequestID: requestID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s: %w", eventType, err)
		}
		msg.Data = raw
	}

	m.writeMux.Lock()
	defer m.writeMux.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("emit %s: %v: %w", eventType, err, domain.ErrChannel)
	}
	return nil
}

// Request emits an event tagged with a request id and waits for the frame
// that answers it.
func (m *SocketManager) Request(ctx context.Context, eventType string, data interface{}) (ServerEvent, error) {
	requestID := uuid.NewString()
	waiter := make(chan ServerEvent, 1)

	m.mu.Lock()
	m.pending[requestID] = waiter
	m.mu.Unlock()

	if err := m.emit(eventType, requestID, data); err != nil {
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
		return ServerEvent{}, err
	}

	timer := m.clock.Timer(m.ackTimeout)
	defer timer.Stop()

	select {
	case ev, ok := <-waiter:
		if !ok {
			return ServerEvent{}, fmt.Errorf("%s: connection dropped before answer: %w", eventType, ErrAckTimeout)
		}
		return ev, ev.Err()
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	delete(m.pending, requestID)
	m.mu.Unlock()
	if ctx.Err() != nil {
		return ServerEvent{}, ctx.Err()
	}
	return ServerEvent{}, fmt.Errorf("%s: %w", eventType, ErrAckTimeout)
}

// Close ends the connection without triggering a reconnect.
func (m *SocketManager) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	m.setState(StateClosed)
	m.failPending()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

var _ Conn = (*websocket.Conn)(nil)

// Dial connects with the default gorilla dialer.
func Dial(ctx context.Context, url, token string, opts ...Option) (*SocketManager, error) {
	m := NewSocketManager(url, token, GorillaDialer{}, opts...)
	return m, m.Connect(ctx)
}
