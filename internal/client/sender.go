package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"coaching-chat/internal/domain"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/multierr"
)

const defaultRESTTimeout = 10 * time.Second

// RestClient talks to the /api surface with fiber's HTTP client.
type RestClient struct {
	baseURL string
	token   string
	timeout time.Duration
}

func NewRestClient(baseURL, token string) *RestClient {
	return &RestClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: defaultRESTTimeout,
	}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (r *RestClient) CreateMessage(ctx context.Context, req domain.SendMessageRequest) (*domain.Message, error) {
	agent := fiber.Post(r.baseURL + "/api/messages").JSON(req)
	var msg domain.Message
	if err := r.do(ctx, agent, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *RestClient) ListMessages(ctx context.Context) ([]domain.Message, error) {
	var msgs []domain.Message
	if err := r.do(ctx, fiber.Get(r.baseURL+"/api/messages"), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *RestClient) ListConversations(ctx context.Context) ([]domain.ConversationView, error) {
	var convs []domain.ConversationView
	if err := r.do(ctx, fiber.Get(r.baseURL+"/api/conversations"), &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (r *RestClient) MarkRead(ctx context.Context, messageID string) (*domain.Message, error) {
	agent := fiber.Patch(r.baseURL + "/api/messages/" + url.PathEscape(messageID) + "/read")
	var msg domain.Message
	if err := r.do(ctx, agent, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *RestClient) do(ctx context.Context, agent *fiber.Agent, out interface{}) error {
	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if r.token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+r.token)
	}

	code, body, errs := agent.Timeout(timeout).Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("request failed: %v: %w", multierr.Combine(errs...), domain.ErrChannel)
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode response (status %d): %w", code, err)
	}
	if err := statusError(code, resp); err != nil {
		return err
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Data, out)
}

func statusError(code int, resp apiResponse) error {
	if code >= 200 && code < 300 {
		return nil
	}
	detail := resp.Error
	if detail == "" {
		detail = resp.Message
	}
	switch code {
	case fiber.StatusBadRequest:
		return fmt.Errorf("%s: %w", detail, domain.ErrValidation)
	case fiber.StatusForbidden:
		return fmt.Errorf("%s: %w", detail, domain.ErrForbidden)
	case fiber.StatusNotFound:
		return fmt.Errorf("%s: %w", detail, domain.ErrNotFound)
	default:
		return fmt.Errorf("status %d: %s", code, detail)
	}
}

// LiveChannel is the part of SocketManager a Sender needs.
type LiveChannel interface {
	IsConnected() bool
	Request(ctx context.Context, eventType string, data interface{}) (ServerEvent, error)
}

type MessagePoster interface {
	CreateMessage(ctx context.Context, req domain.SendMessageRequest) (*domain.Message, error)
}

// Sender prefers the live channel and falls back to REST when it is down.
type Sender struct {
	live LiveChannel
	rest MessagePoster
}

func NewSender(live LiveChannel, rest MessagePoster) *Sender {
	return &Sender{live: live, rest: rest}
}

// Send delivers one message. An acknowledgment timeout is returned as is:
// the server may have stored the message, so it is not re-sent over REST.
func (s *Sender) Send(ctx context.Context, req domain.SendMessageRequest) (*domain.Message, error) {
	if s.live != nil && s.live.IsConnected() {
		ev, err := s.live.Request(ctx, domain.EventSendMessage, req)
		switch {
		case err == nil:
			var msg domain.Message
			if err := json.Unmarshal(ev.Data, &msg); err != nil {
				return nil, fmt.Errorf("decode acknowledgment: %w", err)
			}
			return &msg, nil
		case errors.Is(err, ErrAckTimeout), !errors.Is(err, domain.ErrChannel):
			return nil, err
		}
	}
	return s.rest.CreateMessage(ctx, req)
}
