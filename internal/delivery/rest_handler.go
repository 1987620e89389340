package delivery

import (
	"errors"
	"fmt"
	"strconv"

	"coaching-chat/internal/domain"
	"coaching-chat/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *Server) handleGetSessionConnectionStatus(c *fiber.Ctx) error {
	sessionID := c.Params("session_id")
	if sessionID == "" {
		return badRequest(c, "Invalid session ID", errors.New("session id is required"))
	}

	status, err := s.presence.GetSessionUsers(c.Context(), sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to get connection status",
			"error":   err.Error(),
		})
	}

	return ok(c, "Connection status retrieved successfully", status)
}

func (s *Server) handleGetPresence(c *fiber.Ctx) error {
	status, err := s.presence.GetPresence(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to get presence",
			"error":   err.Error(),
		})
	}
	return ok(c, "Presence retrieved successfully", status)
}

func (s *Server) handleListConversations(c *fiber.Ctx) error {
	identity := identityFrom(c)

	var q service.ConversationQuery
	if raw := c.Query("isPinned"); raw != "" {
		pinned, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest(c, "Invalid isPinned filter", err)
		}
		q.IsPinned = &pinned
	}

	convs, err := s.conversations.FindAll(c.Context(), identity.UserID, identity.Role, q)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "Conversations retrieved successfully", convs)
}

func (s *Server) handleGetConversation(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid conversation ID", err)
	}
	identity := identityFrom(c)

	conv, err := s.conversations.FindOne(c.Context(), id, identity.UserID, identity.Role)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "Conversation retrieved successfully", conv)
}

// handleGetTyping returns who is typing in a conversation the caller can see.
func (s *Server) handleGetTyping(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid conversation ID", err)
	}
	identity := identityFrom(c)
	if _, err := s.conversations.FindOne(c.Context(), id, identity.UserID, identity.Role); err != nil {
		return writeError(c, err)
	}

	users, err := s.presence.GetTypingUsers(c.Context(), id.String())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to get typing users",
			"error":   err.Error(),
		})
	}
	if users == nil {
		users = []string{}
	}
	return ok(c, "Typing users retrieved successfully", users)
}

func (s *Server) handlePinConversation(c *fiber.Ctx) error {
	return s.setPin(c, true)
}

func (s *Server) handleUnpinConversation(c *fiber.Ctx) error {
	return s.setPin(c, false)
}

func (s *Server) setPin(c *fiber.Ctx, pinned bool) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid conversation ID", err)
	}
	identity := identityFrom(c)

	var conv *domain.ConversationView
	if pinned {
		conv, err = s.conversations.Pin(c.Context(), id, identity.UserID, identity.Role)
	} else {
		conv, err = s.conversations.Unpin(c.Context(), id, identity.UserID, identity.Role)
	}
	if err != nil {
		return writeError(c, err)
	}

	action := "unpinned"
	if pinned {
		action = "pinned"
	}
	return ok(c, "Conversation "+action+" successfully", conv)
}

func (s *Server) handleCreateMessage(c *fiber.Ctx) error {
	var req domain.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body", err)
	}
	if err := validateStruct(&req); err != nil {
		return writeError(c, err)
	}
	identity := identityFrom(c)

	msg, err := s.messages.Create(c.Context(), service.CreateMessageInput{
		Content:         req.Content,
		ReceiverID:      req.ReceiverID,
		SenderID:        identity.UserID,
		SenderRole:      identity.Role,
		SessionID:       req.SessionID,
		MessageType:     req.MessageType,
		CustomServiceID: req.CustomServiceID,
	})
	if err != nil {
		return writeError(c, err)
	}

	s.wsManager.DeliverMessage(msg)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "Message sent successfully",
		"data":    msg,
	})
}

func (s *Server) handleListMessages(c *fiber.Ctx) error {
	identity := identityFrom(c)

	var q service.MessageQuery
	if raw := c.Query("sessionId"); raw != "" {
		q.SessionID = &raw
	}
	if raw := c.Query("conversationWith"); raw != "" {
		q.ConversationWith = &raw
	}
	if raw := c.Query("messageType"); raw != "" {
		mt := domain.MessageType(raw)
		if !mt.Valid() {
			return badRequest(c, "Invalid messageType filter", fmt.Errorf("unknown message type %q", raw))
		}
		q.MessageType = &mt
	}
	if raw := c.Query("conversationId"); raw != "" {
		convID, err := uuid.Parse(raw)
		if err != nil {
			return badRequest(c, "Invalid conversationId filter", err)
		}
		member, err := s.conversations.ExistsWithParticipant(c.Context(), convID, identity.UserID)
		if err != nil {
			return writeError(c, err)
		}
		if !member {
			return writeError(c, fmt.Errorf("conversation %s: %w", convID, domain.ErrForbidden))
		}
		q.ConversationID = &convID
	}

	msgs, err := s.messages.FindAll(c.Context(), identity.UserID, q)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "Messages retrieved successfully", msgs)
}

func (s *Server) handleConversationMessages(c *fiber.Ctx) error {
	identity := identityFrom(c)
	msgs, err := s.messages.FindConversation(c.Context(), identity.UserID, c.Params("userId"))
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "Conversation retrieved successfully", msgs)
}

func (s *Server) handleSessionMessages(c *fiber.Ctx) error {
	identity := identityFrom(c)
	msgs, err := s.messages.FindBySession(c.Context(), c.Params("sessionId"), identity.UserID, identity.Role)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "Session messages retrieved successfully", msgs)
}

func (s *Server) handleGetMessage(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid message ID", err)
	}
	msg, err := s.messages.FindOne(c.Context(), id, identityFrom(c).UserID)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "Message retrieved successfully", msg)
}

func (s *Server) handleMarkRead(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "Invalid message ID", err)
	}

	var body struct {
		IsRead *bool `json:"isRead"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "Invalid request body", err)
		}
	}

	msg, err := s.messages.MarkAsRead(c.Context(), id, identityFrom(c).UserID, body.IsRead)
	if err != nil {
		return writeError(c, err)
	}

	s.wsManager.DeliverReadReceipt(msg)
	return ok(c, "Read state updated successfully", msg)
}

func (s *Server) handleUnreadCount(c *fiber.Ctx) error {
	count, err := s.messages.GetUnreadCountByRecipient(c.Context(), identityFrom(c).UserID)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "Unread count retrieved successfully", fiber.Map{"count": count})
}

func (s *Server) handleMarkAllRead(c *fiber.Ctx) error {
	updated, err := s.messages.MarkAllAsReadByRecipient(c.Context(), identityFrom(c).UserID)
	if err != nil {
		return writeError(c, err)
	}
	return ok(c, "Messages marked as read", fiber.Map{"updated": updated})
}

func ok(c *fiber.Ctx, message string, data interface{}) error {
	return c.JSON(fiber.Map{
		"success": true,
		"message": message,
		"data":    data,
	})
}

func badRequest(c *fiber.Ctx, message string, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"message": message,
		"error":   err.Error(),
	})
}

// writeError maps service errors onto HTTP statuses. Internal failures are
// logged and reported without detail.
func writeError(c *fiber.Ctx, err error) error {
	status, message := fiber.StatusInternalServerError, "Internal server error"
	detail := "internal error"

	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, message, detail = fiber.StatusNotFound, "Not found", err.Error()
	case errors.Is(err, domain.ErrForbidden):
		status, message, detail = fiber.StatusForbidden, "Forbidden", err.Error()
	case errors.Is(err, domain.ErrValidation):
		status, message, detail = fiber.StatusBadRequest, "Validation failed", err.Error()
	default:
		zap.S().Errorf("%s %s failed: %v", c.Method(), c.Path(), err)
	}

	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": message,
		"error":   detail,
	})
}
