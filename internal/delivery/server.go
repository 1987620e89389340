package delivery

import (
	"coaching-chat/internal/config"
	"coaching-chat/internal/domain"
	"coaching-chat/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

type Server struct {
	config        *config.Config
	presence      PresenceStore
	wsManager     *WSManager
	messages      *service.MessageService
	conversations *service.ConversationService
	verifier      *TokenVerifier
	app           *fiber.App
}

func NewServer(
	config *config.Config,
	presence PresenceStore,
	wsManager *WSManager,
	messages *service.MessageService,
	conversations *service.ConversationService,
	verifier *TokenVerifier,
) *Server {
	s := &Server{
		config:        config,
		presence:      presence,
		wsManager:     wsManager,
		messages:      messages,
		conversations: conversations,
		verifier:      verifier,
	}
	s.app = s.buildApp()
	return s
}

// App exposes the configured fiber app, mainly for app.Test in tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) buildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "Coaching Chat WebSocket & REST Server",
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
	}))

	corsConfig := cors.Config{
		AllowMethods:     "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With,Access-Control-Request-Method,Access-Control-Request-Headers",
		ExposeHeaders:    "Content-Length,Access-Control-Allow-Origin,Access-Control-Allow-Headers,Content-Type",
		AllowCredentials: s.config.AllowCredentials,
		MaxAge:           86400, // 24 hours
	}

	if s.config.IsProduction() {
		corsConfig.AllowOrigins = s.config.GetCORSOrigins()
		zap.S().Infof("CORS configured for production with origins: %s", corsConfig.AllowOrigins)
	} else {
		corsConfig.AllowOrigins = "*"
		corsConfig.AllowCredentials = false // never with a wildcard origin
		zap.S().Infof("CORS configured for development with wildcard origin")
	}

	app.Use(cors.New(corsConfig))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":       "ok",
			"message":      "Coaching chat server is running",
			"port":         s.config.Port,
			"environment":  s.config.Environment,
			"cors_origins": s.config.GetCORSOrigins(),
			"connections":  s.wsManager.ConnectionCount(),
		})
	})

	api := app.Group("/api", s.requireAuth)
	api.Get("/session/:session_id/connection-status", s.handleGetSessionConnectionStatus)
	api.Get("/users/:id/presence", s.handleGetPresence)

	api.Get("/conversations", s.handleListConversations)
	api.Get("/conversations/:id", s.handleGetConversation)
	api.Get("/conversations/:id/typing", s.handleGetTyping)
	api.Post("/conversations/:id/pin", s.handlePinConversation)
	api.Delete("/conversations/:id/pin", s.handleUnpinConversation)

	api.Post("/messages", s.handleCreateMessage)
	api.Get("/messages", s.handleListMessages)
	api.Get("/messages/unread-count", s.handleUnreadCount)
	api.Patch("/messages/read-all", s.handleMarkAllRead)
	api.Get("/messages/conversation/:userId", s.handleConversationMessages)
	api.Get("/messages/session/:sessionId", s.handleSessionMessages)
	api.Get("/messages/:id", s.handleGetMessage)
	api.Patch("/messages/:id/read", s.handleMarkRead)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, s.requireAuth)

	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		identity, _ := c.Locals(identityKey).(domain.Identity)
		s.wsManager.HandleConnection(c, identity)
	}))

	return app
}

func (s *Server) Start() error {
	zap.S().Infof("Coaching chat server (WebSocket + REST) starting on port %s", s.config.Port)
	return s.app.Listen(":" + s.config.Port)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
