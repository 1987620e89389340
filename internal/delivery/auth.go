package delivery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"coaching-chat/internal/domain"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const identityKey = "identity"

var errUnauthenticated = errors.New("unauthenticated")

// Claims carries the caller's id in sub and their role.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

func (v *TokenVerifier) Verify(token string) (domain.Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return domain.Identity{}, fmt.Errorf("%w: token is missing subject or role", errUnauthenticated)
	}
	return domain.Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

// Sign issues a token for identity, used by local tooling and tests.
func (v *TokenVerifier) Sign(identity domain.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// requireAuth accepts a bearer token, or a token query parameter for
// websocket upgrades where browsers cannot set headers.
func (s *Server) requireAuth(c *fiber.Ctx) error {
	token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		return unauthorized(c, "Missing access token")
	}

	identity, err := s.verifier.Verify(token)
	if err != nil {
		return unauthorized(c, err.Error())
	}
	c.Locals(identityKey, identity)
	return c.Next()
}

func unauthorized(c *fiber.Ctx, reason string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"success": false,
		"message": "Unauthorized",
		"error":   reason,
	})
}

func identityFrom(c *fiber.Ctx) domain.Identity {
	identity, _ := c.Locals(identityKey).(domain.Identity)
	return identity
}
