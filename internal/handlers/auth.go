package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/stablepay/internal/utils"
)

// AuthHandler issues storefront client session tokens.
type AuthHandler struct {
	jwtSecret string
	ttl       time.Duration
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(jwtSecret string, ttl time.Duration) *AuthHandler {
	return &AuthHandler{jwtSecret: jwtSecret, ttl: ttl}
}

// CreateSession starts an anonymous client session. The client key inside
// the token scopes checkout locks and intents.
func (h *AuthHandler) CreateSession(c *fiber.Ctx) error {
	token, err := utils.GenerateClientToken(h.jwtSecret, uuid.New(), h.ttl)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to issue session")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"token":      token,
			"expires_in": int(h.ttl.Seconds()),
		},
	})
}
