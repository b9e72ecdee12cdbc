package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/example/stablepay/internal/utils"
)

const clientContextKey = "clientKey"

// ClientSession validates the storefront session token and loads the client key into context.
func ClientSession(jwtSecret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid authorization header")
		}

		clientKey, err := utils.ParseClientToken(jwtSecret, parts[1])
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals(clientContextKey, clientKey.String())
		return c.Next()
	}
}

// GetClientKey extracts the authenticated client key from context.
func GetClientKey(c *fiber.Ctx) (string, bool) {
	key, ok := c.Locals(clientContextKey).(string)
	return key, ok && key != ""
}
