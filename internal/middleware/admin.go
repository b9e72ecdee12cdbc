package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/example/stablepay/internal/utils"
)

// AdminKeyHeader carries the operator API key.
const AdminKeyHeader = "X-Admin-Key"

// AdminKey checks the operator key against its bcrypt hash. With no hash
// configured every request is refused.
func AdminKey(keyHash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !utils.CheckKey(keyHash, c.Get(AdminKeyHeader)) {
			return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
		}
		return c.Next()
	}
}
