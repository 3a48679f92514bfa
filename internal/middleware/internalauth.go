package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
)

const internalSecretHeader = "X-Internal-Secret"

// InternalAuth gates the internal API surface behind a shared secret. These
// endpoints are called by the scheduler and by operators, never by end users.
func InternalAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			// Refusing is safer than running the internal surface open.
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "internal API secret not configured",
			})
		}

		provided := c.Get(internalSecretHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}

		return c.Next()
	}
}
