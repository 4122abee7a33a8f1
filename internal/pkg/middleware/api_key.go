package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// KeyAPIClient is the Locals key holding the authenticated client marker.
const KeyAPIClient = "API_CLIENT"

// APIKeyAuthMiddleware authenticates requests carrying the shared API key in
// X-API-Key or an Authorization bearer header. An empty key disables the API.
func APIKeyAuthMiddleware(apiKey string) fiber.Handler {
	if apiKey == "" {
		log.Warn("[Middleware] API_KEY is empty, all API requests will be rejected")
	}
	expected := []byte(apiKey)

	return func(c *fiber.Ctx) error {
		presented := extractAPIKeyFromHeader(c)
		if presented == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			log.Warnf("[Middleware] Rejected API key from %s", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}

		c.Locals(KeyAPIClient, true)
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
