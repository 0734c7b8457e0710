package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

// RateLimit creates a limiter keyed by user and, when present, the policyID route
// parameter.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			userID := fmt.Sprintf("%v", c.Locals("user_id"))
			if userID == "" || userID == "0" || userID == "<nil>" {
				userID = c.IP()
			}
			if policy := c.Params("policyID"); policy != "" {
				return fmt.Sprintf("%s:%s:%s", identifier, userID, policy)
			}
			return fmt.Sprintf("%s:%s", identifier, userID)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return utils.SendError(c, fiber.StatusTooManyRequests, "too many requests")
		},
	})
}
