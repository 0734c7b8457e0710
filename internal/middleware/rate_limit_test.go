package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-assessment-api/internal/middleware"
)

func TestRateLimitKeysByUserAndPolicy(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", uint(7))
		return c.Next()
	})
	app.Post("/policies/:policyID/submit", middleware.RateLimit("submit", 1, time.Minute), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	call := func(path string) int {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, path, nil), -1)
		require.NoError(t, err)
		return resp.StatusCode
	}

	require.Equal(t, fiber.StatusNoContent, call("/policies/1/submit"))
	require.Equal(t, fiber.StatusTooManyRequests, call("/policies/1/submit"))
	require.Equal(t, fiber.StatusNoContent, call("/policies/2/submit"))
}
