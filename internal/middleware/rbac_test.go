package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func roleApp(role string) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_role", role)
		return c.Next()
	})
	app.Use(RequireRole("Admin", "admin"))
	app.Get("/audit", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return app
}

func TestRequireRoleAllowsAuthorizedRoles(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	resp, err := roleApp(" ADMIN ").Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRequireRoleRejectsUnauthorizedRoles(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	resp, err := roleApp("teacher").Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	var payload struct {
		Success bool `json:"success"`
		Details struct {
			RequiredRoles []string `json:"required_roles"`
		} `json:"details"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.False(t, payload.Success)
	require.Equal(t, []string{"admin"}, payload.Details.RequiredRoles)
}
