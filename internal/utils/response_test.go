package utils_test

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

func TestResponseEnvelopes(t *testing.T) {
	cases := []struct {
		name    string
		handler fiber.Handler
		status  int
		want    map[string]interface{}
	}{
		{
			name: "success with data",
			handler: func(c *fiber.Ctx) error {
				return utils.SendSuccess(c, "session resolved", fiber.Map{"state": "in_progress"})
			},
			status: fiber.StatusOK,
			want: map[string]interface{}{
				"success": true,
				"message": "session resolved",
				"data":    map[string]interface{}{"state": "in_progress"},
			},
		},
		{
			name: "created defaults message",
			handler: func(c *fiber.Ctx) error {
				return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "", fiber.Map{"id": 3})
			},
			status: fiber.StatusCreated,
			want: map[string]interface{}{
				"success": true,
				"message": "success",
				"data":    map[string]interface{}{"id": float64(3)},
			},
		},
		{
			name: "listing with meta",
			handler: func(c *fiber.Ctx) error {
				return utils.OK(c, []string{"assessment.created"}, "audit trail retrieved", fiber.Map{"page": 1})
			},
			status: fiber.StatusOK,
			want: map[string]interface{}{
				"success": true,
				"message": "audit trail retrieved",
				"data":    []interface{}{"assessment.created"},
				"meta":    map[string]interface{}{"page": float64(1)},
			},
		},
		{
			name: "plain error",
			handler: func(c *fiber.Ctx) error {
				return utils.SendError(c, fiber.StatusConflict, "submission already in progress")
			},
			status: fiber.StatusConflict,
			want: map[string]interface{}{
				"success": false,
				"message": "submission already in progress",
			},
		},
		{
			name: "error with details",
			handler: func(c *fiber.Ctx) error {
				return utils.Fail(c, fiber.StatusForbidden, "attempt limit reached", fiber.Map{"attempt_count": 2})
			},
			status: fiber.StatusForbidden,
			want: map[string]interface{}{
				"success": false,
				"message": "attempt limit reached",
				"details": map[string]interface{}{"attempt_count": float64(2)},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/", tc.handler)

			resp, err := app.Test(httptest.NewRequest("GET", "/", nil), -1)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tc.status, resp.StatusCode)

			var payload map[string]interface{}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
			require.Equal(t, tc.want, payload)
		})
	}
}
