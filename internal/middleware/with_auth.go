package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

// Auth role constants used by WithAuth.
const (
	AuthRoleAny     = "any"
	AuthRoleStaff   = "staff"
	AuthRoleLearner = "learner"
)

// AuthOptions configures WithAuth.
type AuthOptions struct {
	Role        string
	RequireUser bool
}

// WithAuth guards a route group: learners take assessments, staff author and grade them.
// Staff may also open sessions, which lets teachers preview an assessment.
func WithAuth(opts AuthOptions) fiber.Handler {
	role := strings.ToLower(strings.TrimSpace(opts.Role))
	if role == "" {
		role = AuthRoleAny
	}
	requireUser := opts.RequireUser || role != AuthRoleAny

	return func(c *fiber.Ctx) error {
		userID := c.Locals("user_id")
		if requireUser && (userID == nil || userID == uint(0)) {
			return utils.Fail(c, fiber.StatusUnauthorized, "authentication required", nil)
		}

		current := normalizeRoleValue(c.Locals("user_role"))
		switch role {
		case AuthRoleAny:
			return c.Next()
		case AuthRoleStaff:
			if !isStaff(current) {
				return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", nil)
			}
		case AuthRoleLearner:
			if current != "student" && current != "" && !isStaff(current) {
				return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", nil)
			}
		default:
			if current != role {
				return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", nil)
			}
		}

		return c.Next()
	}
}

func isStaff(role string) bool {
	return role == "admin" || role == "teacher"
}
