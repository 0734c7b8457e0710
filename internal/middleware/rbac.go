package middleware

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

// RequireRole ensures that the authenticated user possesses one of the allowed roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		normalized := strings.ToLower(strings.TrimSpace(role))
		if normalized == "" {
			continue
		}
		if _, seen := allowed[normalized]; !seen {
			names = append(names, normalized)
		}
		allowed[normalized] = struct{}{}
	}
	sort.Strings(names)
	details := fiber.Map{"required_roles": names}

	return func(c *fiber.Ctx) error {
		role := normalizeRoleValue(c.Locals("user_role"))
		if _, ok := allowed[role]; !ok {
			return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", details)
		}
		return c.Next()
	}
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", value)))
	}
}
