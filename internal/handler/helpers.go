package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/middleware"
	"github.com/noah-isme/gema-assessment-api/internal/service"
)

func parseUintParam(c *fiber.Ctx, name string) (uint, error) {
	value := strings.TrimSpace(c.Params(name))
	if value == "" {
		return 0, fmt.Errorf("%s required", name)
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return uint(parsed), nil
}

func parseIndex(raw string) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, errors.New("index required")
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.New("invalid index")
	}
	return parsed, nil
}

func parseQueryUint(c *fiber.Ctx, key string) (uint, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return uint(parsed), nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	return userIDFromLocal(c.Locals("user_id"))
}

func userIDFromLocal(value interface{}) uint {
	switch id := value.(type) {
	case uint:
		return id
	case int:
		if id < 0 {
			return 0
		}
		return uint(id)
	case float64:
		if id < 0 {
			return 0
		}
		return uint(id)
	default:
		return 0
	}
}

func userRoleFromContext(c *fiber.Ctx) string {
	if role, ok := c.Locals("user_role").(string); ok {
		return role
	}
	return ""
}

func actorFromContext(c *fiber.Ctx) service.Actor {
	return service.Actor{
		ID:   userIDFromContext(c),
		Role: userRoleFromContext(c),
	}
}

// withRequestContext returns the request context, which carries the correlation id.
func withRequestContext(c *fiber.Ctx) context.Context {
	return c.UserContext()
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

func validationDetails(err error) []string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details = append(details, fmt.Sprintf("%s failed on %s", fieldErr.Namespace(), fieldErr.Tag()))
	}
	return details
}
