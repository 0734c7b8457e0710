package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// HeaderCorrelationID carries the request correlation identifier in both directions.
const HeaderCorrelationID = "X-Correlation-ID"

const maxCorrelationIDLength = 128

type correlationIDKey struct{}

// CorrelationID binds a correlation identifier to the request user context and echoes it
// back. A caller-supplied X-Correlation-ID or X-Request-ID is kept when it is a short
// printable token; anything else is replaced with a fresh UUID.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := acceptableCorrelationID(c.Get(HeaderCorrelationID))
		if id == "" {
			id = acceptableCorrelationID(c.Get(fiber.HeaderXRequestID))
		}
		if id == "" {
			id = uuid.NewString()
		}

		c.Set(HeaderCorrelationID, id)
		c.Locals("correlation_id", id)
		c.SetUserContext(context.WithValue(c.UserContext(), correlationIDKey{}, id))

		return c.Next()
	}
}

func acceptableCorrelationID(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" || len(value) > maxCorrelationIDLength {
		return ""
	}
	for _, r := range value {
		if r < '!' || r > '~' {
			return ""
		}
	}
	return value
}

// CorrelationIDFromContext returns the identifier stored by CorrelationID, if any.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// GetCorrelationID returns the correlation identifier of the active request. The
// websocket handler only sees fiber locals, so those are checked too.
func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id := CorrelationIDFromContext(c.UserContext()); id != "" {
		return id
	}
	id, _ := c.Locals("correlation_id").(string)
	return id
}
