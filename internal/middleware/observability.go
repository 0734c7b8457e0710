package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-assessment-api/internal/observability"
)

const slowRequestThreshold = 500 * time.Millisecond

// Observability records request metrics and one structured log line per API request.
// Session streams are skipped: their lifetime is the socket's, not a request's.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		if !strings.HasPrefix(c.Path(), "/api/") || isWebsocketUpgrade(c) {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		elapsed := time.Since(start)

		method := c.Method()
		route := c.Path()
		if r := c.Route(); r != nil && r.Path != "" {
			route = r.Path
		}
		status := c.Response().StatusCode()
		statusLabel := strconv.Itoa(status)

		observability.APIRequests().WithLabelValues(method, route, statusLabel).Inc()
		observability.APILatency().WithLabelValues(method, route).Observe(elapsed.Seconds())
		if status >= fiber.StatusBadRequest {
			observability.APIErrors().WithLabelValues(method, route, statusLabel).Inc()
		}

		event := logger.Debug()
		switch {
		case status >= fiber.StatusInternalServerError:
			event = logger.Error()
		case status >= fiber.StatusBadRequest, elapsed > slowRequestThreshold:
			event = logger.Warn()
		}

		event = event.
			Str("correlation_id", GetCorrelationID(c)).
			Str("method", method).
			Str("route", route).
			Int("status", status).
			Dur("latency", elapsed)
		if policyID := c.Params("policyID"); policyID != "" {
			event = event.Str("policy_id", policyID)
		}
		if userID, ok := c.Locals("user_id").(uint); ok && userID != 0 {
			event = event.Uint("user_id", userID)
		}
		event.Msg("request completed")

		return err
	}
}

func isWebsocketUpgrade(c *fiber.Ctx) bool {
	return strings.EqualFold(c.Get(fiber.HeaderUpgrade), "websocket")
}
