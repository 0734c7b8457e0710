package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-assessment-api/internal/config"
	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

const healthProbeTimeout = 2 * time.Second

// HealthProbe checks one backing dependency.
type HealthProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Service     string            `json:"service"`
	Environment string            `json:"environment"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// HealthCheck returns a handler that reports application health and the state of its dependencies.
func HealthCheck(cfg config.Config, probes ...HealthProbe) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
		}

		if len(probes) > 0 {
			payload.Checks = make(map[string]string, len(probes))
			ctx, cancel := context.WithTimeout(c.UserContext(), healthProbeTimeout)
			defer cancel()

			for _, probe := range probes {
				if err := probe.Check(ctx); err != nil {
					payload.Checks[probe.Name] = err.Error()
					payload.Status = "degraded"
					continue
				}
				payload.Checks[probe.Name] = "ok"
			}
		}

		if payload.Status != "ok" {
			return utils.SendSuccessWithStatus(c, fiber.StatusServiceUnavailable, "service degraded", payload)
		}
		return utils.SendSuccess(c, "service healthy", payload)
	}
}
