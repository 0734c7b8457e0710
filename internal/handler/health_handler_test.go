package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-assessment-api/internal/config"
	"github.com/noah-isme/gema-assessment-api/internal/handler"
)

type healthEnvelope struct {
	Success bool                   `json:"success"`
	Data    handler.HealthResponse `json:"data"`
}

func TestHealthCheck(t *testing.T) {
	cfg := config.Config{AppName: "GEMA Assessment API", AppEnv: "test"}

	app := fiber.New()
	app.Get("/api/v1/health", handler.HealthCheck(cfg, handler.HealthProbe{
		Name:  "database",
		Check: func(context.Context) error { return nil },
	}))

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var payload healthEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.True(t, payload.Success)
	require.Equal(t, "ok", payload.Data.Status)
	require.Equal(t, cfg.AppName, payload.Data.Service)
	require.Equal(t, "ok", payload.Data.Checks["database"])
	require.WithinDuration(t, time.Now().UTC(), payload.Data.Timestamp, 2*time.Second)
}

func TestHealthCheckReportsFailedProbe(t *testing.T) {
	app := fiber.New()
	app.Get("/api/v1/health", handler.HealthCheck(config.Config{AppName: "GEMA"}, handler.HealthProbe{
		Name:  "redis",
		Check: func(context.Context) error { return errors.New("connection refused") },
	}))

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	var payload healthEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "degraded", payload.Data.Status)
	require.Equal(t, "connection refused", payload.Data.Checks["redis"])
}
