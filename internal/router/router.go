package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-assessment-api/internal/config"
	"github.com/noah-isme/gema-assessment-api/internal/handler"
	"github.com/noah-isme/gema-assessment-api/internal/middleware"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SessionHandler   *handler.SessionHandler
	AuthoringHandler *handler.AuthoringHandler
	HealthProbes     []handler.HealthProbe
	JWTMiddleware    fiber.Handler
	MetricsHandler   fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes...))

	if deps.MetricsHandler != nil {
		app.Get("/metrics", deps.MetricsHandler)
	}

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	// Learner attempt sessions
	if deps.SessionHandler != nil {
		assessments := app.Group("/api/v2/assessments", jwtMiddleware, middleware.WithAuth(middleware.AuthOptions{
			Role: middleware.AuthRoleLearner,
		}))
		session := assessments.Group("/policies/:policyID/session")
		deps.SessionHandler.Register(session)
	}

	// Staff authoring and grading
	if deps.AuthoringHandler != nil {
		admin := app.Group("/api/v2/admin/assessments", jwtMiddleware, middleware.WithAuth(middleware.AuthOptions{
			Role: middleware.AuthRoleStaff,
		}))
		deps.AuthoringHandler.Register(admin)
	}
}
