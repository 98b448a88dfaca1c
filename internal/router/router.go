package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-scoring-api/internal/config"
	"github.com/noah-isme/gema-scoring-api/internal/handler"
	"github.com/noah-isme/gema-scoring-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SubmissionHandler *handler.SubmissionHandler
	AssignmentHandler *handler.AssignmentHandler
	Workers           handler.WorkerStats
	JWTMiddleware     fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v2", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Workers))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	scoring := api.Group("/scoring", jwtMiddleware)

	if deps.SubmissionHandler != nil {
		deps.SubmissionHandler.Register(scoring.Group("/submissions"))
	}

	if deps.AssignmentHandler != nil {
		deps.AssignmentHandler.Register(scoring.Group("/assignments"))
	}
}
