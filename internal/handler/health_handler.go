package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-scoring-api/internal/config"
	"github.com/noah-isme/gema-scoring-api/internal/utils"
)

// WorkerStats reports the scoring worker pool occupancy.
type WorkerStats interface {
	Stats() map[string]interface{}
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Service     string                 `json:"service"`
	Environment string                 `json:"environment"`
	QueueDriver string                 `json:"queue_driver"`
	Scorer      string                 `json:"scorer"`
	Workers     map[string]interface{} `json:"workers,omitempty"`
}

// HealthCheck returns a handler that reports application and worker pool health.
func HealthCheck(cfg config.Config, workers WorkerStats) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			QueueDriver: cfg.Queue.Driver,
			Scorer:      cfg.Scorer.Provider,
		}
		if workers != nil {
			payload.Workers = workers.Stats()
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
