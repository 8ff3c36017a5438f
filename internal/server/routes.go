package server

import (
	"github.com/chrisgadekar/maharera-scraper/internal/core/job"
	"github.com/chrisgadekar/maharera-scraper/internal/core/run"
	"github.com/chrisgadekar/maharera-scraper/internal/health"
	"github.com/chrisgadekar/maharera-scraper/internal/platform/redis"
	tasks "github.com/chrisgadekar/maharera-scraper/internal/platform/tasks"

	"github.com/gofiber/fiber/v2"
)

type Dependencies struct {
	Job   *job.JobService
	Run   *run.Service
	Tasks *tasks.Client
	Redis *redis.Service
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	// Health endpoints
	healthHandler := health.NewHealthHandler(d.Redis)
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)

	api := app.Group("/v1")

	runHandler := run.NewHandler(d.Run, d.Tasks, d.Job)
	api.Post("/runs", runHandler.HandleCreate)
	api.Get("/runs/:jobId", runHandler.HandleGet)

	return healthHandler
}
