package run

import (
	"github.com/chrisgadekar/maharera-scraper/internal/core/job"
	tasks "github.com/chrisgadekar/maharera-scraper/internal/platform/tasks"

	"github.com/gofiber/fiber/v2"
)

type Handler struct {
	run   *Service
	tasks *tasks.Client
	job   *job.JobService
}

func NewHandler(run *Service, t *tasks.Client, jobs *job.JobService) *Handler {
	return &Handler{run: run, tasks: t, job: jobs}
}

func (h *Handler) HandleCreate(c *fiber.Ctx) error {
	var req Request
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid body"})
	}
	id, err := h.run.Enqueue(c.Context(), h.tasks, req)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true, "job_id": id})
}

func (h *Handler) HandleGet(c *fiber.Ctx) error {
	id := c.Params("jobId")
	j, err := h.job.GetJobStatus(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": "not_found"})
	}
	resp := fiber.Map{"success": true, "job_id": id, "status": j.Status}
	if j.Error != "" {
		resp["error"] = j.Error
	}
	if j.Status == job.StatusCompleted && j.Results.RunResult != nil {
		resp["data"] = j.Results.RunResult
	}
	return c.JSON(resp)
}
