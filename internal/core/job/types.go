package job

import (
	"time"

	"github.com/chrisgadekar/maharera-scraper/internal/core/engine"
)

// Job represents internal job storage (not exposed in API)
type Job struct {
	JobID     string     `json:"job_id"`
	Type      Type       `json:"type"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Results   JobResult  `json:"results,omitempty"`
}

// Type for internal job classification
type Type string

const (
	TypeRun Type = "run"
)

// Status for internal job tracking
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Internal job result storage
type JobResult struct {
	RunResult *RunResult `json:"run_result,omitempty"`
}

type RunResult struct {
	Summary   engine.Summary `json:"summary"`
	OutputDir string         `json:"output_dir,omitempty"`
}
