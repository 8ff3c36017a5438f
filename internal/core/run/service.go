package run

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chrisgadekar/maharera-scraper/internal/config"
	"github.com/chrisgadekar/maharera-scraper/internal/core/captcha"
	"github.com/chrisgadekar/maharera-scraper/internal/core/engine"
	"github.com/chrisgadekar/maharera-scraper/internal/core/extract"
	"github.com/chrisgadekar/maharera-scraper/internal/core/gate"
	"github.com/chrisgadekar/maharera-scraper/internal/core/job"
	"github.com/chrisgadekar/maharera-scraper/internal/core/retry"
	"github.com/chrisgadekar/maharera-scraper/internal/core/tracker"
	"github.com/chrisgadekar/maharera-scraper/internal/export"
	"github.com/chrisgadekar/maharera-scraper/internal/logger"
	"github.com/chrisgadekar/maharera-scraper/internal/platform/browser"
	"github.com/chrisgadekar/maharera-scraper/internal/platform/ocr"
	rds "github.com/chrisgadekar/maharera-scraper/internal/platform/redis"
	tasks "github.com/chrisgadekar/maharera-scraper/internal/platform/tasks"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"
)

const TaskTypeRun = "run:task"

// Request describes one extraction run: either a contiguous ID range or a
// CSV of unit IDs, fanned out over a number of workers.
type Request struct {
	StartID  int    `json:"start_id,omitempty"`
	EndID    int    `json:"end_id,omitempty"`
	UnitsCSV string `json:"units_csv,omitempty"`
	Workers  int    `json:"workers,omitempty"`
}

type Payload struct {
	JobID   string  `json:"job_id"`
	Request Request `json:"request"`
}

type Service struct {
	log   *logger.Logger
	cfg   config.Config
	jobs  *job.JobService
	redis *rds.Service
}

func New(cfg config.Config, jobs *job.JobService, redis *rds.Service) *Service {
	return &Service{log: logger.New("RunService"), cfg: cfg, jobs: jobs, redis: redis}
}

func (s *Service) Enqueue(ctx context.Context, t *tasks.Client, req Request) (string, error) {
	if req.UnitsCSV == "" {
		if req.StartID <= 0 || req.EndID < req.StartID {
			return "", fmt.Errorf("either units_csv or a valid start_id/end_id range is required")
		}
	}
	if req.Workers < 0 {
		return "", fmt.Errorf("workers must be >= 0")
	}
	jobID := uuid.NewString()
	payload, _ := json.Marshal(Payload{JobID: jobID, Request: req})
	if err := s.jobs.InitPending(ctx, jobID, job.TypeRun); err != nil {
		return "", err
	}
	task := asynq.NewTask(TaskTypeRun, payload)
	if err := t.Enqueue(task, "default", s.cfg.TaskMaxRetries); err != nil {
		return "", err
	}
	return jobID, nil
}

func (s *Service) HandleTask(ctx context.Context, task *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return err
	}
	if err := s.jobs.SetProcessing(ctx, p.JobID, job.TypeRun); err != nil {
		return err
	}
	res, err := s.execute(ctx, p.JobID, p.Request)
	if err != nil {
		s.log.LogErrorf("run %s failed: %v", p.JobID, err)
		// Failures are recorded on the job; returning nil keeps asynq
		// from replaying a run whose progress the tracker already holds.
		return s.jobs.Fail(ctx, p.JobID, job.TypeRun, err)
	}
	return s.jobs.Complete(ctx, p.JobID, job.TypeRun, res)
}

func (s *Service) execute(ctx context.Context, jobID string, r Request) (*job.RunResult, error) {
	schema, err := extract.LoadSchema(s.cfg.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load field schema: %w", err)
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid field schema: %w", err)
	}

	var units []engine.WorkUnit
	if r.UnitsCSV != "" {
		units, err = engine.UnitsFromCSV(r.UnitsCSV, s.cfg.DetailBaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to load unit list: %w", err)
		}
	} else {
		units = engine.RangeUnits(s.cfg.DetailBaseURL, r.StartID, r.EndID)
	}

	workers := r.Workers
	if workers <= 0 {
		workers = s.cfg.WorkerCount
	}
	if workers > len(units) {
		workers = len(units)
	}

	outDir := filepath.Join(s.cfg.DataDir, "runs", jobID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	// The file backend shares one store across workers in this process.
	// The redis backend gives each worker its own handle so concurrent
	// claims stay attributable.
	var shared tracker.Store
	if s.cfg.TrackerBackend == "file" {
		shared, err = tracker.OpenFileStore(filepath.Join(s.cfg.DataDir, "tracker.jsonl"))
		if err != nil {
			return nil, fmt.Errorf("failed to open tracker: %w", err)
		}
		defer shared.Close()
	}

	shards := partition(units, workers)
	summaries := make([]engine.Summary, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	for i := range shards {
		i := i
		g.Go(func() error {
			store := shared
			if store == nil {
				store = tracker.NewRedisStore(s.redis, "tracker", fmt.Sprintf("%s-w%d", jobID, i), 0)
			}

			sess, err := browser.NewSession(browser.Config{Headless: true, BlockResources: true})
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			defer sess.Close()

			sink, err := export.NewCSVSink(filepath.Join(outDir, fmt.Sprintf("projects-w%d.csv", i)), schema.Columns())
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}

			solver := captcha.NewSolver(ocr.NewTesseract())
			eng := engine.New(engine.Options{
				Session:            sess,
				Gate:               gate.NewController(solver, s.cfg.ConfidenceThreshold, s.cfg.GateMaxAttempts),
				Extractor:          extract.NewService(schema),
				Store:              store,
				Policy:             retry.NewPolicy(s.cfg.UnitMaxRetries),
				Sink:               sink,
				CheckpointInterval: s.cfg.CheckpointInterval,
				RequestTimeout:     s.cfg.RequestTimeout,
				CursorPath:         filepath.Join(s.cfg.DataDir, fmt.Sprintf("cursor-w%d.txt", i)),
				Name:               fmt.Sprintf("Engine-%d", i),
			})
			sum, err := eng.Run(gctx, shards[i])
			summaries[i] = sum
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := engine.Merge(summaries...)
	s.log.LogInfof("run %s finished: %d completed, %d failed, %d skipped",
		jobID, total.Completed, total.Failed, total.Skipped)
	return &job.RunResult{Summary: total, OutputDir: outDir}, nil
}

// partition splits units into n contiguous shards, sized as evenly as the
// remainder allows.
func partition(units []engine.WorkUnit, n int) [][]engine.WorkUnit {
	if n <= 1 {
		return [][]engine.WorkUnit{units}
	}
	shards := make([][]engine.WorkUnit, 0, n)
	size := len(units) / n
	rem := len(units) % n
	at := 0
	for i := 0; i < n; i++ {
		sz := size
		if i < rem {
			sz++
		}
		shards = append(shards, units[at:at+sz])
		at += sz
	}
	return shards
}
