package job

import (
	"context"
	"fmt"
	"time"

	rds "github.com/chrisgadekar/maharera-scraper/internal/platform/redis"
)

type JobService struct{ redis *rds.Service }

func NewJobService(redis *rds.Service) *JobService { return &JobService{redis: redis} }

func (s *JobService) GetJobStatus(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := s.redis.CacheGet(ctx, key(jobID), &job); err != nil {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return &job, nil
}

func (s *JobService) store(ctx context.Context, jobID string, jobType Type, status Status, result *RunResult, errMsg string) error {
	var job Job
	_ = s.redis.CacheGet(ctx, key(jobID), &job)
	job.JobID = jobID
	job.Type = jobType
	job.Status = status
	job.Error = errMsg
	if result != nil {
		job.Results = JobResult{RunResult: result}
	}
	if status == StatusProcessing && job.StartedAt == nil {
		now := time.Now()
		job.StartedAt = &now
	}
	if err := s.redis.CacheSet(ctx, key(jobID), job, ttl(status)); err != nil {
		return err
	}
	// Publish an update event for status pollers
	_ = s.redis.Client().Publish(ctx, key(jobID), "updated").Err()
	return nil
}

func (s *JobService) Complete(ctx context.Context, jobID string, jobType Type, result *RunResult) error {
	return s.store(ctx, jobID, jobType, StatusCompleted, result, "")
}

func (s *JobService) Fail(ctx context.Context, jobID string, jobType Type, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.store(ctx, jobID, jobType, StatusFailed, nil, msg)
}

func (s *JobService) SetProcessing(ctx context.Context, jobID string, jobType Type) error {
	return s.store(ctx, jobID, jobType, StatusProcessing, nil, "")
}

func (s *JobService) InitPending(ctx context.Context, jobID string, jobType Type) error {
	return s.store(ctx, jobID, jobType, StatusPending, nil, "")
}

func key(id string) string { return "job:" + id }
func ttl(s Status) int {
	if s == StatusCompleted || s == StatusFailed {
		return 86400
	}
	return 3600
}
