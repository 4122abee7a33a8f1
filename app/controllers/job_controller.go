package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/RedeemFox/internal/pkg/jobqueue"
)

// JobInspector reads job state out of the queue.
type JobInspector interface {
	GetJob(ctx context.Context, jobID string) (*jobqueue.Job, error)
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
	GetQueueSize(ctx context.Context) (int64, error)
	GetProcessingSize(ctx context.Context) (int64, error)
}

// JobController serves /api/v1/jobs.
type JobController struct {
	jobs JobInspector
}

func NewJobController(jobs JobInspector) *JobController {
	return &JobController{jobs: jobs}
}

// HandleGetJob returns a queued or failed job. Completed jobs are removed
// from Redis, so callers should look up the exchange record instead.
func (jc *JobController) HandleGetJob(c *fiber.Ctx) error {
	job, err := jc.jobs.GetJob(c.UserContext(), c.Params("id"))
	if errors.Is(err, redis.Nil) {
		return notFound(c, "Job not found or already completed")
	}
	if err != nil {
		log.Errorf("[Job API] Load of job %s failed: %v", c.Params("id"), err)
		return internalError(c, "Failed to load job")
	}
	return c.JSON(job)
}

// HandleJobStats reports queue depth and per-status counters.
func (jc *JobController) HandleJobStats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	stats, err := jc.jobs.GetJobStats(ctx)
	if err != nil {
		log.Errorf("[Job API] Stats failed: %v", err)
		return internalError(c, "Failed to read job stats")
	}
	pending, err := jc.jobs.GetQueueSize(ctx)
	if err != nil {
		return internalError(c, "Failed to read queue size")
	}
	processing, err := jc.jobs.GetProcessingSize(ctx)
	if err != nil {
		return internalError(c, "Failed to read processing size")
	}
	return c.JSON(fiber.Map{
		"pending":    pending,
		"processing": processing,
		"totals":     stats,
	})
}
