package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
)

// CleanupSweeper removes finished schedules, and consumed job rows when the
// job store keeps them, once they are older than the retention window.
type CleanupSweeper struct {
	schedules repository.ScheduledPostRepository
	pruner    queue.Pruner
	retention time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// NewCleanupSweeper takes a nil pruner for stores that expire their own jobs.
func NewCleanupSweeper(schedules repository.ScheduledPostRepository, pruner queue.Pruner, retention time.Duration, log *slog.Logger) *CleanupSweeper {
	if log == nil {
		log = slog.Default()
	}
	return &CleanupSweeper{
		schedules: schedules,
		pruner:    pruner,
		retention: retention,
		log:       log.With("job", queue.KindCleanupOldJobs),
		now:       time.Now,
	}
}

func (c *CleanupSweeper) Register(r *queue.Registry) {
	queue.Register(r, c.Handle)
}

func (c *CleanupSweeper) Handle(ctx context.Context, _ *models.Job, _ queue.CleanupPayload) error {
	_, _, err := c.Sweep(ctx)
	return err
}

// Sweep returns the number of schedules and job rows removed.
func (c *CleanupSweeper) Sweep(ctx context.Context) (int64, int64, error) {
	cutoff := c.now().Add(-c.retention)

	schedules, err := c.schedules.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		c.log.Error("could not delete finished schedules", "cutoff", cutoff, "err", err)
		return 0, 0, fmt.Errorf("delete finished schedules: %w", err)
	}

	var jobs int64
	if c.pruner != nil {
		jobs, err = c.pruner.Purge(ctx, cutoff)
		if err != nil {
			c.log.Error("could not purge consumed jobs", "cutoff", cutoff, "err", err)
			return schedules, 0, fmt.Errorf("purge jobs: %w", err)
		}
	}

	c.log.Info("cleanup finished", "cutoff", cutoff, "schedules_removed", schedules, "jobs_removed", jobs)
	return schedules, jobs, nil
}
