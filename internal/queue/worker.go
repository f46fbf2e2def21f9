package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

type SchedulerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
}

// Scheduler polls a SQLStore for due jobs and runs them through the registry.
// Several schedulers may poll the same database; claiming guarantees a job
// is executed by at most one of them at a time. A handler's context expires
// before its lock does, so a handler that honours ctx has returned by the time
// another scheduler may reclaim the job.
type Scheduler struct {
	store    *SQLStore
	registry *Registry
	log      *slog.Logger
	cfg      SchedulerConfig

	slots   chan struct{}
	running sync.WaitGroup

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewScheduler(store *SQLStore, registry *Registry, cfg SchedulerConfig, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Scheduler{
		store:    store,
		registry: registry,
		log:      log,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.Concurrency),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start polls immediately and then every PollInterval until Stop is called
// or ctx is done. A poll does not wait for the jobs it started.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		for {
			if _, err := s.launch(ctx, nil); err != nil {
				s.log.Error("scheduler poll failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
			}
		}
	}()
	s.log.Info("scheduler started", "interval", s.cfg.PollInterval, "concurrency", s.cfg.Concurrency)
}

// Stop ends the poll loop and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	s.running.Wait()
	s.log.Info("scheduler stopped")
}

// Poll claims and runs one batch of due jobs, waits for them and returns how
// many it ran.
func (s *Scheduler) Poll(ctx context.Context) (int, error) {
	var batch sync.WaitGroup
	n, err := s.launch(ctx, &batch)
	batch.Wait()
	return n, err
}

// launch starts every due job it can claim. A job takes a slot before it is
// claimed and gives it back when it finishes, so the lock lifetime is spent
// running, never queueing.
func (s *Scheduler) launch(ctx context.Context, batch *sync.WaitGroup) (int, error) {
	jobs, err := s.store.Due(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, job := range jobs {
		if !s.acquire(ctx) {
			break
		}

		claimed, err := s.store.Claim(ctx, job)
		if err != nil || !claimed {
			<-s.slots
			if err != nil {
				s.log.Error("claim failed", "job_id", job.ID, "err", err)
			}
			continue
		}

		started++
		s.running.Add(1)
		if batch != nil {
			batch.Add(1)
		}
		go func(job *models.Job) {
			defer func() {
				<-s.slots
				s.running.Done()
				if batch != nil {
					batch.Done()
				}
			}()
			s.run(ctx, job)
		}(job)
	}
	return started, nil
}

func (s *Scheduler) acquire(ctx context.Context) bool {
	select {
	case s.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	case <-s.stop:
		return false
	}
}

func (s *Scheduler) run(ctx context.Context, job *models.Job) {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, s.store.runBudget())
	err := s.dispatch(runCtx, job)
	cancel()

	if err != nil {
		s.log.Error("job failed", "job_id", job.ID, "kind", job.Kind, "err", err, "took", time.Since(start))
	} else {
		s.log.Info("job done", "job_id", job.ID, "kind", job.Kind, "took", time.Since(start))
	}

	// the lock is released even when ctx is already cancelled
	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelFinish()
	if ferr := s.store.Finish(finishCtx, job, err); ferr != nil {
		s.log.Error("could not record job outcome", "job_id", job.ID, "err", ferr)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return s.registry.Dispatch(ctx, job)
}
