package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/maheshrc27/postflow/internal/models"
)

const defaultAsynqQueue = "default"

// AsynqStore keeps jobs in Redis through asynq. Jobs never retry inside asynq;
// retries are decided by the handlers.
type AsynqStore struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	scheduler *asynq.Scheduler
	queue     string
	timeout   time.Duration
	log       *slog.Logger

	mu        sync.Mutex
	recurring map[Kind]string
}

func NewAsynqStore(redisConn asynq.RedisConnOpt, timeout time.Duration, log *slog.Logger) *AsynqStore {
	if log == nil {
		log = slog.Default()
	}
	return &AsynqStore{
		client:    asynq.NewClient(redisConn),
		inspector: asynq.NewInspector(redisConn),
		scheduler: asynq.NewScheduler(redisConn, &asynq.SchedulerOpts{Logger: asynqLogger{log}}),
		queue:     defaultAsynqQueue,
		timeout:   timeout,
		log:       log,
		recurring: make(map[Kind]string),
	}
}

func (s *AsynqStore) taskOptions(id string) []asynq.Option {
	opts := []asynq.Option{asynq.Queue(s.queue), asynq.MaxRetry(0)}
	if id != "" {
		opts = append(opts, asynq.TaskID(id))
	}
	if s.timeout > 0 {
		opts = append(opts, asynq.Timeout(s.timeout))
	}
	return opts
}

func (s *AsynqStore) Schedule(ctx context.Context, at time.Time, kind Kind, payload []byte, opts ...ScheduleOption) (string, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return "", err
	}

	task := asynq.NewTask(string(kind), payload)
	info, err := s.client.EnqueueContext(ctx, task, append(s.taskOptions(o.jobID), asynq.ProcessAt(at))...)
	if err != nil {
		return "", fmt.Errorf("schedule %s job: %w", kind, err)
	}

	s.log.Debug("job scheduled", "job_id", info.ID, "kind", kind, "at", at)
	return info.ID, nil
}

func (s *AsynqStore) Now(ctx context.Context, kind Kind, payload []byte, opts ...ScheduleOption) (string, error) {
	return s.Schedule(ctx, time.Now(), kind, payload, opts...)
}

// Every registers a periodic entry on the asynq scheduler. The entry lives in
// this process; every process that runs the scheduler registers it again.
func (s *AsynqStore) Every(ctx context.Context, spec string, kind Kind, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.recurring[kind]; ok {
		return id, nil
	}
	id, err := s.scheduler.Register(spec, asynq.NewTask(string(kind), payload), s.taskOptions("")...)
	if err != nil {
		return "", fmt.Errorf("register recurring %s job: %w", kind, err)
	}
	s.recurring[kind] = id
	s.log.Info("recurring job registered", "entry_id", id, "kind", kind, "spec", spec)
	return id, nil
}

func (s *AsynqStore) Cancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return nil
	}

	info, err := s.inspector.GetTaskInfo(s.queue, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			s.log.Info("cancel: job not found", "job_id", jobID)
			return nil
		}
		return fmt.Errorf("inspect job %s: %w", jobID, err)
	}

	switch info.State {
	case asynq.TaskStateActive:
		s.log.Info("cancel: job already running", "job_id", jobID)
		return nil
	case asynq.TaskStateCompleted, asynq.TaskStateArchived:
		s.log.Info("cancel: job already consumed", "job_id", jobID, "state", info.State.String())
		return nil
	}

	if err := s.inspector.DeleteTask(s.queue, jobID); err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return nil
		}
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	s.log.Info("job cancelled", "job_id", jobID)
	return nil
}

func (s *AsynqStore) Close() error {
	s.inspector.Close()
	return s.client.Close()
}

// AsynqRunner executes asynq tasks through the registry and runs the
// periodic entries registered on its AsynqStore.
type AsynqRunner struct {
	server   *asynq.Server
	store    *AsynqStore
	registry *Registry
	log      *slog.Logger
}

func NewAsynqRunner(redisConn asynq.RedisConnOpt, store *AsynqStore, registry *Registry, cfg SchedulerConfig, log *slog.Logger) *AsynqRunner {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	server := asynq.NewServer(redisConn, asynq.Config{
		Concurrency:              cfg.Concurrency,
		Queues:                   map[string]int{store.queue: 1},
		DelayedTaskCheckInterval: cfg.PollInterval,
		Logger:                   asynqLogger{log},
	})
	return &AsynqRunner{server: server, store: store, registry: registry, log: log}
}

func (r *AsynqRunner) Start() error {
	mux := asynq.NewServeMux()
	for _, kind := range r.registry.Kinds() {
		mux.HandleFunc(string(kind), r.handle)
	}

	if err := r.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	if err := r.store.scheduler.Start(); err != nil {
		r.server.Shutdown()
		return fmt.Errorf("start asynq scheduler: %w", err)
	}
	r.log.Info("asynq runner started", "kinds", r.registry.Kinds())
	return nil
}

func (r *AsynqRunner) Stop() {
	r.store.scheduler.Shutdown()
	r.server.Shutdown()
	r.log.Info("asynq runner stopped")
}

func (r *AsynqRunner) handle(ctx context.Context, t *asynq.Task) error {
	id, _ := asynq.GetTaskID(ctx)
	job := &models.Job{ID: id, Kind: t.Type(), Payload: t.Payload()}

	start := time.Now()
	if err := r.registry.Dispatch(ctx, job); err != nil {
		r.log.Error("job failed", "job_id", id, "kind", job.Kind, "err", err, "took", time.Since(start))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	r.log.Info("job done", "job_id", id, "kind", job.Kind, "took", time.Since(start))
	return nil
}

type asynqLogger struct {
	log *slog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
