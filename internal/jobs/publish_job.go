package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/publisher"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
)

type PostPublisher interface {
	Publish(ctx context.Context, userID int64, platform models.Platform, content string, mediaURLs []string) (*publisher.Result, error)
}

// PublishWorker runs one publish attempt for a "publish post" job and writes
// the outcome back to the post and its schedule.
//
// Every write that ends or re-arms a schedule is conditional on the schedule
// still being processing under the firing job's id. When a cancel or
// reschedule got there first, the worker drops its writes.
type PublishWorker struct {
	db        *sqlx.DB
	posts     repository.PostRepository
	schedules repository.ScheduledPostRepository
	users     repository.UserRepository
	publisher PostPublisher
	store     queue.JobStore
	retry     RetryPolicy
	tracer    trace.Tracer
	log       *slog.Logger
	now       func() time.Time
}

func NewPublishWorker(
	db *sqlx.DB,
	posts repository.PostRepository,
	schedules repository.ScheduledPostRepository,
	users repository.UserRepository,
	pub PostPublisher,
	store queue.JobStore,
	retry RetryPolicy,
	log *slog.Logger,
) *PublishWorker {
	if log == nil {
		log = slog.Default()
	}
	return &PublishWorker{
		db:        db,
		posts:     posts,
		schedules: schedules,
		users:     users,
		publisher: pub,
		store:     store,
		retry:     retry,
		tracer:    otel.Tracer("github.com/maheshrc27/postflow/internal/jobs"),
		log:       log.With("job", queue.KindPublishPost),
		now:       time.Now,
	}
}

// Register binds the worker to the publish post job kind.
func (w *PublishWorker) Register(r *queue.Registry) {
	queue.Register(r, w.Handle)
}

func (w *PublishWorker) Handle(ctx context.Context, job *models.Job, p queue.PublishPostPayload) error {
	ctx, span := w.tracer.Start(ctx, string(queue.KindPublishPost), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int64("post.id", p.PostID),
		attribute.Int64("scheduled_post.id", p.ScheduledPostID),
		attribute.Bool("publish.immediate", p.Immediate),
	))
	defer span.End()

	err := w.handle(ctx, job, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (w *PublishWorker) handle(ctx context.Context, job *models.Job, p queue.PublishPostPayload) error {
	log := w.log.With("job_id", job.ID, "post_id", p.PostID, "scheduled_post_id", p.ScheduledPostID)

	if p.PostID == 0 || p.UserID == 0 || (!p.Immediate && p.ScheduledPostID == 0) {
		return fmt.Errorf("%w: missing ids in %+v", queue.ErrInvalidPayload, p)
	}

	post, err := w.posts.GetByID(ctx, nil, p.PostID)
	if err != nil {
		return fmt.Errorf("load post %d: %w", p.PostID, err)
	}
	if post == nil || post.IsDeleted || post.UserID != p.UserID {
		return w.entityMissing(ctx, log, p, nil, fmt.Sprintf("post %d not found", p.PostID))
	}

	_, found, err := w.users.GetByID(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", p.UserID, err)
	}
	if !found {
		return w.entityMissing(ctx, log, p, post, fmt.Sprintf("user %d not found", p.UserID))
	}

	if post.Status == models.PostStatusPublished {
		if p.Immediate {
			log.Info("post already published, ignoring duplicate run")
			return nil
		}
		return w.settlePublished(ctx, log, job, p, post)
	}

	if p.Immediate {
		return w.publishImmediate(ctx, log, post)
	}
	return w.publishScheduled(ctx, log, job, p, post)
}

func (w *PublishWorker) publishImmediate(ctx context.Context, log *slog.Logger, post *models.Post) error {
	results, pubErr := w.publishAll(ctx, post)
	now := w.now()

	meta := post.Metadata
	for platform, res := range results {
		meta.SetRemote(platform, res.RemoteID, now)
	}

	status, publishedAt := models.PostStatusPublished, &now
	if pubErr == nil {
		meta.Error = nil
	} else {
		status, publishedAt = models.PostStatusFailed, nil
		meta.Error = &models.PublishError{Message: pubErr.Error(), Timestamp: now}
	}

	if err := w.recordImmediate(ctx, log, post.ID, status, publishedAt, meta); err != nil {
		if pubErr != nil {
			log.Error("could not record failed publish", "err", err)
			return pubErr
		}
		return err
	}
	if pubErr != nil {
		log.Warn("immediate publish failed", "err", pubErr)
		return pubErr
	}
	log.Info("post published")
	return nil
}

// recordImmediate writes an immediate run's outcome. A post that was scheduled
// again meanwhile keeps its schedule; only the remote ids are kept so the
// scheduled run skips platforms that already have the post.
func (w *PublishWorker) recordImmediate(ctx context.Context, log *slog.Logger, postID int64, status models.PostStatus, publishedAt *time.Time, meta models.PostMetadata) error {
	ctx = context.WithoutCancel(ctx)

	ok, err := w.posts.RecordUnscheduledOutcome(ctx, nil, postID, status, publishedAt, meta)
	if err != nil {
		return fmt.Errorf("record outcome of post %d: %w", postID, err)
	}
	if ok {
		return nil
	}

	log.Warn("post was scheduled while publishing, keeping its schedule", "outcome", status)
	if err := w.posts.UpdateMetadata(ctx, nil, postID, meta); err != nil {
		return fmt.Errorf("record metadata of post %d: %w", postID, err)
	}
	return nil
}

// settlePublished completes a live schedule whose post another run already
// published, so the record does not stay pending.
func (w *PublishWorker) settlePublished(ctx context.Context, log *slog.Logger, job *models.Job, p queue.PublishPostPayload, post *models.Post) error {
	sp, err := w.schedules.GetByID(ctx, nil, p.ScheduledPostID)
	if err != nil {
		return fmt.Errorf("load scheduled post %d: %w", p.ScheduledPostID, err)
	}
	if sp == nil || sp.JobID != job.ID || !sp.Status.Live() {
		log.Info("post already published, ignoring duplicate run")
		return nil
	}

	log.Info("post already published, completing its schedule")
	result := models.ScheduleResult{Success: true, Data: map[string]any{"already_published": true}}
	return w.commit(ctx, log, func(tx *sqlx.Tx) (bool, error) {
		ok, err := w.schedules.Settle(ctx, tx, sp.ID, job.ID, result)
		if err != nil || !ok {
			return ok, err
		}
		return true, w.posts.RecordOutcome(ctx, tx, post.ID, models.PostStatusPublished, post.PublishedAt, post.Metadata)
	}, nil)
}

// attempt is one started run of a schedule and what it produced so far.
type attempt struct {
	job      *models.Job
	payload  queue.PublishPostPayload
	schedule *models.ScheduledPost
	meta     models.PostMetadata
	log      *slog.Logger
}

func (w *PublishWorker) publishScheduled(ctx context.Context, log *slog.Logger, job *models.Job, p queue.PublishPostPayload, post *models.Post) error {
	started, err := w.schedules.BeginAttempt(ctx, p.ScheduledPostID, job.ID, w.now())
	if err != nil {
		return fmt.Errorf("start attempt: %w", err)
	}
	if !started {
		return w.attemptRefused(ctx, log, job, p, post)
	}

	sp, err := w.schedules.GetByID(ctx, nil, p.ScheduledPostID)
	if err != nil {
		return fmt.Errorf("load scheduled post %d: %w", p.ScheduledPostID, err)
	}
	if sp == nil {
		log.Info("schedule removed after attempt started, skipping")
		return nil
	}
	log = log.With("attempt", sp.Attempts, "max_attempts", sp.MaxAttempts)

	results, pubErr := w.publishAll(ctx, post)
	now := w.now()

	a := &attempt{job: job, payload: p, schedule: sp, meta: post.Metadata, log: log}
	for platform, res := range results {
		a.meta.SetRemote(platform, res.RemoteID, now)
	}

	if pubErr == nil {
		a.meta.Error = nil
		data := make(map[string]any, len(results))
		for platform, res := range results {
			data[string(platform)] = res
		}
		return w.commit(ctx, log, func(tx *sqlx.Tx) (bool, error) {
			ok, err := w.schedules.Finish(ctx, tx, sp.ID, job.ID, models.ScheduleStatusCompleted, models.ScheduleResult{Success: true, Data: data})
			if err != nil || !ok {
				return ok, err
			}
			return true, w.posts.RecordOutcome(ctx, tx, post.ID, models.PostStatusPublished, &now, a.meta)
		}, nil)
	}

	a.meta.Error = &models.PublishError{Message: pubErr.Error(), Timestamp: now}
	decision := w.retry.Decide(sp.Attempts, sp.MaxAttempts, pubErr)
	if !decision.Retry {
		log.Warn("scheduled publish failed permanently", "err", pubErr)
		return w.commit(ctx, log, func(tx *sqlx.Tx) (bool, error) {
			ok, err := w.schedules.Finish(ctx, tx, sp.ID, job.ID, models.ScheduleStatusFailed, models.ScheduleResult{Error: pubErr.Error()})
			if err != nil || !ok {
				return ok, err
			}
			return true, w.posts.RecordOutcome(ctx, tx, post.ID, models.PostStatusFailed, nil, a.meta)
		}, pubErr)
	}

	return w.requeue(ctx, a, decision.Delay, pubErr)
}

// requeue hands the schedule to a fresh job at now+delay. The new id is
// committed before the job exists so the job never runs against an older
// record.
func (w *PublishWorker) requeue(ctx context.Context, a *attempt, delay time.Duration, pubErr error) error {
	nextID, err := queue.NewJobID()
	if err != nil {
		return err
	}

	aborted := false
	err = w.commit(ctx, a.log, func(tx *sqlx.Tx) (bool, error) {
		ok, err := w.schedules.Requeue(ctx, tx, a.schedule.ID, a.job.ID, nextID, models.ScheduleResult{Error: pubErr.Error()})
		if err != nil || !ok {
			aborted = !ok
			return ok, err
		}
		return true, w.posts.UpdateMetadata(ctx, tx, a.payload.PostID, a.meta)
	}, nil)
	if err != nil {
		return err
	}
	if aborted {
		return pubErr
	}

	at := w.now().Add(delay)
	if _, err := queue.EnqueueAt(ctx, w.store, at, a.payload, queue.WithJobID(nextID)); err != nil {
		a.log.Error("could not schedule retry, failing the schedule", "err", err)
		w.failSchedule(ctx, a.log, a.schedule.ID, a.payload.PostID, a.meta, fmt.Errorf("schedule retry: %w (last error: %v)", err, pubErr))
		return pubErr
	}

	a.log.Info("publish failed, retry scheduled", "err", pubErr, "retry_at", at, "next_job_id", nextID)
	return pubErr
}

// attemptRefused explains why BeginAttempt changed nothing.
func (w *PublishWorker) attemptRefused(ctx context.Context, log *slog.Logger, job *models.Job, p queue.PublishPostPayload, post *models.Post) error {
	sp, err := w.schedules.GetByID(ctx, nil, p.ScheduledPostID)
	if err != nil {
		return fmt.Errorf("load scheduled post %d: %w", p.ScheduledPostID, err)
	}
	switch {
	case sp == nil:
		log.Warn("scheduled post missing, it was probably cancelled")
		return fmt.Errorf("%w: scheduled post %d", ErrEntityNotFound, p.ScheduledPostID)
	case sp.JobID != job.ID || !sp.Status.Live():
		log.Info("stale job, schedule is owned elsewhere", "owner_job_id", sp.JobID, "status", sp.Status)
		return nil
	default:
		exhausted := fmt.Errorf("%w: %d of %d", ErrAttemptsExhausted, sp.Attempts, sp.MaxAttempts)
		meta := post.Metadata
		w.failSchedule(ctx, log, sp.ID, post.ID, meta, exhausted)
		return exhausted
	}
}

func (w *PublishWorker) entityMissing(ctx context.Context, log *slog.Logger, p queue.PublishPostPayload, post *models.Post, reason string) error {
	log.Error("data integrity: publish job references a missing entity", "reason", reason)
	missing := fmt.Errorf("%w: %s", ErrEntityNotFound, reason)
	if p.ScheduledPostID != 0 {
		var meta models.PostMetadata
		postID := int64(0)
		if post != nil {
			meta, postID = post.Metadata, post.ID
		}
		w.failSchedule(ctx, log, p.ScheduledPostID, postID, meta, missing)
	}
	return missing
}

// failSchedule marks a still-live schedule failed together with its post.
func (w *PublishWorker) failSchedule(ctx context.Context, log *slog.Logger, spID, postID int64, meta models.PostMetadata, cause error) {
	meta.Error = &models.PublishError{Message: cause.Error(), Timestamp: w.now()}
	err := w.commit(ctx, log, func(tx *sqlx.Tx) (bool, error) {
		ok, err := w.schedules.MarkFailed(ctx, tx, spID, models.ScheduleResult{Error: cause.Error()})
		if err != nil || !ok || postID == 0 {
			return ok, err
		}
		return true, w.posts.RecordOutcome(ctx, tx, postID, models.PostStatusFailed, nil, meta)
	}, nil)
	if err != nil {
		log.Error("could not mark schedule failed", "err", err)
	}
}

func (w *PublishWorker) publishAll(ctx context.Context, post *models.Post) (map[models.Platform]*publisher.Result, error) {
	platforms := post.Platforms
	if len(platforms) == 0 {
		platforms = models.PlatformList{models.PlatformLinkedIn}
	}

	results := make(map[models.Platform]*publisher.Result, len(platforms))
	for _, platform := range platforms {
		if post.Metadata.Published(platform) {
			continue
		}
		res, err := w.publisher.Publish(ctx, post.UserID, platform, post.Content, post.MediaURLs)
		if err != nil {
			return results, fmt.Errorf("%s: %w", platform, err)
		}
		results[platform] = res
	}
	return results, nil
}

// commit runs fn in a transaction. When fn reports that its guarded update
// matched nothing, the transaction is rolled back and result is returned.
func (w *PublishWorker) commit(ctx context.Context, log *slog.Logger, fn func(tx *sqlx.Tx) (bool, error), result error) error {
	// outcome writes must land even if the job context was cancelled mid-publish
	ctx = context.WithoutCancel(ctx)

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ok, err := fn(tx)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("schedule changed underneath the running job, dropping outcome")
		return result
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return result
}
