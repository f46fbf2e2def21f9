package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/transfer"
)

const (
	defaultPage  = 1
	defaultLimit = 10
)

type PostService interface {
	Create(ctx context.Context, userID int64, req *transfer.CreatePost) (*models.Post, error)
	Get(ctx context.Context, userID, postID int64) (*models.Post, error)
	List(ctx context.Context, userID int64, req *transfer.ListPosts) ([]*models.Post, transfer.Pagination, error)
	Update(ctx context.Context, userID, postID int64, req *transfer.UpdatePost) (*models.Post, error)
	Reschedule(ctx context.Context, userID, postID int64, at time.Time) (*models.Post, error)
	Delete(ctx context.Context, userID, postID int64) error
	ListScheduled(ctx context.Context, userID int64, page, limit int) ([]*models.ScheduledPostWithPost, transfer.Pagination, error)
	CancelSchedule(ctx context.Context, userID, scheduledPostID int64) error
	PublishNow(ctx context.Context, userID, postID int64) (string, error)
}

// postService keeps a post and its schedule in step with the job store.
//
// Schedule rows are written in a transaction that commits before the job is
// handed to the store, carrying a pre-allocated job id, so a job can never
// run against a record that does not name it yet. Jobs made obsolete by a
// cancel or reschedule are cancelled after the commit; if one still fires it
// finds a record owned by another job id and does nothing.
type postService struct {
	db          *sqlx.DB
	posts       repository.PostRepository
	schedules   repository.ScheduledPostRepository
	jobs        queue.JobStore
	maxAttempts int
	log         *slog.Logger
	now         func() time.Time
}

func NewPostService(
	db *sqlx.DB,
	posts repository.PostRepository,
	schedules repository.ScheduledPostRepository,
	jobs queue.JobStore,
	maxAttempts int,
	log *slog.Logger) PostService {
	if log == nil {
		log = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}
	return &postService{
		db:          db,
		posts:       posts,
		schedules:   schedules,
		jobs:        jobs,
		maxAttempts: maxAttempts,
		log:         log,
		now:         time.Now,
	}
}

func (s *postService) Create(ctx context.Context, userID int64, req *transfer.CreatePost) (*models.Post, error) {
	if err := transfer.Validate(req); err != nil {
		return nil, invalid(err.Error())
	}

	post := &models.Post{
		UserID:    userID,
		Content:   req.Content,
		MediaURLs: req.MediaURLs,
		Platforms: models.PlatformList(req.Platforms),
		Status:    models.PostStatusDraft,
	}
	if len(post.Platforms) == 0 {
		post.Platforms = models.PlatformList{models.PlatformLinkedIn}
	}
	if post.MediaURLs == nil {
		post.MediaURLs = models.StringList{}
	}

	if req.ScheduledAt == nil {
		if _, err := s.posts.Create(ctx, nil, post); err != nil {
			return nil, fmt.Errorf("create post: %w", err)
		}
		return post, nil
	}

	at, err := s.futureTime(*req.ScheduledAt)
	if err != nil {
		return nil, err
	}

	var sp *models.ScheduledPost
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		post.Status = models.PostStatusScheduled
		post.ScheduledAt = &at
		if _, err := s.posts.Create(ctx, tx, post); err != nil {
			return fmt.Errorf("create post: %w", err)
		}
		sp, err = s.insertSchedule(ctx, tx, post, at)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.enqueue(ctx, sp); err != nil {
		s.compensate(ctx, post.ID, sp.ID, err)
		return nil, err
	}

	s.log.Info("post scheduled", "post_id", post.ID, "scheduled_post_id", sp.ID, "job_id", sp.JobID, "at", at)
	return post, nil
}

func (s *postService) Get(ctx context.Context, userID, postID int64) (*models.Post, error) {
	return s.load(ctx, userID, postID)
}

func (s *postService) List(ctx context.Context, userID int64, req *transfer.ListPosts) ([]*models.Post, transfer.Pagination, error) {
	if err := transfer.Validate(req); err != nil {
		return nil, transfer.Pagination{}, invalid(err.Error())
	}
	page, limit := pageBounds(req.Page, req.Limit)

	posts, total, err := s.posts.List(ctx, userID, models.PostStatus(req.Status), limit, (page-1)*limit)
	if err != nil {
		return nil, transfer.Pagination{}, fmt.Errorf("list posts: %w", err)
	}
	return posts, transfer.NewPagination(total, page, limit), nil
}

// Update applies content edits and moves the post between the draft and
// scheduled states: a new scheduled_at schedules or reschedules it, and a
// scheduled post sent without one is unscheduled.
func (s *postService) Update(ctx context.Context, userID, postID int64, req *transfer.UpdatePost) (*models.Post, error) {
	if err := transfer.Validate(req); err != nil {
		return nil, invalid(err.Error())
	}

	post, err := s.load(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	if post.Status == models.PostStatusPublished {
		return nil, ErrPostPublished
	}

	if req.Content != nil && strings.TrimSpace(*req.Content) != "" {
		post.Content = *req.Content
	}
	if req.MediaURLs != nil {
		post.MediaURLs = *req.MediaURLs
	}
	if req.Platforms != nil {
		post.Platforms = *req.Platforms
	}

	var at *time.Time
	if req.ScheduledAt != nil {
		t, err := s.futureTime(*req.ScheduledAt)
		if err != nil {
			return nil, err
		}
		at = &t
	}

	if err := s.transition(ctx, post, at, true); err != nil {
		return nil, err
	}
	return s.reload(ctx, post.ID)
}

func (s *postService) Reschedule(ctx context.Context, userID, postID int64, at time.Time) (*models.Post, error) {
	post, err := s.load(ctx, userID, postID)
	if err != nil {
		return nil, err
	}
	if post.Status == models.PostStatusPublished {
		return nil, ErrPostPublished
	}

	t, err := s.futureTime(at)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, post, &t, false); err != nil {
		return nil, err
	}
	return s.reload(ctx, post.ID)
}

// transition replaces whatever schedule the post has with one at at, or with
// none when at is nil.
func (s *postService) transition(ctx context.Context, post *models.Post, at *time.Time, withContent bool) error {
	var (
		old  *models.ScheduledPost
		next *models.ScheduledPost
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if withContent {
			if err := s.posts.UpdateContent(ctx, tx, post); err != nil {
				return fmt.Errorf("update post: %w", err)
			}
		}

		var err error
		old, err = s.releaseActive(ctx, tx, post.ID)
		if err != nil {
			return err
		}

		if at == nil {
			if post.Status != models.PostStatusScheduled {
				return nil
			}
			return s.posts.SetSchedule(ctx, tx, post.ID, models.PostStatusDraft, nil)
		}

		if err := s.posts.SetSchedule(ctx, tx, post.ID, models.PostStatusScheduled, at); err != nil {
			return fmt.Errorf("schedule post: %w", err)
		}
		next, err = s.insertSchedule(ctx, tx, post, *at)
		return err
	})
	if err != nil {
		return err
	}

	if old != nil {
		s.cancelJob(ctx, old.JobID)
	}
	if next == nil {
		if old != nil {
			s.log.Info("post unscheduled", "post_id", post.ID, "scheduled_post_id", old.ID)
		}
		return nil
	}

	if err := s.enqueue(ctx, next); err != nil {
		s.compensate(ctx, post.ID, next.ID, err)
		return err
	}
	s.log.Info("post scheduled", "post_id", post.ID, "scheduled_post_id", next.ID, "job_id", next.JobID, "at", *at)
	return nil
}

// releaseActive deletes the post's live schedule, if any. It fails with
// ErrPostPublished when the running job published the post first.
func (s *postService) releaseActive(ctx context.Context, tx *sqlx.Tx, postID int64) (*models.ScheduledPost, error) {
	active, err := s.schedules.GetActiveByPostID(ctx, tx, postID)
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	if active == nil {
		return nil, s.checkNotPublished(ctx, tx, postID)
	}

	deleted, err := s.schedules.DeleteActive(ctx, tx, active.ID)
	if err != nil {
		return nil, fmt.Errorf("delete schedule: %w", err)
	}
	if !deleted {
		return nil, s.checkNotPublished(ctx, tx, postID)
	}
	return active, nil
}

func (s *postService) checkNotPublished(ctx context.Context, tx *sqlx.Tx, postID int64) error {
	current, err := s.posts.GetByID(ctx, tx, postID)
	if err != nil {
		return fmt.Errorf("load post: %w", err)
	}
	if current != nil && current.Status == models.PostStatusPublished {
		return ErrPostPublished
	}
	return nil
}

func (s *postService) Delete(ctx context.Context, userID, postID int64) error {
	post, err := s.load(ctx, userID, postID)
	if err != nil {
		return err
	}

	var old *models.ScheduledPost
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		active, err := s.schedules.GetActiveByPostID(ctx, tx, post.ID)
		if err != nil {
			return fmt.Errorf("load schedule: %w", err)
		}
		if active != nil {
			deleted, err := s.schedules.DeleteActive(ctx, tx, active.ID)
			if err != nil {
				return fmt.Errorf("delete schedule: %w", err)
			}
			if deleted {
				old = active
				if err := s.posts.SetSchedule(ctx, tx, post.ID, models.PostStatusDraft, nil); err != nil {
					return err
				}
			}
		}
		return s.posts.SoftDelete(ctx, tx, post.ID)
	})
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}

	if old != nil {
		s.cancelJob(ctx, old.JobID)
	}
	s.log.Info("post deleted", "post_id", post.ID)
	return nil
}

func (s *postService) ListScheduled(ctx context.Context, userID int64, page, limit int) ([]*models.ScheduledPostWithPost, transfer.Pagination, error) {
	page, limit = pageBounds(page, limit)
	items, total, err := s.schedules.ListActiveByUser(ctx, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, transfer.Pagination{}, fmt.Errorf("list scheduled posts: %w", err)
	}
	return items, transfer.NewPagination(total, page, limit), nil
}

// CancelSchedule is idempotent. A schedule that is gone, or that has already
// completed or failed, is left alone and nil is returned.
func (s *postService) CancelSchedule(ctx context.Context, userID, scheduledPostID int64) error {
	sp, err := s.schedules.GetForUser(ctx, scheduledPostID, userID)
	if err != nil {
		return fmt.Errorf("load scheduled post: %w", err)
	}
	if sp == nil || !sp.Status.Live() {
		s.log.Info("cancel: nothing to cancel", "scheduled_post_id", scheduledPostID)
		return nil
	}

	cancelled := false
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		deleted, err := s.schedules.DeleteActive(ctx, tx, sp.ID)
		if err != nil || !deleted {
			return err
		}
		cancelled = true
		return s.posts.SetSchedule(ctx, tx, sp.PostID, models.PostStatusDraft, nil)
	})
	if err != nil {
		return fmt.Errorf("cancel scheduled post: %w", err)
	}
	if !cancelled {
		s.log.Info("cancel: schedule finished first", "scheduled_post_id", sp.ID)
		return nil
	}

	s.cancelJob(ctx, sp.JobID)
	s.log.Info("schedule cancelled", "scheduled_post_id", sp.ID, "post_id", sp.PostID)
	return nil
}

// PublishNow queues an immediate publish. An active schedule is cancelled
// first and no schedule record is created for the immediate run.
func (s *postService) PublishNow(ctx context.Context, userID, postID int64) (string, error) {
	post, err := s.load(ctx, userID, postID)
	if err != nil {
		return "", err
	}
	if post.Status == models.PostStatusPublished {
		return "", ErrPostPublished
	}

	if post.Status == models.PostStatusScheduled {
		if err := s.transition(ctx, post, nil, false); err != nil {
			return "", err
		}
	}

	jobID, err := queue.Enqueue(ctx, s.jobs, queue.PublishPostPayload{
		PostID:    post.ID,
		UserID:    userID,
		Immediate: true,
	})
	if err != nil {
		return "", fmt.Errorf("queue publish: %w", err)
	}
	s.log.Info("post queued for immediate publishing", "post_id", post.ID, "job_id", jobID)
	return jobID, nil
}

func (s *postService) load(ctx context.Context, userID, postID int64) (*models.Post, error) {
	if userID == 0 || postID == 0 {
		return nil, ErrPostNotFound
	}
	post, err := s.posts.GetForUser(ctx, postID, userID)
	if err != nil {
		return nil, fmt.Errorf("load post: %w", err)
	}
	if post == nil {
		return nil, ErrPostNotFound
	}
	return post, nil
}

func (s *postService) reload(ctx context.Context, postID int64) (*models.Post, error) {
	post, err := s.posts.GetByID(ctx, nil, postID)
	if err != nil {
		return nil, fmt.Errorf("load post: %w", err)
	}
	if post == nil {
		return nil, ErrPostNotFound
	}
	return post, nil
}

func (s *postService) futureTime(t time.Time) (time.Time, error) {
	t = t.UTC()
	if !t.After(s.now()) {
		return time.Time{}, invalid("scheduled_at must be in the future")
	}
	return t, nil
}

func (s *postService) insertSchedule(ctx context.Context, tx *sqlx.Tx, post *models.Post, at time.Time) (*models.ScheduledPost, error) {
	jobID, err := queue.NewJobID()
	if err != nil {
		return nil, err
	}
	sp := &models.ScheduledPost{
		PostID:      post.ID,
		UserID:      post.UserID,
		ScheduledAt: at,
		JobID:       jobID,
		Status:      models.ScheduleStatusPending,
		MaxAttempts: s.maxAttempts,
		Platforms:   post.Platforms,
	}
	if _, err := s.schedules.Create(ctx, tx, sp); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	return sp, nil
}

func (s *postService) enqueue(ctx context.Context, sp *models.ScheduledPost) error {
	_, err := queue.EnqueueAt(ctx, s.jobs, sp.ScheduledAt, queue.PublishPostPayload{
		PostID:          sp.PostID,
		ScheduledPostID: sp.ID,
		UserID:          sp.UserID,
	}, queue.WithJobID(sp.JobID))
	if err != nil {
		return fmt.Errorf("schedule publish job: %w", err)
	}
	return nil
}

// compensate undoes a committed schedule whose job could not be stored.
func (s *postService) compensate(ctx context.Context, postID, scheduledPostID int64, cause error) {
	ctx = context.WithoutCancel(ctx)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.schedules.DeleteActive(ctx, tx, scheduledPostID); err != nil {
			return err
		}
		return s.posts.SetSchedule(ctx, tx, postID, models.PostStatusDraft, nil)
	})
	if err != nil {
		s.log.Error("could not roll back schedule", "post_id", postID, "scheduled_post_id", scheduledPostID, "cause", cause, "err", err)
		return
	}
	s.log.Warn("schedule rolled back to draft", "post_id", postID, "scheduled_post_id", scheduledPostID, "cause", cause)
}

func (s *postService) cancelJob(ctx context.Context, jobID string) {
	if jobID == "" {
		return
	}
	if err := s.jobs.Cancel(context.WithoutCancel(ctx), jobID); err != nil {
		s.log.Warn("could not cancel job, it will run as stale", "job_id", jobID, "err", err)
	}
}

func (s *postService) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func pageBounds(page, limit int) (int, int) {
	if page < 1 {
		page = defaultPage
	}
	if limit < 1 {
		limit = defaultLimit
	}
	return page, limit
}
