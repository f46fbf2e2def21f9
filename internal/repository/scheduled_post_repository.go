package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/maheshrc27/postflow/internal/models"
)

// ScheduledPostRepository persists the scheduling records that own a publish job.
// Writes made by the worker are conditional on the record still being live and
// still owning the firing job; they report whether a row was changed.
type ScheduledPostRepository interface {
	Create(ctx context.Context, tx *sqlx.Tx, sp *models.ScheduledPost) (int64, error)
	GetByID(ctx context.Context, tx *sqlx.Tx, id int64) (*models.ScheduledPost, error)
	GetActiveByPostID(ctx context.Context, tx *sqlx.Tx, postID int64) (*models.ScheduledPost, error)
	GetForUser(ctx context.Context, id, userID int64) (*models.ScheduledPost, error)
	ListActiveByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.ScheduledPostWithPost, int, error)
	BeginAttempt(ctx context.Context, id int64, jobID string, now time.Time) (bool, error)
	Finish(ctx context.Context, tx *sqlx.Tx, id int64, jobID string, status models.ScheduleStatus, result models.ScheduleResult) (bool, error)
	Requeue(ctx context.Context, tx *sqlx.Tx, id int64, jobID, newJobID string, result models.ScheduleResult) (bool, error)
	Settle(ctx context.Context, tx *sqlx.Tx, id int64, jobID string, result models.ScheduleResult) (bool, error)
	MarkFailed(ctx context.Context, tx *sqlx.Tx, id int64, result models.ScheduleResult) (bool, error)
	DeleteActive(ctx context.Context, tx *sqlx.Tx, id int64) (bool, error)
	Delete(ctx context.Context, tx *sqlx.Tx, id int64) error
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type scheduledPostRepository struct {
	db *sqlx.DB
}

func NewScheduledPostRepository(db *sqlx.DB) ScheduledPostRepository {
	return &scheduledPostRepository{db: db}
}

const scheduledPostColumns = `id, post_id, user_id, scheduled_at, job_id, status, attempts, max_attempts, last_attempt_at, result, platforms, created_at, updated_at`

func (r *scheduledPostRepository) Create(ctx context.Context, tx *sqlx.Tx, sp *models.ScheduledPost) (int64, error) {
	q := ext(r.db, tx)
	query := q.Rebind(`
		INSERT INTO scheduled_posts (post_id, user_id, scheduled_at, job_id, status, attempts, max_attempts, result, platforms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	if sp.Status == "" {
		sp.Status = models.ScheduleStatusPending
	}
	if sp.MaxAttempts == 0 {
		sp.MaxAttempts = models.DefaultMaxAttempts
	}

	now := dbNow()
	var id int64
	err := q.QueryRowxContext(ctx, query,
		sp.PostID, sp.UserID, dbTime(sp.ScheduledAt), sp.JobID, sp.Status,
		sp.Attempts, sp.MaxAttempts, sp.Result, sp.Platforms, now, now,
	).Scan(&id)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	sp.ID = id
	sp.CreatedAt = now
	sp.UpdatedAt = now
	return id, nil
}

func (r *scheduledPostRepository) GetByID(ctx context.Context, tx *sqlx.Tx, id int64) (*models.ScheduledPost, error) {
	q := ext(r.db, tx)
	return r.get(ctx, q, q.Rebind(`SELECT `+scheduledPostColumns+` FROM scheduled_posts WHERE id = ?`), id)
}

func (r *scheduledPostRepository) GetActiveByPostID(ctx context.Context, tx *sqlx.Tx, postID int64) (*models.ScheduledPost, error) {
	q := ext(r.db, tx)
	query := q.Rebind(`SELECT ` + scheduledPostColumns + ` FROM scheduled_posts WHERE post_id = ? AND status IN (?, ?)`)
	return r.get(ctx, q, query, postID, models.ScheduleStatusPending, models.ScheduleStatusProcessing)
}

func (r *scheduledPostRepository) GetForUser(ctx context.Context, id, userID int64) (*models.ScheduledPost, error) {
	query := r.db.Rebind(`SELECT ` + scheduledPostColumns + ` FROM scheduled_posts WHERE id = ? AND user_id = ?`)
	return r.get(ctx, r.db, query, id, userID)
}

func (r *scheduledPostRepository) get(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*models.ScheduledPost, error) {
	var sp models.ScheduledPost
	if err := sqlx.GetContext(ctx, q, &sp, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return &sp, nil
}

func (r *scheduledPostRepository) ListActiveByUser(ctx context.Context, userID int64, limit, offset int) ([]*models.ScheduledPostWithPost, int, error) {
	where := ` WHERE user_id = ? AND status IN (?, ?)`
	args := []any{userID, models.ScheduleStatusPending, models.ScheduleStatusProcessing}

	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind(`SELECT COUNT(*) FROM scheduled_posts`+where), args...); err != nil {
		slog.Info(err.Error())
		return nil, 0, err
	}

	var sps []*models.ScheduledPost
	query := r.db.Rebind(`SELECT ` + scheduledPostColumns + ` FROM scheduled_posts` + where + ` ORDER BY scheduled_at ASC, id ASC LIMIT ? OFFSET ?`)
	if err := r.db.SelectContext(ctx, &sps, query, append(args, limit, offset)...); err != nil {
		slog.Info(err.Error())
		return nil, 0, err
	}
	if len(sps) == 0 {
		return []*models.ScheduledPostWithPost{}, total, nil
	}

	postIDs := make([]int64, 0, len(sps))
	for _, sp := range sps {
		postIDs = append(postIDs, sp.PostID)
	}
	inQuery, inArgs, err := sqlx.In(`SELECT `+postColumns+` FROM posts WHERE id IN (?)`, postIDs)
	if err != nil {
		slog.Info(err.Error())
		return nil, 0, err
	}
	var posts []*models.Post
	if err := r.db.SelectContext(ctx, &posts, r.db.Rebind(inQuery), inArgs...); err != nil {
		slog.Info(err.Error())
		return nil, 0, err
	}
	byID := make(map[int64]*models.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}

	out := make([]*models.ScheduledPostWithPost, 0, len(sps))
	for _, sp := range sps {
		out = append(out, &models.ScheduledPostWithPost{ScheduledPost: *sp, Post: byID[sp.PostID]})
	}
	return out, total, nil
}

func (r *scheduledPostRepository) BeginAttempt(ctx context.Context, id int64, jobID string, now time.Time) (bool, error) {
	query := r.db.Rebind(`
		UPDATE scheduled_posts
		SET status = ?,
			attempts = attempts + 1,
			last_attempt_at = ?,
			updated_at = ?
		WHERE id = ? AND job_id = ? AND status IN (?, ?) AND attempts < max_attempts
	`)
	at := dbTime(now)
	res, err := r.db.ExecContext(ctx, query,
		models.ScheduleStatusProcessing, at, at,
		id, jobID, models.ScheduleStatusPending, models.ScheduleStatusProcessing,
	)
	return affected(res, err)
}

func (r *scheduledPostRepository) Finish(ctx context.Context, tx *sqlx.Tx, id int64, jobID string, status models.ScheduleStatus, result models.ScheduleResult) (bool, error) {
	q := ext(r.db, tx)
	query := q.Rebind(`
		UPDATE scheduled_posts
		SET status = ?, result = ?, updated_at = ?
		WHERE id = ? AND job_id = ? AND status = ?
	`)
	res, err := q.ExecContext(ctx, query, status, result, dbNow(), id, jobID, models.ScheduleStatusProcessing)
	return affected(res, err)
}

func (r *scheduledPostRepository) Requeue(ctx context.Context, tx *sqlx.Tx, id int64, jobID, newJobID string, result models.ScheduleResult) (bool, error) {
	q := ext(r.db, tx)
	query := q.Rebind(`
		UPDATE scheduled_posts
		SET status = ?, job_id = ?, result = ?, updated_at = ?
		WHERE id = ? AND job_id = ? AND status = ?
	`)
	res, err := q.ExecContext(ctx, query,
		models.ScheduleStatusPending, newJobID, result, dbNow(),
		id, jobID, models.ScheduleStatusProcessing,
	)
	return affected(res, err)
}

// Settle completes a live schedule owned by jobID without starting an attempt.
func (r *scheduledPostRepository) Settle(ctx context.Context, tx *sqlx.Tx, id int64, jobID string, result models.ScheduleResult) (bool, error) {
	q := ext(r.db, tx)
	query := q.Rebind(`
		UPDATE scheduled_posts
		SET status = ?, result = ?, updated_at = ?
		WHERE id = ? AND job_id = ? AND status IN (?, ?)
	`)
	res, err := q.ExecContext(ctx, query,
		models.ScheduleStatusCompleted, result, dbNow(),
		id, jobID, models.ScheduleStatusPending, models.ScheduleStatusProcessing,
	)
	return affected(res, err)
}

func (r *scheduledPostRepository) MarkFailed(ctx context.Context, tx *sqlx.Tx, id int64, result models.ScheduleResult) (bool, error) {
	q := ext(r.db, tx)
	query := q.Rebind(`
		UPDATE scheduled_posts
		SET status = ?, result = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`)
	res, err := q.ExecContext(ctx, query,
		models.ScheduleStatusFailed, result, dbNow(),
		id, models.ScheduleStatusPending, models.ScheduleStatusProcessing,
	)
	return affected(res, err)
}

func (r *scheduledPostRepository) DeleteActive(ctx context.Context, tx *sqlx.Tx, id int64) (bool, error) {
	q := ext(r.db, tx)
	query := q.Rebind(`DELETE FROM scheduled_posts WHERE id = ? AND status IN (?, ?)`)
	res, err := q.ExecContext(ctx, query, id, models.ScheduleStatusPending, models.ScheduleStatusProcessing)
	return affected(res, err)
}

func (r *scheduledPostRepository) Delete(ctx context.Context, tx *sqlx.Tx, id int64) error {
	q := ext(r.db, tx)
	_, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM scheduled_posts WHERE id = ?`), id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *scheduledPostRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := r.db.Rebind(`DELETE FROM scheduled_posts WHERE status IN (?, ?) AND updated_at < ?`)
	res, err := r.db.ExecContext(ctx, query, models.ScheduleStatusCompleted, models.ScheduleStatusFailed, dbTime(cutoff))
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	return n, nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return n == 1, nil
}
