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

type PostRepository interface {
	Create(ctx context.Context, tx *sqlx.Tx, post *models.Post) (int64, error)
	GetByID(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Post, error)
	GetForUser(ctx context.Context, id, userID int64) (*models.Post, error)
	List(ctx context.Context, userID int64, status models.PostStatus, limit, offset int) ([]*models.Post, int, error)
	UpdateContent(ctx context.Context, tx *sqlx.Tx, post *models.Post) error
	SetSchedule(ctx context.Context, tx *sqlx.Tx, id int64, status models.PostStatus, scheduledAt *time.Time) error
	RecordOutcome(ctx context.Context, tx *sqlx.Tx, id int64, status models.PostStatus, publishedAt *time.Time, metadata models.PostMetadata) error
	RecordUnscheduledOutcome(ctx context.Context, tx *sqlx.Tx, id int64, status models.PostStatus, publishedAt *time.Time, metadata models.PostMetadata) (bool, error)
	UpdateMetadata(ctx context.Context, tx *sqlx.Tx, id int64, metadata models.PostMetadata) error
	SoftDelete(ctx context.Context, tx *sqlx.Tx, id int64) error
}

type postRepository struct {
	db *sqlx.DB
}

func NewPostRepository(db *sqlx.DB) PostRepository {
	return &postRepository{db: db}
}

const postColumns = `id, user_id, content, media_urls, platforms, status, scheduled_at, published_at, metadata, is_deleted, created_at, updated_at`

func (r *postRepository) Create(ctx context.Context, tx *sqlx.Tx, post *models.Post) (int64, error) {
	q := ext(r.db, tx)
	query := q.Rebind(`
		INSERT INTO posts (user_id, content, media_urls, platforms, status, scheduled_at, published_at, metadata, is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	now := dbNow()
	var id int64
	err := q.QueryRowxContext(ctx, query,
		post.UserID, post.Content, post.MediaURLs, post.Platforms, post.Status,
		dbTimePtr(post.ScheduledAt), dbTimePtr(post.PublishedAt), post.Metadata, post.IsDeleted, now, now,
	).Scan(&id)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	post.ID = id
	post.CreatedAt = now
	post.UpdatedAt = now
	return id, nil
}

func (r *postRepository) GetByID(ctx context.Context, tx *sqlx.Tx, id int64) (*models.Post, error) {
	q := ext(r.db, tx)
	var post models.Post
	err := sqlx.GetContext(ctx, q, &post, q.Rebind(`SELECT `+postColumns+` FROM posts WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return &post, nil
}

func (r *postRepository) GetForUser(ctx context.Context, id, userID int64) (*models.Post, error) {
	var post models.Post
	query := r.db.Rebind(`SELECT ` + postColumns + ` FROM posts WHERE id = ? AND user_id = ? AND is_deleted = ?`)
	err := r.db.GetContext(ctx, &post, query, id, userID, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return &post, nil
}

func (r *postRepository) List(ctx context.Context, userID int64, status models.PostStatus, limit, offset int) ([]*models.Post, int, error) {
	where := ` WHERE user_id = ? AND is_deleted = ?`
	args := []any{userID, false}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, status)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind(`SELECT COUNT(*) FROM posts`+where), args...); err != nil {
		slog.Info(err.Error())
		return nil, 0, err
	}

	var posts []*models.Post
	query := r.db.Rebind(`SELECT ` + postColumns + ` FROM posts` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	if err := r.db.SelectContext(ctx, &posts, query, append(args, limit, offset)...); err != nil {
		slog.Info(err.Error())
		return nil, 0, err
	}
	return posts, total, nil
}

// UpdateContent writes the user-editable fields only. Status, schedule and
// metadata belong to the scheduling flow and the worker.
func (r *postRepository) UpdateContent(ctx context.Context, tx *sqlx.Tx, post *models.Post) error {
	q := ext(r.db, tx)
	query := q.Rebind(`
		UPDATE posts
		SET content = ?, media_urls = ?, platforms = ?, updated_at = ?
		WHERE id = ?
	`)

	now := dbNow()
	_, err := q.ExecContext(ctx, query, post.Content, post.MediaURLs, post.Platforms, now, post.ID)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	post.UpdatedAt = now
	return nil
}

func (r *postRepository) SetSchedule(ctx context.Context, tx *sqlx.Tx, id int64, status models.PostStatus, scheduledAt *time.Time) error {
	q := ext(r.db, tx)
	query := q.Rebind(`UPDATE posts SET status = ?, scheduled_at = ?, updated_at = ? WHERE id = ?`)
	_, err := q.ExecContext(ctx, query, status, dbTimePtr(scheduledAt), dbNow(), id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

// RecordOutcome stores the result of a publish run. The post leaves the
// scheduled state, so scheduled_at is cleared.
func (r *postRepository) RecordOutcome(ctx context.Context, tx *sqlx.Tx, id int64, status models.PostStatus, publishedAt *time.Time, metadata models.PostMetadata) error {
	q := ext(r.db, tx)
	query := q.Rebind(`
		UPDATE posts
		SET status = ?, published_at = ?, scheduled_at = NULL, metadata = ?, updated_at = ?
		WHERE id = ?
	`)
	_, err := q.ExecContext(ctx, query, status, dbTimePtr(publishedAt), metadata, dbNow(), id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

// RecordUnscheduledOutcome stores the result of an immediate run unless the
// post was scheduled again while it ran. It reports whether the post changed.
func (r *postRepository) RecordUnscheduledOutcome(ctx context.Context, tx *sqlx.Tx, id int64, status models.PostStatus, publishedAt *time.Time, metadata models.PostMetadata) (bool, error) {
	q := ext(r.db, tx)
	query := q.Rebind(`
		UPDATE posts
		SET status = ?, published_at = ?, metadata = ?, updated_at = ?
		WHERE id = ? AND status <> ?
	`)
	res, err := q.ExecContext(ctx, query, status, dbTimePtr(publishedAt), metadata, dbNow(), id, models.PostStatusScheduled)
	return affected(res, err)
}

func (r *postRepository) UpdateMetadata(ctx context.Context, tx *sqlx.Tx, id int64, metadata models.PostMetadata) error {
	q := ext(r.db, tx)
	_, err := q.ExecContext(ctx, q.Rebind(`UPDATE posts SET metadata = ?, updated_at = ? WHERE id = ?`), metadata, dbNow(), id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *postRepository) SoftDelete(ctx context.Context, tx *sqlx.Tx, id int64) error {
	q := ext(r.db, tx)
	query := q.Rebind(`UPDATE posts SET is_deleted = ?, updated_at = ? WHERE id = ?`)
	_, err := q.ExecContext(ctx, query, true, dbNow(), id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
