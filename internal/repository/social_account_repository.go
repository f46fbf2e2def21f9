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

type SocialAccountRepository interface {
	Create(ctx context.Context, tx *sqlx.Tx, sa *models.SocialAccount) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.SocialAccount, error)
	GetByUserAndPlatform(ctx context.Context, userID int64, platform models.Platform) (*models.SocialAccount, error)
	ListByUserID(ctx context.Context, userID int64) ([]*models.SocialAccount, error)
	ListExpiringBefore(ctx context.Context, before time.Time) ([]*models.SocialAccount, error)
	SetToken(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error
	Remove(ctx context.Context, id int64) error
}

type socialAccountRepository struct {
	db *sqlx.DB
}

func NewSocialAccountRepository(db *sqlx.DB) SocialAccountRepository {
	return &socialAccountRepository{db: db}
}

const socialAccountColumns = `id, user_id, platform, account_id, account_name, access_token, refresh_token, token_expires_at, created_at, updated_at`

func (r *socialAccountRepository) Create(ctx context.Context, tx *sqlx.Tx, sa *models.SocialAccount) (int64, error) {
	q := ext(r.db, tx)
	insertQuery := q.Rebind(`
		INSERT INTO social_accounts(
			user_id,
			platform,
			account_id,
			account_name,
			access_token,
			refresh_token,
			token_expires_at,
			created_at,
			updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	now := dbNow()
	var id int64
	err := q.QueryRowxContext(ctx, insertQuery,
		sa.UserID,
		sa.Platform,
		sa.AccountID,
		sa.AccountName,
		sa.AccessToken,
		sa.RefreshToken,
		dbTime(sa.TokenExpiresAt),
		now,
		now,
	).Scan(&id)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	sa.ID = id
	return id, nil
}

func (r *socialAccountRepository) GetByID(ctx context.Context, id int64) (*models.SocialAccount, error) {
	query := r.db.Rebind(`SELECT ` + socialAccountColumns + ` FROM social_accounts WHERE id = ?`)
	return r.getOne(ctx, query, id)
}

func (r *socialAccountRepository) GetByUserAndPlatform(ctx context.Context, userID int64, platform models.Platform) (*models.SocialAccount, error) {
	query := r.db.Rebind(`SELECT ` + socialAccountColumns + ` FROM social_accounts WHERE user_id = ? AND platform = ?`)
	return r.getOne(ctx, query, userID, platform)
}

func (r *socialAccountRepository) getOne(ctx context.Context, query string, args ...any) (*models.SocialAccount, error) {
	var sa models.SocialAccount
	if err := r.db.GetContext(ctx, &sa, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return &sa, nil
}

func (r *socialAccountRepository) ListByUserID(ctx context.Context, userID int64) ([]*models.SocialAccount, error) {
	var accounts []*models.SocialAccount
	query := r.db.Rebind(`SELECT ` + socialAccountColumns + ` FROM social_accounts WHERE user_id = ? ORDER BY platform`)
	if err := r.db.SelectContext(ctx, &accounts, query, userID); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return accounts, nil
}

// ListExpiringBefore returns accounts whose access token expires before the
// given instant, including ones that have already expired.
func (r *socialAccountRepository) ListExpiringBefore(ctx context.Context, before time.Time) ([]*models.SocialAccount, error) {
	var accounts []*models.SocialAccount
	query := r.db.Rebind(`SELECT ` + socialAccountColumns + ` FROM social_accounts WHERE token_expires_at < ? AND refresh_token <> ''`)
	if err := r.db.SelectContext(ctx, &accounts, query, dbTime(before)); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return accounts, nil
}

// SetToken stores a refreshed credential. Concurrent refreshes of the same
// account are last-write-wins; an empty refresh token keeps the stored one.
func (r *socialAccountRepository) SetToken(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	query := r.db.Rebind(`
		UPDATE social_accounts
		SET
			access_token = ?,
			refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
			token_expires_at = ?,
			updated_at = ?
		WHERE id = ?
	`)
	res, err := r.db.ExecContext(ctx, query, accessToken, refreshToken, refreshToken, dbTime(expiresAt), dbNow(), id)
	ok, err := affected(res, err)
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("no rows affected; social account may not exist")
		return errors.New("no rows affected; social account may not exist")
	}
	return nil
}

func (r *socialAccountRepository) Remove(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM social_accounts WHERE id = ?`), id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
