// repository/user_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/maheshrc27/postflow/internal/models"
)

type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*models.User, bool, error)
	GetByEmail(ctx context.Context, email string) (*models.User, bool, error)
	Create(ctx context.Context, tx *sqlx.Tx, user *models.User) (int64, error)
	Remove(ctx context.Context, id int64) error
}

type userRepository struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) GetByID(ctx context.Context, id int64) (*models.User, bool, error) {
	return r.getOne(ctx, r.db.Rebind("SELECT id, email, name, created_at, updated_at FROM users WHERE id = ?"), id)
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*models.User, bool, error) {
	return r.getOne(ctx, r.db.Rebind("SELECT id, email, name, created_at, updated_at FROM users WHERE email = ?"), email)
}

func (r *userRepository) getOne(ctx context.Context, query string, arg any) (*models.User, bool, error) {
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		slog.Info(err.Error())
		return nil, false, err
	}
	return &user, true, nil
}

func (r *userRepository) Create(ctx context.Context, tx *sqlx.Tx, user *models.User) (int64, error) {
	q := ext(r.db, tx)
	query := q.Rebind("INSERT INTO users (email, name, created_at, updated_at) VALUES (?, ?, ?, ?) RETURNING id")

	now := dbNow()
	var id int64
	if err := q.QueryRowxContext(ctx, query, user.Email, user.Name, now, now).Scan(&id); err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	user.ID = id
	user.CreatedAt = now
	user.UpdatedAt = now
	return id, nil
}

func (r *userRepository) Remove(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
