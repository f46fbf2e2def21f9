package service

import (
	"context"
	"fmt"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
)

type UserInfo struct {
	*models.User
	Accounts []*models.SocialAccount `json:"accounts"`
}

type UserService interface {
	GetUserInfo(ctx context.Context, id int64) (*UserInfo, error)
	DisconnectAccount(ctx context.Context, userID, accountID int64) error
}

type userService struct {
	u  repository.UserRepository
	sa repository.SocialAccountRepository
}

func NewUserService(u repository.UserRepository, sa repository.SocialAccountRepository) UserService {
	return &userService{
		u:  u,
		sa: sa,
	}
}

// GetUserInfo returns the user with the platforms they have connected.
func (s *userService) GetUserInfo(ctx context.Context, id int64) (*UserInfo, error) {
	user, isExist, err := s.u.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !isExist {
		return nil, ErrUserNotFound
	}

	accounts, err := s.sa.ListByUserID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if accounts == nil {
		accounts = []*models.SocialAccount{}
	}
	return &UserInfo{User: user, Accounts: accounts}, nil
}

// DisconnectAccount removes a stored platform credential. Scheduled posts for
// that platform fail as not connected when they run.
func (s *userService) DisconnectAccount(ctx context.Context, userID, accountID int64) error {
	acc, err := s.sa.GetByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if acc == nil || acc.UserID != userID {
		return ErrAccountNotFound
	}
	return s.sa.Remove(ctx, accountID)
}
