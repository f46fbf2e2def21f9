package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/pkg/utils"
)

// Manager resolves a user's credential for a platform and publishes with it.
// Expired credentials are refreshed before the call, and a call rejected as
// unauthorized is retried once after a refresh.
type Manager struct {
	publishers map[models.Platform]Publisher
	accounts   repository.SocialAccountRepository
	key        []byte
	timeout    time.Duration
	log        *slog.Logger
}

func NewManager(accounts repository.SocialAccountRepository, key []byte, timeout time.Duration, log *slog.Logger, pubs ...Publisher) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		publishers: make(map[models.Platform]Publisher, len(pubs)),
		accounts:   accounts,
		key:        key,
		timeout:    timeout,
		log:        log,
	}
	for _, p := range pubs {
		m.publishers[p.Platform()] = p
	}
	return m
}

func (m *Manager) Publisher(platform models.Platform) (Publisher, bool) {
	p, ok := m.publishers[platform]
	return p, ok
}

// Credential returns the stored account for the user, or ErrNotConnected.
func (m *Manager) Credential(ctx context.Context, userID int64, platform models.Platform) (*models.SocialAccount, error) {
	acc, err := m.accounts.GetByUserAndPlatform(ctx, userID, platform)
	if err != nil {
		return nil, fmt.Errorf("load %s credential: %w", platform, err)
	}
	if acc == nil || acc.AccessToken == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, platform)
	}
	return acc, nil
}

func (m *Manager) Publish(ctx context.Context, userID int64, platform models.Platform, content string, mediaURLs []string) (*Result, error) {
	pub, ok := m.publishers[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}

	acc, err := m.Credential(ctx, userID, platform)
	if err != nil {
		return nil, err
	}

	var accessToken string
	if pub.IsCredentialExpired(acc) {
		accessToken, err = m.Refresh(ctx, pub, acc)
	} else {
		accessToken, err = utils.OpenToken(acc.AccessToken, m.key)
		if err != nil {
			err = fmt.Errorf("%w: %s credential unreadable: %v", ErrUnauthorized, platform, err)
		}
	}
	if err != nil {
		return nil, err
	}

	res, err := m.call(ctx, pub, accessToken, content, mediaURLs)
	if err == nil || !errors.Is(err, ErrUnauthorized) {
		return res, err
	}

	m.log.Info("credential rejected, refreshing once", "platform", platform, "user_id", userID)
	accessToken, rerr := m.Refresh(ctx, pub, acc)
	if rerr != nil {
		return nil, rerr
	}
	return m.call(ctx, pub, accessToken, content, mediaURLs)
}

func (m *Manager) call(ctx context.Context, pub Publisher, accessToken, content string, mediaURLs []string) (*Result, error) {
	ctx, cancel := m.bounded(ctx)
	defer cancel()
	return pub.Publish(ctx, accessToken, content, mediaURLs)
}

// bounded limits a single platform call to the configured timeout.
func (m *Manager) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout > 0 {
		return context.WithTimeout(ctx, m.timeout)
	}
	return context.WithCancel(ctx)
}

// Refresh exchanges the account's refresh token, stores the new credential
// and returns the new access token. Concurrent refreshes of one account are
// last-write-wins.
func (m *Manager) Refresh(ctx context.Context, pub Publisher, acc *models.SocialAccount) (string, error) {
	refreshToken, err := utils.OpenToken(acc.RefreshToken, m.key)
	if err != nil {
		return "", fmt.Errorf("%w: %s refresh token unreadable: %v", ErrUnauthorized, acc.Platform, err)
	}
	if refreshToken == "" {
		return "", fmt.Errorf("%w: %s has no refresh token", ErrUnauthorized, acc.Platform)
	}

	refreshCtx, cancel := m.bounded(ctx)
	tok, err := pub.Refresh(refreshCtx, refreshToken)
	cancel()
	if err != nil {
		return "", err
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(defaultTokenLifetime)
	}

	sealedAccess, err := utils.SealToken(tok.AccessToken, m.key)
	if err != nil {
		return "", err
	}
	sealedRefresh, err := utils.SealToken(tok.RefreshToken, m.key)
	if err != nil {
		return "", err
	}

	if err := m.accounts.SetToken(ctx, acc.ID, sealedAccess, sealedRefresh, expiry); err != nil {
		// the fresh token is still usable for this call
		m.log.Error("could not store refreshed credential", "platform", acc.Platform, "account_id", acc.ID, "err", err)
	} else {
		acc.AccessToken = sealedAccess
		if sealedRefresh != "" {
			acc.RefreshToken = sealedRefresh
		}
		acc.TokenExpiresAt = expiry
	}
	return tok.AccessToken, nil
}
