package job

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/publisher"
	"github.com/maheshrc27/postflow/internal/repository"
)

const (
	refreshWindow      = 30 * time.Minute
	refreshConcurrency = 10
)

// TokenRefreshJob renews credentials shortly before they expire so that
// publish attempts rarely have to refresh inline.
type TokenRefreshJob struct {
	accounts repository.SocialAccountRepository
	manager  *publisher.Manager
	log      *slog.Logger
	now      func() time.Time
}

func NewTokenRefreshJob(accounts repository.SocialAccountRepository, manager *publisher.Manager, log *slog.Logger) *TokenRefreshJob {
	if log == nil {
		log = slog.Default()
	}
	return &TokenRefreshJob{
		accounts: accounts,
		manager:  manager,
		log:      log.With("job", "refresh tokens"),
		now:      time.Now,
	}
}

// RefreshTokens returns how many credentials were refreshed and how many failed.
func (j *TokenRefreshJob) RefreshTokens(ctx context.Context) (int, int) {
	accounts, err := j.accounts.ListExpiringBefore(ctx, j.now().Add(refreshWindow))
	if err != nil {
		j.log.Error("could not list expiring credentials", "err", err)
		return 0, 0
	}

	var (
		wg        sync.WaitGroup
		refreshed atomic.Int32
		failed    atomic.Int32
	)
	semaphore := make(chan struct{}, refreshConcurrency)

	for _, acc := range accounts {
		pub, ok := j.manager.Publisher(acc.Platform)
		if !ok {
			continue
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(acc *models.SocialAccount) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if _, err := j.manager.Refresh(ctx, pub, acc); err != nil {
				failed.Add(1)
				j.log.Warn("unable to refresh credential", "platform", acc.Platform, "account_id", acc.ID, "user_id", acc.UserID, "err", err)
				return
			}
			refreshed.Add(1)
		}(acc)
	}
	wg.Wait()

	if len(accounts) > 0 {
		j.log.Info("credentials refreshed", "refreshed", refreshed.Load(), "failed", failed.Load())
	}
	return int(refreshed.Load()), int(failed.Load())
}
