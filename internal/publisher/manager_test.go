package publisher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/maheshrc27/postflow/internal/database/dbtest"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/pkg/utils"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type fakePublisher struct {
	valid      string
	refreshed  string
	refreshErr error
	publishErr error
	refreshes  int
	calls      []string
}

func (f *fakePublisher) Platform() models.Platform { return models.PlatformLinkedIn }

func (f *fakePublisher) IsCredentialExpired(acc *models.SocialAccount) bool { return tokenExpired(acc) }

func (f *fakePublisher) Refresh(context.Context, string) (*oauth2.Token, error) {
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.valid = f.refreshed
	return &oauth2.Token{AccessToken: f.refreshed, Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakePublisher) Publish(_ context.Context, accessToken, _ string, _ []string) (*Result, error) {
	f.calls = append(f.calls, accessToken)
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	if accessToken != f.valid {
		return nil, ErrUnauthorized
	}
	return &Result{RemoteID: "remote-1"}, nil
}

type managerFixture struct {
	accounts repository.SocialAccountRepository
	userID   int64
	account  *models.SocialAccount
}

func newManagerFixture(t *testing.T, access string, expiresAt time.Time) *managerFixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.New(t)

	u := &models.User{Email: "m@example.com"}
	_, err := repository.NewUserRepository(db).Create(ctx, nil, u)
	require.NoError(t, err)

	sealedAccess, err := utils.SealToken(access, testKey)
	require.NoError(t, err)
	sealedRefresh, err := utils.SealToken("refresh", testKey)
	require.NoError(t, err)

	accounts := repository.NewSocialAccountRepository(db)
	acc := &models.SocialAccount{
		UserID:         u.ID,
		Platform:       models.PlatformLinkedIn,
		AccessToken:    sealedAccess,
		RefreshToken:   sealedRefresh,
		TokenExpiresAt: expiresAt,
	}
	_, err = accounts.Create(ctx, nil, acc)
	require.NoError(t, err)

	return &managerFixture{accounts: accounts, userID: u.ID, account: acc}
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestManager_PublishWithValidCredential(t *testing.T) {
	f := newManagerFixture(t, "token-a", time.Now().Add(time.Hour))
	pub := &fakePublisher{valid: "token-a"}
	m := NewManager(f.accounts, testKey, time.Second, quiet, pub)

	res, err := m.Publish(context.Background(), f.userID, models.PlatformLinkedIn, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "remote-1", res.RemoteID)
	assert.Zero(t, pub.refreshes)
}

func TestManager_RefreshesExpiredCredential(t *testing.T) {
	f := newManagerFixture(t, "token-old", time.Now().Add(-time.Minute))
	pub := &fakePublisher{valid: "token-old", refreshed: "token-new"}
	m := NewManager(f.accounts, testKey, time.Second, quiet, pub)

	_, err := m.Publish(context.Background(), f.userID, models.PlatformLinkedIn, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.refreshes)
	assert.Equal(t, []string{"token-new"}, pub.calls)

	stored, err := f.accounts.GetByID(context.Background(), f.account.ID)
	require.NoError(t, err)
	plain, err := utils.OpenToken(stored.AccessToken, testKey)
	require.NoError(t, err)
	assert.Equal(t, "token-new", plain)
	refresh, err := utils.OpenToken(stored.RefreshToken, testKey)
	require.NoError(t, err)
	assert.Equal(t, "refresh", refresh, "an empty refresh token in the response keeps the stored one")
}

func TestManager_RetriesOnceAfterUnauthorized(t *testing.T) {
	f := newManagerFixture(t, "token-revoked", time.Now().Add(time.Hour))
	pub := &fakePublisher{valid: "something-else", refreshed: "token-new"}
	m := NewManager(f.accounts, testKey, time.Second, quiet, pub)

	_, err := m.Publish(context.Background(), f.userID, models.PlatformLinkedIn, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.refreshes)
	assert.Equal(t, []string{"token-revoked", "token-new"}, pub.calls)
}

func TestManager_UnauthorizedAfterRefreshIsPermanent(t *testing.T) {
	f := newManagerFixture(t, "token-a", time.Now().Add(time.Hour))
	pub := &fakePublisher{publishErr: ErrUnauthorized, refreshed: "token-b"}
	m := NewManager(f.accounts, testKey, time.Second, quiet, pub)

	_, err := m.Publish(context.Background(), f.userID, models.PlatformLinkedIn, "hi", nil)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, pub.refreshes)
	assert.Len(t, pub.calls, 2)
}

func TestManager_RefreshFailureSurfaces(t *testing.T) {
	f := newManagerFixture(t, "token-a", time.Now().Add(-time.Hour))
	pub := &fakePublisher{refreshErr: errors.New("dial tcp: timeout")}
	m := NewManager(f.accounts, testKey, time.Second, quiet, pub)

	_, err := m.Publish(context.Background(), f.userID, models.PlatformLinkedIn, "hi", nil)
	require.Error(t, err)
	assert.False(t, Permanent(err))
	assert.Empty(t, pub.calls)
}

// stallingPublisher never answers a refresh until its context ends.
type stallingPublisher struct {
	fakePublisher
}

func (s *stallingPublisher) Refresh(ctx context.Context, _ string) (*oauth2.Token, error) {
	s.refreshes++
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestManager_RefreshIsBoundedByTimeout(t *testing.T) {
	f := newManagerFixture(t, "token-a", time.Now().Add(-time.Hour))
	pub := &stallingPublisher{}
	m := NewManager(f.accounts, testKey, 50*time.Millisecond, quiet, pub)

	start := time.Now()
	_, err := m.Publish(context.Background(), f.userID, models.PlatformLinkedIn, "hi", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, pub.refreshes)
	assert.Empty(t, pub.calls)
}

func TestManager_NotConnectedAndUnsupported(t *testing.T) {
	f := newManagerFixture(t, "token-a", time.Now().Add(time.Hour))
	m := NewManager(f.accounts, testKey, time.Second, quiet, &fakePublisher{})

	_, err := m.Publish(context.Background(), f.userID+1, models.PlatformLinkedIn, "hi", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, Permanent(err))

	_, err = m.Publish(context.Background(), f.userID, models.PlatformYoutube, "hi", nil)
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
	assert.True(t, Permanent(err))
}
