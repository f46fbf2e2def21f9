package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maheshrc27/postflow/internal/database/dbtest"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
)

func seedUser(t *testing.T, users repository.UserRepository, email string) *models.User {
	t.Helper()
	u := &models.User{Email: email, Name: "Test"}
	_, err := users.Create(context.Background(), nil, u)
	require.NoError(t, err)
	return u
}

func TestPostRepository_CreateGetList(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	users := repository.NewUserRepository(db)
	posts := repository.NewPostRepository(db)

	u := seedUser(t, users, "a@example.com")
	at := time.Now().Add(time.Hour)

	p := &models.Post{
		UserID:      u.ID,
		Content:     "hello",
		MediaURLs:   models.StringList{"https://cdn.example.com/a.png"},
		Platforms:   models.PlatformList{models.PlatformLinkedIn},
		Status:      models.PostStatusScheduled,
		ScheduledAt: &at,
	}
	id, err := posts.Create(ctx, nil, p)
	require.NoError(t, err)
	require.NotZero(t, id)

	draft := &models.Post{UserID: u.ID, Content: "draft", Status: models.PostStatusDraft}
	_, err = posts.Create(ctx, nil, draft)
	require.NoError(t, err)

	got, err := posts.GetForUser(ctx, id, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, models.PlatformList{models.PlatformLinkedIn}, got.Platforms)
	assert.Equal(t, models.StringList{"https://cdn.example.com/a.png"}, got.MediaURLs)
	require.NotNil(t, got.ScheduledAt)
	assert.WithinDuration(t, at, *got.ScheduledAt, time.Second)

	other, err := posts.GetForUser(ctx, id, u.ID+1)
	require.NoError(t, err)
	assert.Nil(t, other)

	all, total, err := posts.List(ctx, u.ID, "", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, all, 2)

	scheduled, total, err := posts.List(ctx, u.ID, models.PostStatusScheduled, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, scheduled, 1)
	assert.Equal(t, id, scheduled[0].ID)

	require.NoError(t, posts.SoftDelete(ctx, nil, id))
	got, err = posts.GetForUser(ctx, id, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	// soft-deleted rows keep their status and are still readable by id
	raw, err := posts.GetByID(ctx, nil, id)
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.True(t, raw.IsDeleted)
	assert.Equal(t, models.PostStatusScheduled, raw.Status)
}

func TestPostRepository_ContentAndOutcome(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	u := seedUser(t, repository.NewUserRepository(db), "b@example.com")
	posts := repository.NewPostRepository(db)

	p := &models.Post{UserID: u.ID, Content: "x", Status: models.PostStatusDraft}
	_, err := posts.Create(ctx, nil, p)
	require.NoError(t, err)

	p.Content = "edited"
	p.MediaURLs = models.StringList{"https://cdn.example.com/a.png"}
	p.Status = models.PostStatusPublished
	require.NoError(t, posts.UpdateContent(ctx, nil, p))

	got, err := posts.GetByID(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Content)
	assert.Equal(t, models.StringList{"https://cdn.example.com/a.png"}, got.MediaURLs)
	assert.Equal(t, models.PostStatusDraft, got.Status, "content edits never move the status")

	now := time.Now()
	var meta models.PostMetadata
	meta.SetRemote(models.PlatformLinkedIn, "urn:li:share:1", now)
	require.NoError(t, posts.RecordOutcome(ctx, nil, p.ID, models.PostStatusPublished, &now, meta))

	got, err = posts.GetByID(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublished, got.Status)
	assert.True(t, got.Metadata.Published(models.PlatformLinkedIn))
	assert.Equal(t, "urn:li:share:1", got.Metadata.Remote[models.PlatformLinkedIn].ID)
	assert.Nil(t, got.Metadata.Error)
}

func TestPostRepository_UnscheduledOutcomeSkipsRescheduledPost(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	u := seedUser(t, repository.NewUserRepository(db), "imm@example.com")
	posts := repository.NewPostRepository(db)

	p := &models.Post{UserID: u.ID, Content: "x", Status: models.PostStatusDraft}
	_, err := posts.Create(ctx, nil, p)
	require.NoError(t, err)

	at := time.Now().Add(time.Hour)
	require.NoError(t, posts.SetSchedule(ctx, nil, p.ID, models.PostStatusScheduled, &at))

	now := time.Now()
	ok, err := posts.RecordUnscheduledOutcome(ctx, nil, p.ID, models.PostStatusPublished, &now, models.PostMetadata{})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := posts.GetByID(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusScheduled, got.Status)
	assert.NotNil(t, got.ScheduledAt)
	assert.Nil(t, got.PublishedAt)

	require.NoError(t, posts.SetSchedule(ctx, nil, p.ID, models.PostStatusDraft, nil))
	ok, err = posts.RecordUnscheduledOutcome(ctx, nil, p.ID, models.PostStatusPublished, &now, models.PostMetadata{})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = posts.GetByID(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublished, got.Status)
}

func newScheduled(t *testing.T, ctx context.Context, repo repository.ScheduledPostRepository, postID, userID int64, jobID string) *models.ScheduledPost {
	t.Helper()
	sp := &models.ScheduledPost{
		PostID:      postID,
		UserID:      userID,
		ScheduledAt: time.Now().Add(time.Hour),
		JobID:       jobID,
		Platforms:   models.PlatformList{models.PlatformLinkedIn},
	}
	_, err := repo.Create(ctx, nil, sp)
	require.NoError(t, err)
	return sp
}

func TestScheduledPostRepository_OneActivePerPost(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	u := seedUser(t, repository.NewUserRepository(db), "c@example.com")
	posts := repository.NewPostRepository(db)
	sps := repository.NewScheduledPostRepository(db)

	p := &models.Post{UserID: u.ID, Content: "x", Status: models.PostStatusScheduled}
	_, err := posts.Create(ctx, nil, p)
	require.NoError(t, err)

	first := newScheduled(t, ctx, sps, p.ID, u.ID, "job-1")
	assert.Equal(t, models.ScheduleStatusPending, first.Status)
	assert.Equal(t, models.DefaultMaxAttempts, first.MaxAttempts)

	dup := &models.ScheduledPost{PostID: p.ID, UserID: u.ID, ScheduledAt: time.Now(), JobID: "job-2"}
	_, err = sps.Create(ctx, nil, dup)
	assert.Error(t, err)

	active, err := sps.GetActiveByPostID(ctx, nil, p.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first.ID, active.ID)
}

func TestScheduledPostRepository_AttemptLifecycle(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	u := seedUser(t, repository.NewUserRepository(db), "d@example.com")
	posts := repository.NewPostRepository(db)
	sps := repository.NewScheduledPostRepository(db)

	p := &models.Post{UserID: u.ID, Content: "x", Status: models.PostStatusScheduled}
	_, err := posts.Create(ctx, nil, p)
	require.NoError(t, err)
	sp := newScheduled(t, ctx, sps, p.ID, u.ID, "job-1")

	ok, err := sps.BeginAttempt(ctx, sp.ID, "job-other", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "a job that no longer owns the record must not start an attempt")

	ok, err = sps.BeginAttempt(ctx, sp.ID, "job-1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = sps.Requeue(ctx, nil, sp.ID, "job-1", "job-2", models.ScheduleResult{Error: "rate limited"})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := sps.GetByID(ctx, nil, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleStatusPending, got.Status)
	assert.Equal(t, "job-2", got.JobID)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "rate limited", got.Result.Error)
	assert.NotNil(t, got.LastAttemptAt)

	// the old job can no longer finish the record
	ok, err = sps.Finish(ctx, nil, sp.ID, "job-1", models.ScheduleStatusCompleted, models.ScheduleResult{Success: true})
	require.NoError(t, err)
	assert.False(t, ok)

	for i := 0; i < 2; i++ {
		ok, err = sps.BeginAttempt(ctx, sp.ID, "job-2", time.Now())
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err = sps.BeginAttempt(ctx, sp.ID, "job-2", time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "attempts must never exceed max_attempts")

	ok, err = sps.Finish(ctx, nil, sp.ID, "job-2", models.ScheduleStatusFailed, models.ScheduleResult{Error: "boom"})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = sps.GetByID(ctx, nil, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)

	deleted, err := sps.DeleteActive(ctx, nil, sp.ID)
	require.NoError(t, err)
	assert.False(t, deleted, "terminal records are not cancellable")
}

func TestScheduledPostRepository_Settle(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	u := seedUser(t, repository.NewUserRepository(db), "settle@example.com")
	posts := repository.NewPostRepository(db)
	sps := repository.NewScheduledPostRepository(db)

	p := &models.Post{UserID: u.ID, Content: "x", Status: models.PostStatusScheduled}
	_, err := posts.Create(ctx, nil, p)
	require.NoError(t, err)
	sp := newScheduled(t, ctx, sps, p.ID, u.ID, "job-1")

	ok, err := sps.Settle(ctx, nil, sp.ID, "job-other", models.ScheduleResult{Success: true})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = sps.Settle(ctx, nil, sp.ID, "job-1", models.ScheduleResult{Success: true})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := sps.GetByID(ctx, nil, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleStatusCompleted, got.Status)
	assert.Zero(t, got.Attempts)

	ok, err = sps.Settle(ctx, nil, sp.ID, "job-1", models.ScheduleResult{Success: true})
	require.NoError(t, err)
	assert.False(t, ok, "terminal records stay as they are")
}

func TestScheduledPostRepository_ListActiveAndCleanup(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	u := seedUser(t, repository.NewUserRepository(db), "e@example.com")
	posts := repository.NewPostRepository(db)
	sps := repository.NewScheduledPostRepository(db)

	var ids []int64
	for i := 0; i < 3; i++ {
		p := &models.Post{UserID: u.ID, Content: "x", Status: models.PostStatusScheduled}
		_, err := posts.Create(ctx, nil, p)
		require.NoError(t, err)
		ids = append(ids, newScheduled(t, ctx, sps, p.ID, u.ID, "job").ID)
	}

	ok, err := sps.MarkFailed(ctx, nil, ids[0], models.ScheduleResult{Error: "post missing"})
	require.NoError(t, err)
	require.True(t, ok)

	list, total, err := sps.ListActiveByUser(ctx, u.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 2)
	for _, item := range list {
		require.NotNil(t, item.Post)
		assert.Equal(t, item.PostID, item.Post.ID)
	}

	n, err := sps.DeleteFinishedBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = sps.DeleteFinishedBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := sps.GetByID(ctx, nil, ids[0])
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSocialAccountRepository_Tokens(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	u := seedUser(t, repository.NewUserRepository(db), "f@example.com")
	accounts := repository.NewSocialAccountRepository(db)

	sa := &models.SocialAccount{
		UserID:         u.ID,
		Platform:       models.PlatformLinkedIn,
		AccountID:      "abc",
		AccessToken:    "sealed-access",
		RefreshToken:   "sealed-refresh",
		TokenExpiresAt: time.Now().Add(10 * time.Minute),
	}
	_, err := accounts.Create(ctx, nil, sa)
	require.NoError(t, err)

	got, err := accounts.GetByUserAndPlatform(ctx, u.ID, models.PlatformLinkedIn)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sealed-access", got.AccessToken)

	missing, err := accounts.GetByUserAndPlatform(ctx, u.ID, models.PlatformYoutube)
	require.NoError(t, err)
	assert.Nil(t, missing)

	expiring, err := accounts.ListExpiringBefore(ctx, time.Now().Add(30*time.Minute))
	require.NoError(t, err)
	assert.Len(t, expiring, 1)

	require.NoError(t, accounts.SetToken(ctx, sa.ID, "new-access", "", time.Now().Add(2*time.Hour)))
	got, err = accounts.GetByID(ctx, sa.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.AccessToken)
	assert.Equal(t, "sealed-refresh", got.RefreshToken)

	expiring, err = accounts.ListExpiringBefore(ctx, time.Now().Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, expiring)

	assert.Error(t, accounts.SetToken(ctx, sa.ID+100, "x", "y", time.Now()))
}
