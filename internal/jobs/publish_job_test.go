package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maheshrc27/postflow/internal/database/dbtest"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/publisher"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubPublisher struct {
	mu     sync.Mutex
	err    error
	calls  int
	before func()
}

func (s *stubPublisher) Publish(_ context.Context, _ int64, platform models.Platform, _ string, _ []string) (*publisher.Result, error) {
	s.mu.Lock()
	s.calls++
	before := s.before
	s.mu.Unlock()
	if before != nil {
		before()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &publisher.Result{RemoteID: "urn:li:share:1", URL: "https://www.linkedin.com/feed/update/urn:li:share:1"}, nil
}

type fixture struct {
	db        *sqlx.DB
	posts     repository.PostRepository
	schedules repository.ScheduledPostRepository
	store     *queue.SQLStore
	pub       *stubPublisher
	worker    *PublishWorker
	userID    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)

	users := repository.NewUserRepository(db)
	u := &models.User{Email: "worker@example.com"}
	_, err := users.Create(context.Background(), nil, u)
	require.NoError(t, err)

	f := &fixture{
		db:        db,
		posts:     repository.NewPostRepository(db),
		schedules: repository.NewScheduledPostRepository(db),
		store:     queue.NewSQLStore(db, 5*time.Minute, quiet),
		pub:       &stubPublisher{},
		userID:    u.ID,
	}
	f.worker = NewPublishWorker(db, f.posts, f.schedules, users, f.pub, f.store, DefaultRetryPolicy(), quiet)
	return f
}

// schedule creates a scheduled post owned by jobID, as the service would.
func (f *fixture) schedule(t *testing.T, jobID string, attempts int) (*models.Post, *models.ScheduledPost) {
	t.Helper()
	ctx := context.Background()
	at := time.Now().Add(-time.Second)

	post := &models.Post{
		UserID:      f.userID,
		Content:     "hello from the scheduler",
		Platforms:   models.PlatformList{models.PlatformLinkedIn},
		Status:      models.PostStatusScheduled,
		ScheduledAt: &at,
	}
	_, err := f.posts.Create(ctx, nil, post)
	require.NoError(t, err)

	sp := &models.ScheduledPost{
		PostID:      post.ID,
		UserID:      f.userID,
		ScheduledAt: at,
		JobID:       jobID,
		Attempts:    attempts,
		Platforms:   post.Platforms,
	}
	_, err = f.schedules.Create(ctx, nil, sp)
	require.NoError(t, err)
	return post, sp
}

func (f *fixture) run(t *testing.T, jobID string, post *models.Post, sp *models.ScheduledPost) error {
	t.Helper()
	p := queue.PublishPostPayload{PostID: post.ID, ScheduledPostID: sp.ID, UserID: f.userID}
	return f.worker.Handle(context.Background(), &models.Job{ID: jobID, Kind: string(queue.KindPublishPost)}, p)
}

func (f *fixture) reload(t *testing.T, post *models.Post, sp *models.ScheduledPost) (*models.Post, *models.ScheduledPost) {
	t.Helper()
	gotPost, err := f.posts.GetByID(context.Background(), nil, post.ID)
	require.NoError(t, err)
	gotSP, err := f.schedules.GetByID(context.Background(), nil, sp.ID)
	require.NoError(t, err)
	return gotPost, gotSP
}

func TestPublishWorker_Success(t *testing.T) {
	f := newFixture(t)
	post, sp := f.schedule(t, "job-1", 0)

	require.NoError(t, f.run(t, "job-1", post, sp))

	gotPost, gotSP := f.reload(t, post, sp)
	assert.Equal(t, models.PostStatusPublished, gotPost.Status)
	require.NotNil(t, gotPost.PublishedAt)
	assert.Nil(t, gotPost.ScheduledAt)
	assert.True(t, gotPost.Metadata.Published(models.PlatformLinkedIn))
	assert.Nil(t, gotPost.Metadata.Error)

	assert.Equal(t, models.ScheduleStatusCompleted, gotSP.Status)
	assert.Equal(t, 1, gotSP.Attempts)
	assert.True(t, gotSP.Result.Success)
	assert.Contains(t, gotSP.Result.Data, string(models.PlatformLinkedIn))
}

func TestPublishWorker_TransientFailureIsRequeued(t *testing.T) {
	f := newFixture(t)
	f.pub.err = fmt.Errorf("linkedin: %w", publisher.ErrServiceError)
	post, sp := f.schedule(t, "job-1", 0)

	before := time.Now()
	err := f.run(t, "job-1", post, sp)
	assert.ErrorIs(t, err, publisher.ErrServiceError)

	gotPost, gotSP := f.reload(t, post, sp)
	assert.Equal(t, models.ScheduleStatusPending, gotSP.Status)
	assert.Equal(t, 1, gotSP.Attempts)
	assert.NotEqual(t, "job-1", gotSP.JobID)
	assert.False(t, gotSP.Result.Success)
	assert.NotEmpty(t, gotSP.Result.Error)

	assert.Equal(t, models.PostStatusScheduled, gotPost.Status)
	require.NotNil(t, gotPost.Metadata.Error)

	job, err := f.store.Get(context.Background(), gotSP.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NotNil(t, job.NextRunAt)
	assert.WithinDuration(t, before.Add(5*time.Minute), *job.NextRunAt, 5*time.Second)
}

func TestPublishWorker_RetriedJobRunsAgainstNewOwner(t *testing.T) {
	f := newFixture(t)
	f.pub.err = publisher.ErrRateLimited
	post, sp := f.schedule(t, "job-1", 0)
	require.Error(t, f.run(t, "job-1", post, sp))

	_, requeued := f.reload(t, post, sp)

	// the original job firing again is stale
	f.pub.err = nil
	require.NoError(t, f.run(t, "job-1", post, sp))
	assert.Equal(t, 1, f.pub.calls)

	require.NoError(t, f.run(t, requeued.JobID, post, sp))
	gotPost, gotSP := f.reload(t, post, sp)
	assert.Equal(t, models.PostStatusPublished, gotPost.Status)
	assert.Nil(t, gotPost.Metadata.Error)
	assert.Equal(t, models.ScheduleStatusCompleted, gotSP.Status)
	assert.Equal(t, 2, gotSP.Attempts)
}

func TestPublishWorker_LastAttemptFailsTheSchedule(t *testing.T) {
	f := newFixture(t)
	f.pub.err = publisher.ErrServiceError
	post, sp := f.schedule(t, "job-1", 2)

	assert.ErrorIs(t, f.run(t, "job-1", post, sp), publisher.ErrServiceError)

	gotPost, gotSP := f.reload(t, post, sp)
	assert.Equal(t, models.ScheduleStatusFailed, gotSP.Status)
	assert.Equal(t, 3, gotSP.Attempts)
	assert.Equal(t, models.PostStatusFailed, gotPost.Status)
	assert.Nil(t, gotPost.ScheduledAt)
}

func TestPublishWorker_PermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.pub.err = fmt.Errorf("%w: linkedin", publisher.ErrNotConnected)
	post, sp := f.schedule(t, "job-1", 0)

	assert.ErrorIs(t, f.run(t, "job-1", post, sp), publisher.ErrNotConnected)

	gotPost, gotSP := f.reload(t, post, sp)
	assert.Equal(t, models.ScheduleStatusFailed, gotSP.Status)
	assert.Equal(t, 1, gotSP.Attempts)
	assert.Contains(t, gotSP.Result.Error, "not connected")
	assert.Equal(t, models.PostStatusFailed, gotPost.Status)
	require.NotNil(t, gotPost.Metadata.Error)
	assert.Contains(t, gotPost.Metadata.Error.Message, "linkedin")
}

func TestPublishWorker_ExhaustedRecordFailsWithoutPublishing(t *testing.T) {
	f := newFixture(t)
	post, sp := f.schedule(t, "job-1", models.DefaultMaxAttempts)

	assert.ErrorIs(t, f.run(t, "job-1", post, sp), ErrAttemptsExhausted)
	assert.Zero(t, f.pub.calls)

	gotPost, gotSP := f.reload(t, post, sp)
	assert.Equal(t, models.ScheduleStatusFailed, gotSP.Status)
	assert.Equal(t, models.PostStatusFailed, gotPost.Status)
}

func TestPublishWorker_StaleJobIsIgnored(t *testing.T) {
	f := newFixture(t)
	post, sp := f.schedule(t, "job-2", 0)

	require.NoError(t, f.run(t, "job-1", post, sp))
	assert.Zero(t, f.pub.calls)

	gotPost, gotSP := f.reload(t, post, sp)
	assert.Equal(t, models.ScheduleStatusPending, gotSP.Status)
	assert.Zero(t, gotSP.Attempts)
	assert.Equal(t, models.PostStatusScheduled, gotPost.Status)
}

func TestPublishWorker_CancelledScheduleIsNotFound(t *testing.T) {
	f := newFixture(t)
	post, sp := f.schedule(t, "job-1", 0)
	require.NoError(t, f.schedules.Delete(context.Background(), nil, sp.ID))

	err := f.run(t, "job-1", post, sp)
	assert.ErrorIs(t, err, ErrEntityNotFound)
	assert.False(t, DefaultRetryPolicy().Retryable(err))
	assert.Zero(t, f.pub.calls)
}

func TestPublishWorker_CancelDuringPublishDropsOutcome(t *testing.T) {
	f := newFixture(t)
	post, sp := f.schedule(t, "job-1", 0)

	f.pub.before = func() {
		ctx := context.Background()
		_, err := f.schedules.DeleteActive(ctx, nil, sp.ID)
		require.NoError(t, err)
		require.NoError(t, f.posts.SetSchedule(ctx, nil, post.ID, models.PostStatusDraft, nil))
	}

	require.NoError(t, f.run(t, "job-1", post, sp))

	gotPost, gotSP := f.reload(t, post, sp)
	assert.Nil(t, gotSP)
	assert.Equal(t, models.PostStatusDraft, gotPost.Status)
	assert.Nil(t, gotPost.PublishedAt)
}

func TestPublishWorker_MissingPostFailsSchedule(t *testing.T) {
	f := newFixture(t)
	post, sp := f.schedule(t, "job-1", 0)
	require.NoError(t, f.posts.SoftDelete(context.Background(), nil, post.ID))

	assert.ErrorIs(t, f.run(t, "job-1", post, sp), ErrEntityNotFound)
	assert.Zero(t, f.pub.calls)

	_, gotSP := f.reload(t, post, sp)
	assert.Equal(t, models.ScheduleStatusFailed, gotSP.Status)
}

func TestPublishWorker_AlreadyPublishedCompletesSchedule(t *testing.T) {
	f := newFixture(t)
	post, sp := f.schedule(t, "job-1", 0)
	now := time.Now()
	require.NoError(t, f.posts.RecordOutcome(context.Background(), nil, post.ID, models.PostStatusPublished, &now, models.PostMetadata{}))

	require.NoError(t, f.run(t, "job-1", post, sp))
	assert.Zero(t, f.pub.calls)

	gotPost, gotSP := f.reload(t, post, sp)
	assert.Equal(t, models.PostStatusPublished, gotPost.Status)
	assert.Nil(t, gotPost.ScheduledAt)
	assert.Equal(t, models.ScheduleStatusCompleted, gotSP.Status)
	assert.True(t, gotSP.Result.Success)
	assert.Zero(t, gotSP.Attempts)
}

func TestPublishWorker_AlreadyPublishedStaleJobIsNoop(t *testing.T) {
	f := newFixture(t)
	post, sp := f.schedule(t, "job-1", 0)
	now := time.Now()
	require.NoError(t, f.posts.RecordOutcome(context.Background(), nil, post.ID, models.PostStatusPublished, &now, models.PostMetadata{}))

	require.NoError(t, f.run(t, "job-old", post, sp))
	assert.Zero(t, f.pub.calls)

	_, gotSP := f.reload(t, post, sp)
	assert.Equal(t, models.ScheduleStatusPending, gotSP.Status, "the owning job settles the record")
}

func TestPublishWorker_ImmediateKeepsNewerSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// publish-now was queued, then the post was scheduled before the job fired
	post, sp := f.schedule(t, "sched-job", 0)
	p := queue.PublishPostPayload{PostID: post.ID, UserID: f.userID, Immediate: true}
	require.NoError(t, f.worker.Handle(ctx, &models.Job{ID: "now-1"}, p))

	gotPost, gotSP := f.reload(t, post, sp)
	assert.Equal(t, models.PostStatusScheduled, gotPost.Status)
	assert.NotNil(t, gotPost.ScheduledAt)
	assert.Nil(t, gotPost.PublishedAt)
	assert.True(t, gotPost.Metadata.Published(models.PlatformLinkedIn), "remote ids survive")
	assert.Equal(t, models.ScheduleStatusPending, gotSP.Status)

	require.NoError(t, f.run(t, "sched-job", post, sp))
	assert.Equal(t, 1, f.pub.calls, "platforms that already have the post are skipped")

	gotPost, gotSP = f.reload(t, post, sp)
	assert.Equal(t, models.PostStatusPublished, gotPost.Status)
	assert.Nil(t, gotPost.ScheduledAt)
	assert.Equal(t, models.ScheduleStatusCompleted, gotSP.Status)
}

func TestPublishWorker_ScheduledDuringImmediateFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pub.err = errors.New("boom")

	post := &models.Post{UserID: f.userID, Content: "now", Status: models.PostStatusDraft}
	_, err := f.posts.Create(ctx, nil, post)
	require.NoError(t, err)

	at := time.Now().Add(time.Hour)
	f.pub.before = func() {
		require.NoError(t, f.posts.SetSchedule(ctx, nil, post.ID, models.PostStatusScheduled, &at))
	}

	p := queue.PublishPostPayload{PostID: post.ID, UserID: f.userID, Immediate: true}
	require.Error(t, f.worker.Handle(ctx, &models.Job{ID: "now-1"}, p))

	got, err := f.posts.GetByID(ctx, nil, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusScheduled, got.Status)
	assert.NotNil(t, got.ScheduledAt)
	require.NotNil(t, got.Metadata.Error)
	assert.Contains(t, got.Metadata.Error.Message, "boom")
}

func TestPublishWorker_InvalidPayload(t *testing.T) {
	f := newFixture(t)
	err := f.worker.Handle(context.Background(), &models.Job{ID: "x"}, queue.PublishPostPayload{PostID: 1, UserID: f.userID})
	assert.ErrorIs(t, err, queue.ErrInvalidPayload)
}

func TestPublishWorker_Immediate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	post := &models.Post{UserID: f.userID, Content: "now", Status: models.PostStatusDraft}
	_, err := f.posts.Create(ctx, nil, post)
	require.NoError(t, err)

	p := queue.PublishPostPayload{PostID: post.ID, UserID: f.userID, Immediate: true}
	require.NoError(t, f.worker.Handle(ctx, &models.Job{ID: "now-1"}, p))

	got, err := f.posts.GetByID(ctx, nil, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusPublished, got.Status)
	assert.True(t, got.Metadata.Published(models.PlatformLinkedIn), "platforms default to linkedin")
}

func TestPublishWorker_ImmediateFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pub.err = errors.New("boom")

	post := &models.Post{UserID: f.userID, Content: "now", Status: models.PostStatusDraft}
	_, err := f.posts.Create(ctx, nil, post)
	require.NoError(t, err)

	p := queue.PublishPostPayload{PostID: post.ID, UserID: f.userID, Immediate: true}
	require.Error(t, f.worker.Handle(ctx, &models.Job{ID: "now-1"}, p))

	got, err := f.posts.GetByID(ctx, nil, post.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PostStatusFailed, got.Status)
	require.NotNil(t, got.Metadata.Error)
	assert.Contains(t, got.Metadata.Error.Message, "boom")
}

func TestPublishWorker_RunsThroughScheduler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registry := queue.NewRegistry()
	f.worker.Register(registry)

	jobID, err := queue.NewJobID()
	require.NoError(t, err)
	post, sp := f.schedule(t, jobID, 0)
	_, err = queue.EnqueueAt(ctx, f.store, sp.ScheduledAt, queue.PublishPostPayload{
		PostID: post.ID, ScheduledPostID: sp.ID, UserID: f.userID,
	}, queue.WithJobID(jobID))
	require.NoError(t, err)

	s := queue.NewScheduler(f.store, registry, queue.SchedulerConfig{BatchSize: 10, Concurrency: 2}, quiet)
	n, err := s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotPost, gotSP := f.reload(t, post, sp)
	assert.Equal(t, models.PostStatusPublished, gotPost.Status)
	assert.Equal(t, models.ScheduleStatusCompleted, gotSP.Status)
}

func TestPublishWorker_ThreeConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	f.pub.err = publisher.ErrServiceError
	post, sp := f.schedule(t, "job-1", 0)

	jobID := "job-1"
	for i := 0; i < models.DefaultMaxAttempts; i++ {
		require.Error(t, f.run(t, jobID, post, sp))
		_, cur := f.reload(t, post, sp)
		jobID = cur.JobID
	}
	assert.Equal(t, models.DefaultMaxAttempts, f.pub.calls)

	gotPost, gotSP := f.reload(t, post, sp)
	assert.Equal(t, models.ScheduleStatusFailed, gotSP.Status)
	assert.Equal(t, models.DefaultMaxAttempts, gotSP.Attempts)
	assert.Equal(t, models.PostStatusFailed, gotPost.Status)

	// a late firing of the last job changes nothing
	require.NoError(t, f.run(t, jobID, post, sp))
	assert.Equal(t, models.DefaultMaxAttempts, f.pub.calls)
}
