package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/maheshrc27/postflow/internal/models"
)

// SQLStore keeps jobs in the application database. Times are unix milliseconds.
//
// A job is claimable when it is enabled, due, and either unlocked or locked for
// longer than the lock lifetime. Claiming is a single compare-and-set update
// that installs a fresh lock token; only the holder of the token can finish
// the run.
type SQLStore struct {
	db           *sqlx.DB
	log          *slog.Logger
	lockLifetime time.Duration
	now          func() time.Time
}

func NewSQLStore(db *sqlx.DB, lockLifetime time.Duration, log *slog.Logger) *SQLStore {
	if log == nil {
		log = slog.Default()
	}
	if lockLifetime <= 0 {
		lockLifetime = 10 * time.Minute
	}
	return &SQLStore{db: db, log: log, lockLifetime: lockLifetime, now: time.Now}
}

type jobRow struct {
	ID             string         `db:"id"`
	Kind           string         `db:"kind"`
	Payload        []byte         `db:"payload"`
	NextRunAt      sql.NullInt64  `db:"next_run_at"`
	RepeatSpec     string         `db:"repeat_spec"`
	Disabled       bool           `db:"disabled"`
	LockedAt       sql.NullInt64  `db:"locked_at"`
	LockToken      string         `db:"lock_token"`
	LastRunAt      sql.NullInt64  `db:"last_run_at"`
	LastFinishedAt sql.NullInt64  `db:"last_finished_at"`
	FailCount      int            `db:"fail_count"`
	FailReason     sql.NullString `db:"fail_reason"`
	CreatedAt      int64          `db:"created_at"`
}

const jobColumns = `id, kind, payload, next_run_at, repeat_spec, disabled, locked_at, lock_token, last_run_at, last_finished_at, fail_count, fail_reason, created_at`

func (r jobRow) job() *models.Job {
	return &models.Job{
		ID:             r.ID,
		Kind:           r.Kind,
		Payload:        r.Payload,
		NextRunAt:      msPtr(r.NextRunAt),
		RepeatSpec:     r.RepeatSpec,
		Disabled:       r.Disabled,
		LockedAt:       msPtr(r.LockedAt),
		LockToken:      r.LockToken,
		LastRunAt:      msPtr(r.LastRunAt),
		LastFinishedAt: msPtr(r.LastFinishedAt),
		FailCount:      r.FailCount,
		FailReason:     r.FailReason.String,
		CreatedAt:      time.UnixMilli(r.CreatedAt),
	}
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func (s *SQLStore) Schedule(ctx context.Context, at time.Time, kind Kind, payload []byte, opts ...ScheduleOption) (string, error) {
	o, err := applyOptions(opts)
	if err != nil {
		return "", err
	}

	query := s.db.Rebind(`
		INSERT INTO jobs (id, kind, payload, next_run_at, repeat_spec, disabled, lock_token, fail_count, fail_reason, created_at)
		VALUES (?, ?, ?, ?, '', ?, '', 0, '', ?)
	`)
	_, err = s.db.ExecContext(ctx, query, o.jobID, string(kind), payload, at.UnixMilli(), false, s.now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("schedule %s job: %w", kind, err)
	}

	s.log.Debug("job scheduled", "job_id", o.jobID, "kind", kind, "at", at)
	return o.jobID, nil
}

func (s *SQLStore) Now(ctx context.Context, kind Kind, payload []byte, opts ...ScheduleOption) (string, error) {
	return s.Schedule(ctx, s.now(), kind, payload, opts...)
}

// Every registers a recurring job. There is at most one recurring job per kind;
// registering again returns the existing id and adopts the new spec.
func (s *SQLStore) Every(ctx context.Context, spec string, kind Kind, payload []byte) (string, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return "", fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	next := sched.Next(s.now()).UnixMilli()

	if id, err := s.adoptRecurring(ctx, kind, spec, payload, next); err != nil || id != "" {
		return id, err
	}

	id, err := NewJobID()
	if err != nil {
		return "", err
	}
	query := s.db.Rebind(`
		INSERT INTO jobs (id, kind, payload, next_run_at, repeat_spec, disabled, lock_token, fail_count, fail_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, '', 0, '', ?)
	`)
	_, err = s.db.ExecContext(ctx, query, id, string(kind), payload, next, spec, false, s.now().UnixMilli())
	if err != nil {
		// another process registered the same kind first
		if existing, lookupErr := s.adoptRecurring(ctx, kind, spec, payload, next); lookupErr == nil && existing != "" {
			return existing, nil
		}
		return "", fmt.Errorf("register recurring %s job: %w", kind, err)
	}

	s.log.Info("recurring job registered", "job_id", id, "kind", kind, "spec", spec)
	return id, nil
}

func (s *SQLStore) adoptRecurring(ctx context.Context, kind Kind, spec string, payload []byte, next int64) (string, error) {
	var row jobRow
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE kind = ? AND repeat_spec <> ''`)
	if err := s.db.GetContext(ctx, &row, query, string(kind)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("load recurring %s job: %w", kind, err)
	}
	if row.RepeatSpec == spec && !row.Disabled {
		return row.ID, nil
	}

	update := s.db.Rebind(`UPDATE jobs SET repeat_spec = ?, payload = ?, next_run_at = ?, disabled = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, update, spec, payload, next, false, row.ID); err != nil {
		return "", fmt.Errorf("update recurring %s job: %w", kind, err)
	}
	s.log.Info("recurring job updated", "job_id", row.ID, "kind", kind, "spec", spec)
	return row.ID, nil
}

func (s *SQLStore) Cancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return nil
	}

	query := s.db.Rebind(`UPDATE jobs SET disabled = ? WHERE id = ? AND disabled = ?`)
	res, err := s.db.ExecContext(ctx, query, true, jobID, false)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		s.log.Info("job cancelled", "job_id", jobID)
		return nil
	}

	job, err := s.Get(ctx, jobID)
	switch {
	case err != nil:
		s.log.Warn("cancel: could not inspect job", "job_id", jobID, "err", err)
	case job == nil:
		s.log.Info("cancel: job not found", "job_id", jobID)
	default:
		s.log.Info("cancel: job already disabled", "job_id", jobID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	var row jobRow
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.job(), nil
}

// runBudget is how long a claimed job may run. It ends a tenth of the lock
// lifetime early, leaving room to record the outcome before the lock expires.
func (s *SQLStore) runBudget() time.Duration {
	return s.lockLifetime - s.lockLifetime/10
}

// Due lists up to limit claimable jobs, oldest first. Listing does not claim.
func (s *SQLStore) Due(ctx context.Context, limit int) ([]*models.Job, error) {
	now := s.now()
	query := s.db.Rebind(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE disabled = ?
			AND next_run_at IS NOT NULL
			AND next_run_at <= ?
			AND (locked_at IS NULL OR locked_at < ?)
		ORDER BY next_run_at ASC
		LIMIT ?
	`)
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, query, false, now.UnixMilli(), now.Add(-s.lockLifetime).UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}

	jobs := make([]*models.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.job())
	}
	return jobs, nil
}

// Claim locks the job for the caller. It returns false when another poller
// claimed it first or it stopped being claimable.
func (s *SQLStore) Claim(ctx context.Context, job *models.Job) (bool, error) {
	now := s.now()
	token := uuid.NewString()

	query := s.db.Rebind(`
		UPDATE jobs
		SET locked_at = ?, lock_token = ?, last_run_at = ?
		WHERE id = ?
			AND disabled = ?
			AND next_run_at IS NOT NULL
			AND next_run_at <= ?
			AND (locked_at IS NULL OR locked_at < ?)
	`)
	res, err := s.db.ExecContext(ctx, query,
		now.UnixMilli(), token, now.UnixMilli(),
		job.ID, false, now.UnixMilli(), now.Add(-s.lockLifetime).UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if n != 1 {
		return false, nil
	}

	job.LockedAt = &now
	job.LockToken = token
	job.LastRunAt = &now
	return true, nil
}

// Finish releases the lock and records the outcome. One-shot jobs are consumed;
// recurring jobs move to their next instant. A run whose lock was taken over
// by another poller leaves the row untouched.
func (s *SQLStore) Finish(ctx context.Context, job *models.Job, runErr error) error {
	now := s.now()

	var next sql.NullInt64
	if job.Recurring() {
		sched, err := cron.ParseStandard(job.RepeatSpec)
		if err != nil {
			s.log.Error("recurring job has an invalid schedule; it will not run again", "job_id", job.ID, "spec", job.RepeatSpec, "err", err)
		} else {
			next = sql.NullInt64{Int64: sched.Next(now).UnixMilli(), Valid: true}
		}
	}

	failInc, reason := 0, ""
	if runErr != nil {
		failInc, reason = 1, runErr.Error()
	}

	query := s.db.Rebind(`
		UPDATE jobs
		SET locked_at = NULL,
			lock_token = '',
			last_finished_at = ?,
			next_run_at = ?,
			fail_count = fail_count + ?,
			fail_reason = ?
		WHERE id = ? AND lock_token = ?
	`)
	res, err := s.db.ExecContext(ctx, query, now.UnixMilli(), next, failInc, reason, job.ID, job.LockToken)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.log.Warn("job lock lost before completion", "job_id", job.ID, "kind", job.Kind)
	}
	return nil
}

// Purge deletes consumed or cancelled one-shot jobs created before the cutoff.
func (s *SQLStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	query := s.db.Rebind(`
		DELETE FROM jobs
		WHERE repeat_spec = ''
			AND (next_run_at IS NULL OR disabled = ?)
			AND locked_at IS NULL
			AND created_at < ?
	`)
	res, err := s.db.ExecContext(ctx, query, true, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return res.RowsAffected()
}
