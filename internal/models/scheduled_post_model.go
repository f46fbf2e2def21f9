package models

import (
	"database/sql/driver"
	"time"
)

type ScheduleStatus string

const (
	ScheduleStatusPending    ScheduleStatus = "pending"
	ScheduleStatusProcessing ScheduleStatus = "processing"
	ScheduleStatusCompleted  ScheduleStatus = "completed"
	ScheduleStatusFailed     ScheduleStatus = "failed"
)

const DefaultMaxAttempts = 3

// Live reports whether the schedule still owns a job that may fire.
func (s ScheduleStatus) Live() bool {
	return s == ScheduleStatusPending || s == ScheduleStatusProcessing
}

type ScheduledPost struct {
	ID            int64          `db:"id" json:"id"`
	PostID        int64          `db:"post_id" json:"post_id"`
	UserID        int64          `db:"user_id" json:"user_id"`
	ScheduledAt   time.Time      `db:"scheduled_at" json:"scheduled_at"`
	JobID         string         `db:"job_id" json:"job_id"`
	Status        ScheduleStatus `db:"status" json:"status"`
	Attempts      int            `db:"attempts" json:"attempts"`
	MaxAttempts   int            `db:"max_attempts" json:"max_attempts"`
	LastAttemptAt *time.Time     `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	Result        ScheduleResult `db:"result" json:"result"`
	Platforms     PlatformList   `db:"platforms" json:"platforms"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

type ScheduleResult struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func (r ScheduleResult) Value() (driver.Value, error) { return jsonValue(r) }
func (r *ScheduleResult) Scan(src any) error        { return jsonScan(src, r) }

// ScheduledPostWithPost is the listing shape for active schedules.
type ScheduledPostWithPost struct {
	ScheduledPost
	Post *Post `json:"post"`
}
