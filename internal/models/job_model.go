package models

import "time"

// Job is a durable unit of work owned by the job store.
type Job struct {
	ID             string
	Kind           string
	Payload        []byte
	NextRunAt      *time.Time
	RepeatSpec     string
	Disabled       bool
	LockedAt       *time.Time
	LockToken      string
	LastRunAt      *time.Time
	LastFinishedAt *time.Time
	FailCount      int
	FailReason     string
	CreatedAt      time.Time
}

// Recurring reports whether the job is re-enqueued after each run.
func (j *Job) Recurring() bool { return j.RepeatSpec != "" }
