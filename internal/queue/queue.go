package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Kind names a class of job. Handlers are registered per kind.
type Kind string

const (
	KindPublishPost    Kind = "publish post"
	KindCleanupOldJobs Kind = "cleanup old jobs"
)

var (
	ErrUnknownKind    = errors.New("no handler registered for job kind")
	ErrInvalidPayload = errors.New("invalid job payload")
)

// Payload is implemented by every job payload type; the kind travels with the type.
type Payload interface {
	Kind() Kind
}

type PublishPostPayload struct {
	PostID          int64 `json:"post_id"`
	ScheduledPostID int64 `json:"scheduled_post_id,omitempty"`
	UserID          int64 `json:"user_id"`
	Immediate       bool  `json:"immediate,omitempty"`
}

func (PublishPostPayload) Kind() Kind { return KindPublishPost }

type CleanupPayload struct{}

func (CleanupPayload) Kind() Kind { return KindCleanupOldJobs }

// JobStore is a durable store of deferred and recurring jobs.
//
// Cancel is idempotent: cancelling an unknown, consumed, disabled or running
// job returns nil. A job that is already executing is not interrupted.
type JobStore interface {
	Schedule(ctx context.Context, at time.Time, kind Kind, payload []byte, opts ...ScheduleOption) (string, error)
	Now(ctx context.Context, kind Kind, payload []byte, opts ...ScheduleOption) (string, error)
	Every(ctx context.Context, spec string, kind Kind, payload []byte) (string, error)
	Cancel(ctx context.Context, jobID string) error
}

// Pruner is implemented by stores that keep consumed job rows around.
type Pruner interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

type ScheduleOption func(*scheduleOptions)

type scheduleOptions struct {
	jobID string
}

// WithJobID makes the store use a caller-allocated id, so the id can be
// persisted before the job becomes visible to any poller.
func WithJobID(id string) ScheduleOption {
	return func(o *scheduleOptions) { o.jobID = id }
}

func applyOptions(opts []ScheduleOption) (scheduleOptions, error) {
	var o scheduleOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.jobID == "" {
		id, err := NewJobID()
		if err != nil {
			return o, err
		}
		o.jobID = id
	}
	return o, nil
}

func NewJobID() (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return id, nil
}
