package job

import (
	"errors"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/publisher"
	"github.com/maheshrc27/postflow/internal/queue"
)

// ErrEntityNotFound marks a job whose post, user or schedule no longer exists.
var ErrEntityNotFound = errors.New("entity not found")

var ErrAttemptsExhausted = errors.New("publish attempts exhausted")

// RetryPolicy decides whether a failed scheduled publish runs again and when.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: models.DefaultMaxAttempts,
		BaseDelay:   5 * time.Minute,
		MaxDelay:    time.Hour,
	}
}

type Decision struct {
	Retry bool
	Delay time.Duration
}

// Retryable reports whether err may succeed on a later attempt. Errors that
// are not classified are treated as transient.
func (p RetryPolicy) Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case publisher.Permanent(err),
		errors.Is(err, ErrEntityNotFound),
		errors.Is(err, ErrAttemptsExhausted),
		errors.Is(err, queue.ErrInvalidPayload):
		return false
	}
	return true
}

// Decide is called after attempts attempts have been made.
func (p RetryPolicy) Decide(attempts, maxAttempts int, err error) Decision {
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	if attempts >= maxAttempts || !p.Retryable(err) {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Delay(attempts)}
}

// Delay is BaseDelay doubled per previous attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
