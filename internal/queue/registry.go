package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

type HandlerFunc func(ctx context.Context, job *models.Job) error

// Registry maps job kinds to handlers. It is shared by every store backend.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]HandlerFunc)}
}

// Register binds a typed handler to the kind of P. P must be a struct type.
// Registering a kind twice replaces the earlier handler.
func Register[P Payload](r *Registry, h func(ctx context.Context, job *models.Job, p P) error) {
	var zero P
	kind := zero.Kind()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = func(ctx context.Context, job *models.Job) error {
		var p P
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
			}
		}
		return h(ctx, job, p)
	}
}

func (r *Registry) Dispatch(ctx context.Context, job *models.Job) error {
	r.mu.RLock()
	h, ok := r.handlers[Kind(job.Kind)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, job.Kind)
	}
	return h(ctx, job)
}

func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Enqueue schedules p to run as soon as a poller picks it up.
func Enqueue[P Payload](ctx context.Context, store JobStore, p P, opts ...ScheduleOption) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return store.Now(ctx, p.Kind(), b, opts...)
}

func EnqueueAt[P Payload](ctx context.Context, store JobStore, at time.Time, p P, opts ...ScheduleOption) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return store.Schedule(ctx, at, p.Kind(), b, opts...)
}

func Every[P Payload](ctx context.Context, store JobStore, spec string, p P) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return store.Every(ctx, spec, p.Kind(), b)
}
