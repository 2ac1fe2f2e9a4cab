package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Resource is the live external resource a handle wraps, typically one
// dedicated database connection.
type Resource interface {
	// Ping checks that the resource is still usable.
	Ping(ctx context.Context) error

	// Probe runs a keep-alive statement against the resource.
	Probe(ctx context.Context, statement string) error

	// Close releases the resource.
	Close() error
}

// Factory creates a new resource for the given connection target.
type Factory func(ctx context.Context, url string, props map[string]string) (Resource, error)

// HandleState is the lifecycle state of a Handle
type HandleState int32

const (
	StateCreated HandleState = iota
	StatePooled
	StateCheckedOut
	StateDestroyed
)

func (s HandleState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePooled:
		return "pooled"
	case StateCheckedOut:
		return "checked_out"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Handle wraps one live resource together with a back-reference to the pool
// it is returned to on Close.
type Handle struct {
	id        string
	resource  Resource
	pool      *Pool
	createdAt time.Time
	state     atomic.Int32
	accounted atomic.Bool // removal already reported to the sizer

	destroyOnce sync.Once
	destroyErr  error
}

// NewHandle wraps a freshly created resource. The handle starts in
// StateCreated and is not yet part of the pool.
func NewHandle(p *Pool, resource Resource) *Handle {
	return &Handle{
		id:        uuid.New().String(),
		resource:  resource,
		pool:      p,
		createdAt: time.Now(),
	}
}

// ID returns the handle identity.
func (h *Handle) ID() string {
	return h.id
}

// Resource returns the wrapped resource.
func (h *Handle) Resource() Resource {
	return h.resource
}

// State returns the current lifecycle state.
func (h *Handle) State() HandleState {
	return HandleState(h.state.Load())
}

// CreatedAt returns the creation time of the wrapped resource.
func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

func (h *Handle) setState(s HandleState) {
	h.state.Store(int32(s))
}

// markPooled moves a created or checked-out handle to StatePooled. It fails
// for a handle that is already pooled or destroyed.
func (h *Handle) markPooled() bool {
	for {
		s := h.State()
		if s != StateCreated && s != StateCheckedOut {
			return false
		}
		if h.state.CompareAndSwap(int32(s), int32(StatePooled)) {
			return true
		}
	}
}

// Validate pings the resource, bounded by timeout.
func (h *Handle) Validate(ctx context.Context, timeout time.Duration) bool {
	if h.State() == StateDestroyed {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h.resource.Ping(ctx) == nil
}

// Probe runs the keep-alive statement, bounded by timeout. An empty statement
// falls back to a ping.
func (h *Handle) Probe(ctx context.Context, statement string, timeout time.Duration) error {
	if h.State() == StateDestroyed {
		return errors.New("pool: probe on destroyed handle")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if statement == "" {
		return h.resource.Ping(ctx)
	}
	return h.resource.Probe(ctx, statement)
}

// Close returns a checked-out handle to its pool. If the pool rejects it the
// resource is destroyed instead. Closing a handle that is not checked out is a
// no-op.
func (h *Handle) Close() error {
	if !h.state.CompareAndSwap(int32(StateCheckedOut), int32(StateCreated)) {
		return nil
	}
	if h.pool != nil && h.pool.Release(h) {
		return nil
	}

	log.Debug().Str("handle_id", h.id).Msg("Pool rejected returned handle, destroying it")
	if h.pool != nil {
		h.pool.Discard(h)
		return nil
	}
	if err := h.Destroy(); err != nil {
		log.Warn().Err(err).Str("handle_id", h.id).Msg("Failed to destroy handle")
	}
	return nil
}

// Destroy closes the underlying resource. It is idempotent; the error of the
// first attempt is returned on every call.
func (h *Handle) Destroy() error {
	h.destroyOnce.Do(func() {
		h.setState(StateDestroyed)
		if err := h.resource.Close(); err != nil {
			h.destroyErr = &DestroyError{HandleID: h.id, Err: err}
		}
	})
	return h.destroyErr
}
