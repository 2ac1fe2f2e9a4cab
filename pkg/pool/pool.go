package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// destroyConcurrency bounds the number of resources closed in parallel on
// shutdown.
const destroyConcurrency = 8

// Pool is the bounded FIFO store of idle handles. Every operation is atomic
// on its own; sequences such as "read Size, then grow" are not, and callers
// must tolerate the pool changing in between.
type Pool struct {
	mu       sync.Mutex
	idle     []*Handle // oldest admitted first
	waiters  []chan *Handle
	capacity int
	closed   bool

	acquires  atomic.Int64
	timeouts  atomic.Int64
	cancels   atomic.Int64
	releases  atomic.Int64
	rejects   atomic.Int64
	discards  atomic.Int64
	discarded atomic.Int64 // not yet reported to the sizer
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Idle            int   `json:"idle"`
	Capacity        int   `json:"capacity"`
	Waiting         int   `json:"waiting"`
	Closed          bool  `json:"closed"`
	Acquires        int64 `json:"acquires"`
	AcquireTimeouts int64 `json:"acquire_timeouts"`
	AcquireCancels  int64 `json:"acquire_cancels"`
	Releases        int64 `json:"releases"`
	Rejections      int64 `json:"rejections"`
	Discards        int64 `json:"discards"`
}

// New creates an empty pool holding at most capacity idle handles.
func New(capacity int) *Pool {
	if capacity < 0 {
		capacity = 0
	}
	initial := capacity
	if initial > 64 {
		initial = 64
	}
	return &Pool{
		idle:     make([]*Handle, 0, initial),
		capacity: capacity,
	}
}

// Acquire takes the oldest idle handle, blocking up to timeout for one to be
// released. It returns ErrUnavailable when the wait elapses, a
// *CancellationError when ctx is done first and ErrPoolClosed after Shutdown.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	p.acquires.Add(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if h := p.popLocked(); h != nil {
		h.setState(StateCheckedOut)
		p.mu.Unlock()
		return h, nil
	}
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		p.cancels.Add(1)
		return nil, &CancellationError{Err: err}
	}
	if timeout <= 0 {
		p.mu.Unlock()
		p.timeouts.Add(1)
		return nil, ErrUnavailable
	}

	wait := make(chan *Handle, 1)
	p.waiters = append(p.waiters, wait)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h, ok := <-wait:
		if !ok {
			return nil, ErrPoolClosed
		}
		h.setState(StateCheckedOut)
		return h, nil

	case <-timer.C:
		if h := p.abandon(wait); h != nil {
			h.setState(StateCheckedOut)
			return h, nil
		}
		p.timeouts.Add(1)
		log.Debug().Dur("timeout", timeout).Msg("Acquire timed out waiting for an idle handle")
		return nil, ErrUnavailable

	case <-ctx.Done():
		if h := p.abandon(wait); h != nil {
			// Handed over while we were being cancelled; give it back.
			h.setState(StateCreated)
			if !p.Release(h) {
				p.Discard(h)
			}
		}
		p.cancels.Add(1)
		return nil, &CancellationError{Err: ctx.Err()}
	}
}

// abandon removes a waiter that gave up. If a handle was already handed to it
// that handle is returned.
func (p *Pool) abandon(wait chan *Handle) *Handle {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == wait {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()

	// Not queued anymore: either a handle is buffered or the channel was
	// closed by Shutdown.
	h, ok := <-wait
	if !ok {
		return nil
	}
	return h
}

func (p *Pool) popLocked() *Handle {
	if len(p.idle) == 0 {
		return nil
	}
	h := p.idle[0]
	p.idle[0] = nil
	p.idle = p.idle[1:]
	return h
}

// Release admits h into the idle store without blocking. It returns false
// when the store is at capacity or the pool is shut down; the caller then
// decides whether to retry or Discard the handle. Handles that belong to
// another pool, are already pooled or are destroyed are never admitted.
func (p *Pool) Release(h *Handle) bool {
	if h == nil || h.pool != p {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if s := h.State(); s == StatePooled || s == StateDestroyed {
		log.Debug().Str("handle_id", h.id).Str("state", s.String()).Msg("Refusing to admit handle")
		return false
	}

	if p.closed {
		p.rejects.Add(1)
		return false
	}

	handoff := len(p.waiters) > 0
	if !handoff && len(p.idle) >= p.capacity {
		p.rejects.Add(1)
		return false
	}

	// Lost a race with Destroy.
	if !h.markPooled() {
		return false
	}

	if handoff {
		wait := p.waiters[0]
		p.waiters[0] = nil
		p.waiters = p.waiters[1:]
		wait <- h
	} else {
		p.idle = append(p.idle, h)
	}
	p.releases.Add(1)
	return true
}

// Discard destroys a handle that could not be returned and records it so the
// sizer can account for the lost resource. A handle the client already
// destroyed is still counted. Each handle is counted at most once; pooled
// handles and handles of another pool are left alone.
func (p *Pool) Discard(h *Handle) bool {
	if h == nil || h.pool != p || h.State() == StatePooled {
		return false
	}
	if !h.accounted.CompareAndSwap(false, true) {
		return false
	}
	if err := h.Destroy(); err != nil {
		log.Warn().Err(err).Str("handle_id", h.ID()).Msg("Failed to destroy discarded handle")
	}
	p.discards.Add(1)
	p.discarded.Add(1)
	return true
}

// TakeDiscarded returns the number of handles discarded since the previous
// call and resets it.
func (p *Pool) TakeDiscarded() int {
	return int(p.discarded.Swap(0))
}

// Size returns the current number of idle handles.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Capacity returns the maximum number of idle handles.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Drain removes up to max idle handles, oldest first, and returns them for
// destruction.
func (p *Pool) Drain(max int) []*Handle {
	if max <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.idle)
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}

	drained := make([]*Handle, n)
	copy(drained, p.idle[:n])
	for i := 0; i < n; i++ {
		p.idle[i] = nil
	}
	p.idle = p.idle[n:]
	for _, h := range drained {
		h.accounted.Store(true)
		h.setState(StateCreated)
	}
	return drained
}

// Shutdown stops admitting handles, wakes blocked acquirers with
// ErrPoolClosed and destroys every idle handle. Destroy failures are logged
// and ignored. Calling it again is a no-op.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	drained := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, wait := range waiters {
		close(wait)
	}

	destroyed := DestroyAll(ctx, drained)

	log.Info().
		Int("destroyed", destroyed).
		Int("idle", len(drained)).
		Msg("Pool shut down")
	return nil
}

// DestroyAll closes the given handles concurrently and returns how many closed
// cleanly. Failures are logged, never returned.
func DestroyAll(ctx context.Context, handles []*Handle) int {
	if len(handles) == 0 {
		return 0
	}

	var ok atomic.Int64
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(destroyConcurrency)
	for _, h := range handles {
		if h == nil {
			continue
		}
		h := h
		g.Go(func() error {
			if err := h.Destroy(); err != nil {
				var destroyErr *DestroyError
				if errors.As(err, &destroyErr) {
					log.Warn().Err(destroyErr.Err).Str("handle_id", destroyErr.HandleID).Msg("Failed to destroy handle")
				}
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load())
}

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle, waiting, closed := len(p.idle), len(p.waiters), p.closed
	p.mu.Unlock()

	return Stats{
		Idle:            idle,
		Capacity:        p.capacity,
		Waiting:         waiting,
		Closed:          closed,
		Acquires:        p.acquires.Load(),
		AcquireTimeouts: p.timeouts.Load(),
		AcquireCancels:  p.cancels.Load(),
		Releases:        p.releases.Load(),
		Rejections:      p.rejects.Load(),
		Discards:        p.discards.Load(),
	}
}
