// Package sizer runs the background worker that keeps the number of idle
// pooled resources between soft watermarks.
//
// The sizer is the only writer of the managed count. Clients acquire and
// release concurrently with it; the read-then-act sequences below are not
// atomic and the bounds they enforce are soft.
package sizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dbpoold/dbpoold/pkg/config"
	"github.com/dbpoold/dbpoold/pkg/pool"
	"github.com/dbpoold/dbpoold/pkg/resilience"
)

const tracerName = "github.com/dbpoold/dbpoold/pkg/sizer"

// ErrTerminated is returned when signalling a sizer that has been terminated.
var ErrTerminated = errors.New("sizer: terminated")

var errPaused = errors.New("sizer: paused")

// State is the sizer state
type State int32

const (
	StateRunning State = iota
	StatePaused
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of sizer activity.
type Stats struct {
	State             string    `json:"state"`
	ManagedCount      int       `json:"managed_count"`
	MinSize           int       `json:"min_size"`
	MaxSize           int       `json:"max_size"`
	Ticks             int64     `json:"ticks"`
	Checks            int64     `json:"checks"`
	Grown             int64     `json:"grown"`
	Shrunk            int64     `json:"shrunk"`
	CreationFailures  int64     `json:"creation_failures"`
	AdmissionFailures int64     `json:"admission_failures"`
	LastRun           time.Time `json:"last_run,omitempty"`
}

// Sizer grows and shrinks a pool on a fixed interval or on request.
type Sizer struct {
	cfg     *config.Config
	policy  config.SizerPolicy
	pool    *pool.Pool
	factory pool.Factory
	tracer  trace.Tracer

	// managed is written only by the run loop (or by grow/shrink, which the
	// run loop calls). Anyone may read it.
	managed atomic.Int64

	terminate     chan struct{}
	terminateOnce sync.Once
	paused        atomic.Bool
	checkNow      atomic.Bool
	wake          chan struct{}

	startOnce sync.Once
	done      chan struct{}

	ticks        atomic.Int64
	checks       atomic.Int64
	grown        atomic.Int64
	shrunk       atomic.Int64
	createFails  atomic.Int64
	admitFails   atomic.Int64
	lastRunNanos atomic.Int64
}

// New creates a sizer for p. It does nothing until Start is called.
func New(cfg *config.Config, p *pool.Pool, factory pool.Factory) *Sizer {
	return &Sizer{
		cfg:       cfg,
		policy:    cfg.Sizer,
		pool:      p,
		factory:   factory,
		tracer:    otel.Tracer(tracerName),
		terminate: make(chan struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the run loop. Cancelling ctx has the same effect as
// RequestTerminate. Calling Start more than once is a no-op.
func (s *Sizer) Start(ctx context.Context) error {
	if s.terminated() {
		return ErrTerminated
	}
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
	return nil
}

// RequestTerminate stops the sizer permanently. The current step finishes
// or aborts before the loop exits.
func (s *Sizer) RequestTerminate() {
	s.terminateOnce.Do(func() {
		close(s.terminate)
	})
	// Never started: nothing will close done.
	s.startOnce.Do(func() {
		close(s.done)
	})
}

// RequestPause makes the sizer abort its current step at the next
// checkpoint and idle until resumed.
func (s *Sizer) RequestPause() error {
	if s.terminated() {
		return ErrTerminated
	}
	s.paused.Store(true)
	s.notify()
	return nil
}

// RequestResume clears a pause. The sizer resumes at its next tick, or at
// once if a check is pending.
func (s *Sizer) RequestResume() error {
	if s.terminated() {
		return ErrTerminated
	}
	s.paused.Store(false)
	s.notify()
	return nil
}

// RequestCheck wakes the sizer for an immediate evaluation. The periodic
// schedule is not reset. A check requested while paused runs on resume.
func (s *Sizer) RequestCheck() error {
	if s.terminated() {
		return ErrTerminated
	}
	s.checkNow.Store(true)
	s.notify()
	return nil
}

func (s *Sizer) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Sizer) terminated() bool {
	select {
	case <-s.terminate:
		return true
	default:
		return false
	}
}

// Done is closed once the run loop has exited.
func (s *Sizer) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the run loop has exited or ctx is done.
func (s *Sizer) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (s *Sizer) State() State {
	switch {
	case s.terminated():
		return StateTerminated
	case s.paused.Load():
		return StatePaused
	default:
		return StateRunning
	}
}

// ManagedCount returns the number of resources the sizer believes exist,
// idle and checked out.
func (s *Sizer) ManagedCount() int {
	return int(s.managed.Load())
}

// Stats returns current sizer statistics.
func (s *Sizer) Stats() Stats {
	stats := Stats{
		State:             s.State().String(),
		ManagedCount:      s.ManagedCount(),
		MinSize:           s.cfg.MinConnections,
		MaxSize:           s.cfg.MaxConnections,
		Ticks:             s.ticks.Load(),
		Checks:            s.checks.Load(),
		Grown:             s.grown.Load(),
		Shrunk:            s.shrunk.Load(),
		CreationFailures:  s.createFails.Load(),
		AdmissionFailures: s.admitFails.Load(),
	}
	if nanos := s.lastRunNanos.Load(); nanos > 0 {
		stats.LastRun = time.Unix(0, nanos)
	}
	return stats
}

func (s *Sizer) run(parent context.Context) {
	defer close(s.done)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-s.terminate:
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info().
		Int("min_size", s.cfg.MinConnections).
		Int("max_size", s.cfg.MaxConnections).
		Dur("interval", s.policy.Interval).
		Msg("Pool sizer started")

	next := time.Now()
	for {
		if s.terminated() || ctx.Err() != nil {
			break
		}

		s.foldDiscarded()

		// A pending check survives a pause and runs once resumed. Resume on
		// its own only wakes the loop.
		paused := s.paused.Load()
		switch {
		case !time.Now().Before(next):
			next = time.Now().Add(s.policy.Interval)
			if !paused {
				s.ticks.Add(1)
				s.checkNow.Store(false)
				s.tick(ctx)
			}
		case !paused && s.checkNow.Swap(false):
			s.checks.Add(1)
			s.tick(ctx)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.terminate:
		case <-ctx.Done():
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}

	log.Info().
		Int("managed", s.ManagedCount()).
		Int64("ticks", s.ticks.Load()).
		Msg("Pool sizer terminated")
}

// foldDiscarded accounts for handles destroyed by clients.
func (s *Sizer) foldDiscarded() {
	n := s.pool.TakeDiscarded()
	if n == 0 {
		return
	}
	if s.managed.Add(-int64(n)) < 0 {
		s.managed.Store(0)
	}
	log.Debug().Int("discarded", n).Int("managed", s.ManagedCount()).Msg("Accounted for discarded handles")
}

// tick runs one grow then one shrink step. A panic inside a step is logged
// and does not stop the loop.
func (s *Sizer) tick(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "sizer.tick")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "panic")
			log.Error().Interface("panic", r).Msg("Pool sizer step failed")
		}
	}()

	s.lastRunNanos.Store(time.Now().UnixNano())
	s.grow(ctx)
	s.shrink(ctx)

	span.SetAttributes(
		attribute.Int("pool.idle", s.pool.Size()),
		attribute.Int("pool.managed", s.ManagedCount()),
	)
}

// grow creates resources when the idle count is at or below the low
// watermark. It returns the number of resources admitted.
func (s *Sizer) grow(ctx context.Context) int {
	managed := s.ManagedCount()
	idle := s.pool.Size()
	low := round(s.policy.LowWatermark * float64(managed))
	if idle > low {
		return 0
	}

	var growBy int
	if idle < s.cfg.MinConnections {
		growBy = s.cfg.MinConnections - idle
	} else {
		growBy = s.step(s.policy.GrowFactor, managed)
	}
	if managed+growBy > s.cfg.MaxConnections {
		growBy = s.cfg.MaxConnections - managed
	}
	if growBy <= 0 {
		return 0
	}

	ctx, span := s.tracer.Start(ctx, "sizer.grow", trace.WithAttributes(
		attribute.Int("pool.idle", idle),
		attribute.Int("pool.managed", managed),
		attribute.Int("sizer.grow_by", growBy),
	))
	defer span.End()

	added := 0
	for i := 0; i < growBy; i++ {
		if s.paused.Load() {
			log.Debug().Int("added", added).Int("planned", growBy).Msg("Grow aborted by pause")
			break
		}
		if ctx.Err() != nil {
			break
		}

		h, err := s.create(ctx)
		if err != nil {
			s.createFails.Add(1)
			span.RecordError(err)
			log.Warn().Err(err).Int("unit", i+1).Msg("Failed to create resource, skipping")
			continue
		}

		if err := s.admit(ctx, h); err != nil {
			s.admitFails.Add(1)
			log.Warn().Err(err).Str("handle_id", h.ID()).Msg("Failed to admit resource, destroying it")
			if err := h.Destroy(); err != nil {
				log.Debug().Err(err).Msg("Destroy of unadmitted resource failed")
			}
			continue
		}

		s.managed.Add(1)
		added++
	}

	s.grown.Add(int64(added))
	span.SetAttributes(attribute.Int("sizer.added", added))
	if added > 0 {
		log.Debug().
			Int("added", added).
			Int("idle", s.pool.Size()).
			Int("managed", s.ManagedCount()).
			Msg("Pool grown")
	}
	return added
}

// shrink destroys idle resources when the idle count is at or above the
// high watermark and above the minimum. It returns the number destroyed.
func (s *Sizer) shrink(ctx context.Context) int {
	managed := s.ManagedCount()
	idle := s.pool.Size()
	high := round(s.policy.HighWatermark * float64(managed))
	if idle < high || idle <= s.cfg.MinConnections {
		return 0
	}

	shrinkBy := s.step(s.policy.ShrinkFactor, managed)
	if floor := managed - s.cfg.MinConnections; shrinkBy > floor {
		shrinkBy = floor
	}
	if shrinkBy <= 0 {
		return 0
	}

	_, span := s.tracer.Start(ctx, "sizer.shrink", trace.WithAttributes(
		attribute.Int("pool.idle", idle),
		attribute.Int("pool.managed", managed),
		attribute.Int("sizer.shrink_by", shrinkBy),
	))
	defer span.End()

	removed := 0
	for i := 0; i < shrinkBy; i++ {
		if s.paused.Load() {
			log.Debug().Int("removed", removed).Int("planned", shrinkBy).Msg("Shrink aborted by pause")
			break
		}

		drained := s.pool.Drain(1)
		if len(drained) == 0 {
			break
		}
		if err := drained[0].Destroy(); err != nil {
			log.Debug().Err(err).Msg("Ignoring destroy failure during shrink")
		}
		s.managed.Add(-1)
		removed++
	}

	s.shrunk.Add(int64(removed))
	span.SetAttributes(attribute.Int("sizer.removed", removed))
	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("idle", s.pool.Size()).
			Int("managed", s.ManagedCount()).
			Msg("Pool shrunk")
	}
	return removed
}

// step is the grow or shrink amount beyond the minimum. Without an upper
// bound it scales with the managed count instead of the maximum.
func (s *Sizer) step(factor float64, managed int) int {
	if !s.cfg.IsUnbounded() {
		return round(factor * float64(s.cfg.MaxConnections))
	}
	base := managed
	if base < s.cfg.MinConnections {
		base = s.cfg.MinConnections
	}
	if n := round(factor * float64(base)); n > 0 {
		return n
	}
	return 1
}

func (s *Sizer) create(ctx context.Context) (*pool.Handle, error) {
	res, err := s.factory(ctx, s.cfg.DriverURL, s.cfg.DriverProps)
	if err != nil {
		return nil, &pool.CreationError{Driver: s.cfg.Driver, URL: s.cfg.DriverURL, Err: err}
	}
	if res == nil {
		return nil, &pool.CreationError{Driver: s.cfg.Driver, URL: s.cfg.DriverURL, Err: errors.New("factory returned no resource")}
	}
	return pool.NewHandle(s.pool, res), nil
}

// admit releases a fresh handle into the pool, retrying a bounded number of
// times while the store is full. The keep-alive probe runs before each retry.
func (s *Sizer) admit(ctx context.Context, h *pool.Handle) error {
	executor := resilience.NewRetryExecutor(&resilience.RetryConfig{
		Name:        "sizer_admit",
		MaxAttempts: s.policy.AdmitRetries + 1,
		BaseDelay:   s.policy.AdmitDelay,
		MaxDelay:    s.policy.AdmitMaxDelay,
		Multiplier:  s.policy.AdmitMultiplier,
		Policy:      resilience.RetryPolicy(s.policy.AdmitBackoff),
		IsRetryable: func(err error) bool {
			return errors.Is(err, pool.ErrPoolFull)
		},
		BeforeRetry: func(ctx context.Context) error {
			if s.paused.Load() {
				return errPaused
			}
			if err := h.Probe(ctx, s.cfg.KeepAliveSQL, s.cfg.ValidateTimeout); err != nil {
				return fmt.Errorf("keep-alive probe failed: %w", err)
			}
			return nil
		},
	})

	return executor.Execute(ctx, func(ctx context.Context) error {
		if s.pool.Release(h) {
			return nil
		}
		if s.pool.Closed() {
			return pool.ErrPoolClosed
		}
		return pool.ErrPoolFull
	})
}

func round(x float64) int {
	return int(math.Round(x))
}
