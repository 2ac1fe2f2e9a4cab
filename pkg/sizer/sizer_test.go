package sizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbpoold/dbpoold/pkg/config"
	"github.com/dbpoold/dbpoold/pkg/pool"
	"github.com/dbpoold/dbpoold/pkg/pool/pooltest"
)

type fixture struct {
	sizer   *Sizer
	pool    *pool.Pool
	factory *pooltest.Factory
	cfg     *config.Config
}

func newFixture(t *testing.T, overrides map[string]any) *fixture {
	t.Helper()

	settings := map[string]any{
		config.KeyDriver:          "fake",
		config.KeyDriverURL:       "mem://test",
		config.KeyMinConnections:  10,
		config.KeyMaxConnections:  100,
		config.KeySizerInterval:   3600,
		config.KeySizerAdmitDelay: 0.001,
		config.KeyValidateTimeout: 1,
	}
	for k, v := range overrides {
		if k != "pool.capacity" {
			settings[k] = v
		}
	}

	cfg, err := config.New(settings)
	require.NoError(t, err)

	capacity := cfg.MaxConnections
	if c, ok := overrides["pool.capacity"]; ok {
		capacity = c.(int)
	}

	p := pool.New(capacity)
	f := pooltest.NewFactory()
	return &fixture{
		sizer:   New(cfg, p, f.Create),
		pool:    p,
		factory: f,
		cfg:     cfg,
	}
}

func TestGrow_EmptyPoolFillsToMinimum(t *testing.T) {
	fx := newFixture(t, nil)

	added := fx.sizer.grow(context.Background())

	assert.Equal(t, 10, added)
	assert.Equal(t, 10, fx.sizer.ManagedCount())
	assert.Equal(t, 10, fx.pool.Size())
	assert.Len(t, fx.factory.Created(), 10)
}

func TestGrow_IdleAboveLowWatermark(t *testing.T) {
	fx := newFixture(t, nil)
	fx.sizer.managed.Store(50)
	pooltest.Fill(fx.pool, 40)

	added := fx.sizer.grow(context.Background())

	assert.Equal(t, 0, added)
	assert.Equal(t, 50, fx.sizer.ManagedCount())
	assert.Equal(t, 40, fx.pool.Size())
	assert.Empty(t, fx.factory.Created())
}

func TestGrow_StepFromMaximum(t *testing.T) {
	fx := newFixture(t, nil)
	fx.sizer.managed.Store(80)
	pooltest.Fill(fx.pool, 12) // low = round(0.15*80) = 12

	added := fx.sizer.grow(context.Background())

	assert.Equal(t, 10, added)
	assert.Equal(t, 90, fx.sizer.ManagedCount())
	assert.Equal(t, 22, fx.pool.Size())
}

func TestGrow_CappedByMaximum(t *testing.T) {
	fx := newFixture(t, map[string]any{
		config.KeyMinConnections: 10,
		config.KeyMaxConnections: 10,
	})
	fx.sizer.managed.Store(8)

	added := fx.sizer.grow(context.Background())

	assert.Equal(t, 2, added)
	assert.Equal(t, 10, fx.sizer.ManagedCount())
}

func TestGrow_CreationFailureSkipsUnit(t *testing.T) {
	fx := newFixture(t, nil)
	fx.factory.FailEvery(2)

	added := fx.sizer.grow(context.Background())

	assert.Equal(t, 5, added)
	assert.Equal(t, 5, fx.sizer.ManagedCount())
	assert.Equal(t, 5, fx.pool.Size())
	assert.Equal(t, int64(5), fx.sizer.Stats().CreationFailures)
}

func TestGrow_RejectedAdmissionDestroysResource(t *testing.T) {
	fx := newFixture(t, map[string]any{
		config.KeyMinConnections:    5,
		config.KeyMaxConnections:    10,
		config.KeySizerAdmitRetries: 1,
		config.KeyKeepAliveSQL:      "select 1",
		"pool.capacity":             2,
	})

	added := fx.sizer.grow(context.Background())

	assert.Equal(t, 2, added)
	assert.Equal(t, 2, fx.sizer.ManagedCount())
	assert.Equal(t, 2, fx.pool.Size())

	created := fx.factory.Created()
	require.Len(t, created, 5)
	assert.Equal(t, 2, fx.factory.Open(), "unadmitted resources must be closed")
	for _, r := range created[2:] {
		assert.True(t, r.Closed())
		assert.Equal(t, []string{"select 1"}, r.Probes())
	}
	assert.Equal(t, int64(3), fx.sizer.Stats().AdmissionFailures)
}

func TestGrow_PauseAbortsMidway(t *testing.T) {
	fx := newFixture(t, nil)
	fx.factory.OnCreate = func(n int) {
		if n == 3 {
			require.NoError(t, fx.sizer.RequestPause())
		}
	}

	added := fx.sizer.grow(context.Background())

	assert.Equal(t, 3, added)
	assert.Equal(t, 3, fx.sizer.ManagedCount())
	assert.Equal(t, 3, fx.pool.Size())
	assert.Len(t, fx.factory.Created(), 3)
	assert.Equal(t, 3, fx.factory.Open())
	assert.Equal(t, StatePaused, fx.sizer.State())
}

func TestShrink_AboveHighWatermark(t *testing.T) {
	fx := newFixture(t, nil)
	fx.sizer.managed.Store(50)
	handles := pooltest.Fill(fx.pool, 40)

	removed := fx.sizer.shrink(context.Background())

	assert.Equal(t, 10, removed)
	assert.Equal(t, 40, fx.sizer.ManagedCount())
	assert.Equal(t, 30, fx.pool.Size())
	for i, h := range handles {
		if i < 10 {
			assert.Equal(t, pool.StateDestroyed, h.State(), "oldest handles are drained first")
		} else {
			assert.Equal(t, pool.StatePooled, h.State())
		}
	}
}

func TestShrink_StopsAtMinimum(t *testing.T) {
	fx := newFixture(t, nil)
	fx.sizer.managed.Store(14)
	pooltest.Fill(fx.pool, 14)

	removed := fx.sizer.shrink(context.Background())

	assert.Equal(t, 4, removed)
	assert.Equal(t, 10, fx.sizer.ManagedCount())
	assert.Equal(t, 10, fx.pool.Size())
}

func TestShrink_PausedDoesNothing(t *testing.T) {
	fx := newFixture(t, nil)
	fx.sizer.managed.Store(50)
	pooltest.Fill(fx.pool, 40)
	require.NoError(t, fx.sizer.RequestPause())

	assert.Equal(t, 0, fx.sizer.shrink(context.Background()))
	assert.Equal(t, 50, fx.sizer.ManagedCount())
	assert.Equal(t, 40, fx.pool.Size())
}

func TestShrink_IgnoresDestroyErrors(t *testing.T) {
	fx := newFixture(t, nil)
	fx.sizer.managed.Store(50)
	for i := 0; i < 40; i++ {
		res := &pooltest.Resource{ID: i, CloseErr: errors.New("close failed")}
		require.True(t, fx.pool.Release(pool.NewHandle(fx.pool, res)))
	}

	assert.Equal(t, 10, fx.sizer.shrink(context.Background()))
	assert.Equal(t, 40, fx.sizer.ManagedCount())
}

func TestEqualBounds_NoGrowNoShrink(t *testing.T) {
	fx := newFixture(t, map[string]any{
		config.KeyMinConnections: 20,
		config.KeyMaxConnections: 20,
	})

	require.Equal(t, 20, fx.sizer.grow(context.Background()))

	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, fx.sizer.grow(context.Background()))
		assert.Equal(t, 0, fx.sizer.shrink(context.Background()))
	}
	assert.Equal(t, 20, fx.sizer.ManagedCount())
	assert.Equal(t, 20, fx.pool.Size())
	assert.Len(t, fx.factory.Created(), 20)
}

func TestStep_Unbounded(t *testing.T) {
	fx := newFixture(t, map[string]any{
		config.KeyMaxConnections: "unbounded",
		config.KeyMinConnections: 0,
	})

	assert.Equal(t, 10, fx.sizer.step(0.10, 100))
	assert.Equal(t, 1, fx.sizer.step(0.10, 0))
	assert.Equal(t, 1, fx.sizer.step(0.10, 3))
}

func TestStep_Bounded(t *testing.T) {
	fx := newFixture(t, nil)
	assert.Equal(t, 10, fx.sizer.step(0.10, 0))
	assert.Equal(t, 10, fx.sizer.step(0.10, 500))
}

func TestSizer_Lifecycle(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, fx.sizer.Start(ctx))
	require.NoError(t, fx.sizer.Start(ctx))

	require.Eventually(t, func() bool { return fx.sizer.ManagedCount() == 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, fx.sizer.State())
	assert.Equal(t, int64(1), fx.sizer.Stats().Ticks)

	require.NoError(t, fx.sizer.RequestCheck())
	require.Eventually(t, func() bool { return fx.sizer.Stats().Checks == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), fx.sizer.Stats().Ticks, "a check is not a full cycle")

	require.NoError(t, fx.sizer.RequestPause())
	assert.Equal(t, StatePaused, fx.sizer.State())
	require.NoError(t, fx.sizer.RequestResume())
	assert.Equal(t, StateRunning, fx.sizer.State())

	fx.sizer.RequestTerminate()
	fx.sizer.RequestTerminate()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, fx.sizer.Wait(waitCtx))

	assert.Equal(t, StateTerminated, fx.sizer.State())
	assert.ErrorIs(t, fx.sizer.RequestPause(), ErrTerminated)
	assert.ErrorIs(t, fx.sizer.RequestResume(), ErrTerminated)
	assert.ErrorIs(t, fx.sizer.RequestCheck(), ErrTerminated)
	assert.ErrorIs(t, fx.sizer.Start(ctx), ErrTerminated)
}

func TestSizer_TerminateBeforeStart(t *testing.T) {
	fx := newFixture(t, nil)
	fx.sizer.RequestTerminate()

	select {
	case <-fx.sizer.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed for a sizer that never started")
	}
	assert.Empty(t, fx.factory.Created())
}

func TestSizer_ContextCancelStopsLoop(t *testing.T) {
	fx := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, fx.sizer.Start(ctx))
	cancel()

	select {
	case <-fx.sizer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sizer did not stop on context cancellation")
	}
}

func TestSizer_FoldsClientDiscards(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.sizer.Start(context.Background()))
	defer fx.sizer.RequestTerminate()

	require.Eventually(t, func() bool { return fx.sizer.ManagedCount() == 10 }, 2*time.Second, 5*time.Millisecond)

	h, err := fx.pool.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	fx.pool.Discard(h)

	require.NoError(t, fx.sizer.RequestCheck())
	require.Eventually(t, func() bool { return fx.sizer.ManagedCount() == 9 }, 2*time.Second, 5*time.Millisecond)
}

func TestSizer_PausedAcquireTimesOut(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.sizer.RequestPause())
	require.NoError(t, fx.sizer.Start(context.Background()))
	defer fx.sizer.RequestTerminate()

	start := time.Now()
	h, err := fx.pool.Acquire(context.Background(), 2*time.Second)
	elapsed := time.Since(start)

	assert.Nil(t, h)
	assert.ErrorIs(t, err, pool.ErrUnavailable)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 5*time.Second)
	assert.Zero(t, fx.sizer.ManagedCount())
}

func TestSizer_BoundsHoldUnderLoad(t *testing.T) {
	const maxSize = 20
	fx := newFixture(t, map[string]any{
		config.KeyMinConnections: 5,
		config.KeyMaxConnections: maxSize,
		config.KeySizerInterval:  0.005,
	})

	require.NoError(t, fx.sizer.Start(context.Background()))

	stop := make(chan struct{})
	var violations atomic.Int64
	var monitor sync.WaitGroup
	monitor.Add(1)
	go func() {
		defer monitor.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if fx.sizer.ManagedCount() > maxSize || fx.pool.Size() > maxSize {
				violations.Add(1)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var clients sync.WaitGroup
	for i := 0; i < 30; i++ {
		clients.Add(1)
		go func() {
			defer clients.Done()
			deadline := time.Now().Add(300 * time.Millisecond)
			for time.Now().Before(deadline) {
				h, err := fx.pool.Acquire(context.Background(), 20*time.Millisecond)
				if err != nil {
					_ = fx.sizer.RequestCheck()
					continue
				}
				time.Sleep(time.Millisecond)
				_ = h.Close()
			}
		}()
	}

	clients.Wait()
	close(stop)
	monitor.Wait()

	fx.sizer.RequestTerminate()
	waitCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fx.sizer.Wait(waitCtx))
	require.NoError(t, fx.pool.Shutdown(context.Background()))

	assert.Zero(t, violations.Load())
	assert.LessOrEqual(t, fx.sizer.ManagedCount(), maxSize)
	assert.Equal(t, 0, fx.factory.Open(), "every created resource is closed after shutdown")
}

func TestSizer_ResumeWaitsForNextTick(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.sizer.RequestPause())
	require.NoError(t, fx.sizer.Start(context.Background()))
	defer fx.sizer.RequestTerminate()

	// Let the first, paused pass consume the due tick.
	assert.Never(t, func() bool { return fx.sizer.ManagedCount() != 0 }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, fx.sizer.RequestResume())
	assert.Never(t, func() bool { return fx.sizer.ManagedCount() != 0 }, 100*time.Millisecond, 5*time.Millisecond)

	stats := fx.sizer.Stats()
	assert.Equal(t, StateRunning, stats.State)
	assert.Zero(t, stats.Ticks)
	assert.Zero(t, stats.Checks)
	assert.Empty(t, fx.factory.Created())
}

func TestSizer_CheckWhilePausedRunsOnResume(t *testing.T) {
	fx := newFixture(t, nil)
	require.NoError(t, fx.sizer.RequestPause())
	require.NoError(t, fx.sizer.Start(context.Background()))
	defer fx.sizer.RequestTerminate()

	require.NoError(t, fx.sizer.RequestCheck())
	assert.Never(t, func() bool { return fx.sizer.ManagedCount() != 0 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, fx.sizer.Stats().Checks)

	require.NoError(t, fx.sizer.RequestResume())
	require.Eventually(t, func() bool { return fx.sizer.ManagedCount() == 10 }, 2*time.Second, 5*time.Millisecond)

	stats := fx.sizer.Stats()
	assert.Equal(t, int64(1), stats.Checks)
	assert.Zero(t, stats.Ticks)
}

func TestAdmit_BackoffPolicy(t *testing.T) {
	tests := []struct {
		backoff string
		atLeast time.Duration
	}{
		{"fixed", 60 * time.Millisecond},        // 20 + 20 + 20
		{"linear", 120 * time.Millisecond},      // 20 + 40 + 60
		{"exponential", 140 * time.Millisecond}, // 20 + 40 + 80
	}

	for _, tt := range tests {
		t.Run(tt.backoff, func(t *testing.T) {
			fx := newFixture(t, map[string]any{
				config.KeyMinConnections:       1,
				config.KeySizerAdmitRetries:    3,
				config.KeySizerAdmitDelay:      0.02,
				config.KeySizerAdmitBackoff:    tt.backoff,
				config.KeySizerAdmitMultiplier: 2,
				"pool.capacity":                0,
			})

			start := time.Now()
			added := fx.sizer.grow(context.Background())
			elapsed := time.Since(start)

			assert.Zero(t, added)
			assert.GreaterOrEqual(t, elapsed, tt.atLeast)
			assert.Equal(t, int64(1), fx.sizer.Stats().AdmissionFailures)
			assert.Zero(t, fx.factory.Open())
		})
	}
}
