// Package manager ties configuration, pool, sizer and resource factory into
// the lifecycle exposed to applications: Init, Acquire, Release, Shutdown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dbpoold/dbpoold/pkg/config"
	"github.com/dbpoold/dbpoold/pkg/pool"
	"github.com/dbpoold/dbpoold/pkg/sizer"
)

// DefaultShutdownTimeout bounds the shutdown triggered by HandleSignals.
const DefaultShutdownTimeout = 30 * time.Second

var (
	ErrNotInitialized = errors.New("manager: not initialized")
	ErrShutdown       = errors.New("manager: shut down")
	ErrUnknownSignal  = errors.New("manager: unknown sizer signal")
)

// SizerSignal names a control request for the sizer.
type SizerSignal string

const (
	SignalPause     SizerSignal = "pause"
	SignalResume    SizerSignal = "resume"
	SignalCheck     SizerSignal = "check"
	SignalTerminate SizerSignal = "terminate"
)

// Stats combines pool and sizer statistics.
type Stats struct {
	Pool  pool.Stats  `json:"pool"`
	Sizer sizer.Stats `json:"sizer"`
}

// Manager owns one pool and the sizer that maintains it.
type Manager struct {
	mu       sync.Mutex
	cfg      *config.Config
	pool     *pool.Pool
	sizer    *sizer.Sizer
	cancel   context.CancelFunc
	shutdown bool
}

// New returns an uninitialized manager.
func New() *Manager {
	return &Manager{}
}

// Init validates cfg, creates the pool and starts the sizer. Calling it
// again after a successful Init is a no-op.
func (m *Manager) Init(cfg *config.Config, factory pool.Factory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if m.pool != nil {
		log.Debug().Msg("Pool manager already initialized")
		return nil
	}
	if cfg == nil {
		return &config.ConfigError{Key: config.KeyDriver, Reason: "configuration is required"}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("no resource factory for driver %q", cfg.Driver)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := pool.New(cfg.MaxConnections)
	s := sizer.New(cfg, p, factory)
	if err := s.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start sizer: %w", err)
	}

	m.cfg, m.pool, m.sizer, m.cancel = cfg, p, s, cancel

	log.Info().
		Str("driver", cfg.Driver).
		Int("min_connections", cfg.MinConnections).
		Int("max_connections", cfg.MaxConnections).
		Bool("unbounded", cfg.IsUnbounded()).
		Msg("Pool manager initialized")
	return nil
}

func (m *Manager) components() (*config.Config, *pool.Pool, *sizer.Sizer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool == nil {
		return nil, nil, nil, ErrNotInitialized
	}
	return m.cfg, m.pool, m.sizer, nil
}

// Acquire takes an idle handle, waiting up to max.wait. Close the handle (or
// pass it to Release) when done.
func (m *Manager) Acquire(ctx context.Context) (*pool.Handle, error) {
	cfg, _, _, err := m.components()
	if err != nil {
		return nil, err
	}
	return m.AcquireTimeout(ctx, cfg.MaxWait)
}

// AcquireTimeout is Acquire with an explicit wait limit.
func (m *Manager) AcquireTimeout(ctx context.Context, timeout time.Duration) (*pool.Handle, error) {
	_, p, s, err := m.components()
	if err != nil {
		return nil, err
	}

	h, err := p.Acquire(ctx, timeout)
	if errors.Is(err, pool.ErrUnavailable) {
		// Starved: let the sizer look now instead of at its next tick.
		_ = s.RequestCheck()
	}
	return h, err
}

// Release returns h to the pool. It reports false when the pool is full or
// shut down, or when h is not a checked-out handle of this pool; the caller
// then retries or passes h to Discard.
func (m *Manager) Release(h *pool.Handle) bool {
	_, p, _, err := m.components()
	if err != nil {
		return false
	}
	return p.Release(h)
}

// Discard destroys a checked-out handle and lets the sizer replace it. Use it
// for broken connections and after a failed Release, including when h was
// already destroyed directly.
func (m *Manager) Discard(h *pool.Handle) bool {
	_, p, s, err := m.components()
	if err != nil {
		return false
	}
	if !p.Discard(h) {
		return false
	}
	_ = s.RequestCheck()
	return true
}

// Shutdown terminates the sizer, waits for it to stop and destroys every idle
// handle. It is safe to call more than once and from an exit hook.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	p, s, cancel := m.pool, m.sizer, m.cancel
	m.mu.Unlock()

	if p == nil {
		return nil
	}

	s.RequestTerminate()
	if err := s.Wait(ctx); err != nil {
		log.Warn().Err(err).Msg("Sizer did not stop before shutdown deadline")
	}
	cancel()

	if err := p.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down pool: %w", err)
	}

	log.Info().Int("managed", s.ManagedCount()).Msg("Pool manager shut down")
	return nil
}

// HandleSignals blocks until SIGINT, SIGTERM or ctx is done, then shuts the
// manager down.
func (m *Manager) HandleSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("Context done, shutting down pool manager")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return m.Shutdown(shutdownCtx)
}

// Signal forwards a control request to the sizer.
func (m *Manager) Signal(sig SizerSignal) error {
	_, _, s, err := m.components()
	if err != nil {
		return err
	}

	switch sig {
	case SignalPause:
		return s.RequestPause()
	case SignalResume:
		return s.RequestResume()
	case SignalCheck:
		return s.RequestCheck()
	case SignalTerminate:
		s.RequestTerminate()
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignal, sig)
	}
}

// Stats returns pool and sizer statistics.
func (m *Manager) Stats() (Stats, error) {
	_, p, s, err := m.components()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Pool: p.Stats(), Sizer: s.Stats()}, nil
}

// Config returns the configuration the manager was initialized with.
func (m *Manager) Config() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}
