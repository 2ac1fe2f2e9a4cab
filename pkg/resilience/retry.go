package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryPolicy defines different retry strategies
type RetryPolicy string

const (
	// RetryPolicyFixed uses fixed delay between retries
	RetryPolicyFixed RetryPolicy = "fixed"
	// RetryPolicyExponential uses exponential backoff
	RetryPolicyExponential RetryPolicy = "exponential"
	// RetryPolicyLinear uses linear backoff
	RetryPolicyLinear RetryPolicy = "linear"
)

// Common retry errors
var (
	ErrMaxAttemptsExceeded  = errors.New("maximum retry attempts exceeded")
	ErrNotRetryable         = errors.New("error is not retryable")
	ErrRetryContextCanceled = errors.New("retry context canceled")
	ErrRetryAborted         = errors.New("retry aborted")
)

// RetryConfig configuration for retry mechanisms
type RetryConfig struct {
	Name        string        `json:"name"`
	MaxAttempts int           `json:"max_attempts"` // Total attempts, including the first
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Multiplier  float64       `json:"multiplier"`
	Policy      RetryPolicy   `json:"policy"`

	// IsRetryable decides whether a failed attempt may be retried.
	IsRetryable func(error) bool `json:"-"`
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error) `json:"-"`
	// BeforeRetry runs before every attempt after the first. A non-nil
	// error aborts the remaining attempts with ErrRetryAborted.
	BeforeRetry func(ctx context.Context) error `json:"-"`
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Name:        "default",
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Policy:      RetryPolicyFixed,
		IsRetryable: defaultIsRetryable,
	}
}

func defaultIsRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// RetryMetrics tracks retry statistics
type RetryMetrics struct {
	Name           string `json:"name"`
	TotalAttempts  int64  `json:"total_attempts"`
	TotalRetries   int64  `json:"total_retries"`
	TotalSuccesses int64  `json:"total_successes"`
	TotalFailures  int64  `json:"total_failures"`
	TotalAborts    int64  `json:"total_aborts"`
}

// RetryExecutor executes operations with retry logic
type RetryExecutor struct {
	config *RetryConfig

	attempts  atomic.Int64
	retries   atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	aborts    atomic.Int64
}

// NewRetryExecutor creates a new retry executor
func NewRetryExecutor(config *RetryConfig) *RetryExecutor {
	if config == nil {
		config = DefaultRetryConfig()
	}

	cfg := *config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Policy == "" {
		cfg.Policy = RetryPolicyFixed
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = defaultIsRetryable
	}

	log.Debug().
		Str("name", cfg.Name).
		Int("max_attempts", cfg.MaxAttempts).
		Dur("base_delay", cfg.BaseDelay).
		Str("policy", string(cfg.Policy)).
		Msg("Retry executor created")

	return &RetryExecutor{config: &cfg}
}

// Execute runs operation until it succeeds, the attempts are exhausted, the
// error is not retryable, BeforeRetry aborts or ctx is done.
func (re *RetryExecutor) Execute(ctx context.Context, operation func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= re.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			re.failures.Add(1)
			return fmt.Errorf("%w: %v", ErrRetryContextCanceled, err)
		}

		if attempt > 1 && re.config.BeforeRetry != nil {
			if err := re.config.BeforeRetry(ctx); err != nil {
				re.aborts.Add(1)
				return fmt.Errorf("%w: %v", ErrRetryAborted, err)
			}
		}

		re.attempts.Add(1)
		err := operation(ctx)
		if err == nil {
			re.successes.Add(1)
			return nil
		}
		lastErr = err

		if !re.config.IsRetryable(err) {
			re.failures.Add(1)
			return fmt.Errorf("%w: %w", ErrNotRetryable, err)
		}

		if attempt == re.config.MaxAttempts {
			break
		}

		re.retries.Add(1)
		if re.config.OnRetry != nil {
			re.config.OnRetry(attempt, err)
		}

		delay := re.calculateDelay(attempt)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			re.failures.Add(1)
			return fmt.Errorf("%w: %v", ErrRetryContextCanceled, ctx.Err())
		}
	}

	re.failures.Add(1)
	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, re.config.MaxAttempts, lastErr)
}

// calculateDelay calculates the delay for a given attempt
func (re *RetryExecutor) calculateDelay(attempt int) time.Duration {
	var delay time.Duration

	switch re.config.Policy {
	case RetryPolicyLinear:
		delay = time.Duration(int64(re.config.BaseDelay) * int64(attempt))
	case RetryPolicyExponential:
		delay = time.Duration(float64(re.config.BaseDelay) * math.Pow(re.config.Multiplier, float64(attempt-1)))
	default:
		delay = re.config.BaseDelay
	}

	if delay > re.config.MaxDelay {
		delay = re.config.MaxDelay
	}
	return delay
}

// GetMetrics returns current retry metrics
func (re *RetryExecutor) GetMetrics() RetryMetrics {
	return RetryMetrics{
		Name:           re.config.Name,
		TotalAttempts:  re.attempts.Load(),
		TotalRetries:   re.retries.Load(),
		TotalSuccesses: re.successes.Load(),
		TotalFailures:  re.failures.Load(),
		TotalAborts:    re.aborts.Load(),
	}
}

// String returns a string representation of the retry executor
func (re *RetryExecutor) String() string {
	m := re.GetMetrics()
	return fmt.Sprintf("RetryExecutor{name=%s, attempts=%d, successes=%d, failures=%d}",
		m.Name, m.TotalAttempts, m.TotalSuccesses, m.TotalFailures)
}
