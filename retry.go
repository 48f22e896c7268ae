package chronos

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// RetryConfig configures bounded-backoff retries for transient store failures.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Default: 100ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries. Default: 10s.
	MaxBackoff time.Duration

	// Multiplier grows the backoff after each retry. Default: 2.0.
	Multiplier float64

	// Jitter in [0,1] randomizes each delay by ±Jitter. Default: 0.1.
	Jitter float64

	// RetryIf decides whether an error is retried. Nil retries everything.
	RetryIf func(error) bool
}

// retryer executes operations with exponential backoff.
type retryer struct {
	cfg RetryConfig
}

func newRetryer(cfg RetryConfig) *retryer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = 0.1
	}
	return &retryer{cfg: cfg}
}

// do runs op until it succeeds, exhausts attempts, the classifier rejects the
// error, or ctx is canceled. Returns the last error.
func (r *retryer) do(ctx context.Context, op func() error) error {
	backoff := r.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if r.cfg.RetryIf != nil && !r.cfg.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.jittered(backoff)):
		}

		backoff = time.Duration(float64(backoff) * r.cfg.Multiplier)
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
	return lastErr
}

func (r *retryer) jittered(d time.Duration) time.Duration {
	if r.cfg.Jitter == 0 {
		return d
	}
	spread := float64(d) * r.cfg.Jitter
	return time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
}

// isTransient reports whether an error looks like a transient I/O failure
// worth retrying. Context cancellation and typed non-storage errors are not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrConfiguration) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"slow down",
		"slowdown",
		"too many requests",
		"database is locked",
		"429",
		"500",
		"502",
		"503",
		"504",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ErrCircuitOpen is returned when the flush circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// circuitBreaker guards the optimizer flush path against a flapping object
// store. Safe for concurrent use.
type circuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	open         bool
}

func newCircuitBreaker(maxFailures int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{maxFailures: maxFailures, resetTimeout: resetTimeout}
}

func (cb *circuitBreaker) execute(op func() error) error {
	cb.mu.Lock()
	if cb.open {
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		// Half-open: let one probe through.
		cb.open = false
	}
	cb.mu.Unlock()

	err := op()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.failures = 0
		return nil
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= cb.maxFailures {
		cb.open = true
	}
	return err
}
