// Package retry runs fallible network operations with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// ErrNetwork is returned when attempts are exhausted without any recorded error.
var ErrNetwork = errors.New("network error")

// Config controls the number of attempts and the backoff window.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultConfig returns the backoff used when no configuration is supplied.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
	}
}

// Executor retries operations according to Config. It holds no per-call state
// and is safe to share between concurrent callers.
type Executor struct {
	cfg      Config
	classify func(error) bool
	jitter   func() float64
	sleep    func(ctx context.Context, d time.Duration) error
	onRetry  func(ctx context.Context, attempt int, delay time.Duration, err error)
	logger   *slog.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithClassifier replaces the retryable-error classifier.
func WithClassifier(fn func(error) bool) Option {
	return func(e *Executor) { e.classify = fn }
}

// WithJitter replaces the jitter source. fn must return a factor in [0.8, 1.2].
func WithJitter(fn func() float64) Option {
	return func(e *Executor) { e.jitter = fn }
}

// WithSleep replaces the context-aware wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithRetryHook registers a callback invoked before each backoff wait.
func WithRetryHook(fn func(ctx context.Context, attempt int, delay time.Duration, err error)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

// WithLogger sets the logger used for retry events.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates an Executor. MaxAttempts below 1 is treated as 1.
func New(cfg Config, opts ...Option) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	e := &Executor{
		cfg:      cfg,
		classify: IsRetryable,
		jitter:   defaultJitter,
		sleep:    sleepContext,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the executor's configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Delay returns the wait before the attempt following attempt n (1-based).
func (e *Executor) Delay(attempt int) time.Duration {
	return backoff(e.cfg, attempt, e.jitter())
}

// Run executes op until it succeeds, fails with a non-retryable error, the
// attempts are exhausted or ctx is done.
func (e *Executor) Run(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do executes op through e and returns its value. Cancellation is observed
// before each attempt and while waiting between attempts, never mid-attempt.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !e.classify(err) {
			return zero, err
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}

		delay := e.Delay(attempt)
		if e.onRetry != nil {
			e.onRetry(ctx, attempt, delay, err)
		}
		e.logger.DebugContext(ctx, "retry_scheduled",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", e.cfg.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		if err := e.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	if lastErr == nil {
		lastErr = ErrNetwork
	}
	return zero, lastErr
}

func backoff(cfg Config, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.InitialDelay) * math.Pow(2, float64(attempt-1)) * jitter
	if d > float64(cfg.MaxDelay) || math.IsInf(d, 0) {
		return cfg.MaxDelay
	}
	return time.Duration(math.Round(d))
}

func defaultJitter() float64 {
	return 0.8 + rand.Float64()*0.4
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
