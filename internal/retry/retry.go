// Package retry runs fallible operations with exponential backoff.
package retry

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// Policy defines an exponential backoff schedule.
type Policy struct {
	Retries    int           `mapstructure:"retries"`
	Factor     float64       `mapstructure:"factor"`
	MinTimeout time.Duration `mapstructure:"min_timeout"`
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
}

// Backoff returns the wait before retry number attempt (zero based):
// MinTimeout * Factor^attempt, capped at MaxTimeout.
func (p Policy) Backoff(attempt int) time.Duration {
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(p.MinTimeout) * math.Pow(factor, float64(attempt))
	if p.MaxTimeout > 0 && delay > float64(p.MaxTimeout) {
		delay = float64(p.MaxTimeout)
	}
	if delay < 0 || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return p.MaxTimeout
	}
	return time.Duration(delay)
}

// ShouldRetry decides per failure whether another attempt is warranted.
type ShouldRetry func(error) bool

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryHook observes a failed attempt that is about to be retried.
type RetryHook func(attempt int, err error, delay time.Duration)

// Executor runs operations under a Policy.
type Executor struct {
	sleep   SleepFunc
	logger  *zap.Logger
	onRetry RetryHook
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSleep replaces the backoff sleeper, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithLogger attaches a logger for retry diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRetryHook registers a callback invoked before each backoff.
func WithRetryHook(hook RetryHook) Option {
	return func(e *Executor) {
		e.onRetry = hook
	}
}

// NewExecutor builds an Executor that sleeps on the wall clock.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		sleep:  sleepContext,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run invokes op until it succeeds, shouldRetry rejects its error, or the policy's
// retries are spent. The last error is returned unchanged. A nil shouldRetry
// retries every error. With Retries = N a permanently failing op runs N+1 times.
func (e *Executor) Run(ctx context.Context, policy Policy, op func(context.Context) error, shouldRetry ShouldRetry) error {
	retries := policy.Retries
	if retries < 0 {
		retries = 0
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if attempt >= retries {
			return err
		}
		delay := policy.Backoff(attempt)
		if e.onRetry != nil {
			e.onRetry(attempt+1, err, delay)
		}
		e.logger.Debug("retrying operation",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, policy Policy, op func(context.Context) (T, error), shouldRetry ShouldRetry) (T, error) {
	var out T
	err := e.Run(ctx, policy, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, shouldRetry)
	return out, err
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
