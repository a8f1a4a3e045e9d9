package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recordingSleep(delays *[]time.Duration) SleepFunc {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRunExhaustsRetries(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	exec := NewExecutor(WithSleep(recordingSleep(&delays)))
	policy := Policy{Retries: 3, Factor: 2, MinTimeout: 100 * time.Millisecond, MaxTimeout: 300 * time.Millisecond}

	calls := 0
	last := errors.New("attempt 4")
	err := exec.Run(context.Background(), policy, func(context.Context) error {
		calls++
		if calls == 4 {
			return last
		}
		return errors.New("transient")
	}, nil)

	require.ErrorIs(t, err, last)
	require.Equal(t, 4, calls)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, delays)
}

func TestRunNoRetryShortCircuit(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	exec := NewExecutor(WithSleep(recordingSleep(&delays)))
	permanent := errors.New("429")

	calls := 0
	err := exec.Run(context.Background(), Policy{Retries: 5, Factor: 2, MinTimeout: time.Second}, func(context.Context) error {
		calls++
		return permanent
	}, func(error) bool { return false })

	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
	require.Empty(t, delays)
}

func TestRunSucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	hooks := 0
	exec := NewExecutor(
		WithSleep(func(context.Context, time.Duration) error { return nil }),
		WithRetryHook(func(int, error, time.Duration) { hooks++ }),
	)

	got, err := Do(context.Background(), exec, Policy{Retries: 4, Factor: 1, MinTimeout: time.Millisecond}, func(context.Context) (string, error) {
		if hooks < 2 {
			return "", errors.New("flaky")
		}
		return "https://final.example", nil
	}, nil)

	require.NoError(t, err)
	require.Equal(t, "https://final.example", got)
	require.Equal(t, 2, hooks)
}

func TestRunStopsWhenContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := NewExecutor()

	calls := 0
	opErr := errors.New("down")
	err := exec.Run(ctx, Policy{Retries: 3, Factor: 2, MinTimeout: time.Hour}, func(context.Context) error {
		calls++
		return opErr
	}, nil)

	require.ErrorIs(t, err, opErr)
	require.Equal(t, 1, calls)
}

func TestPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := Policy{Factor: 3, MinTimeout: time.Second, MaxTimeout: 10 * time.Second}
	require.Equal(t, time.Second, p.Backoff(0))
	require.Equal(t, 3*time.Second, p.Backoff(1))
	require.Equal(t, 9*time.Second, p.Backoff(2))
	require.Equal(t, 10*time.Second, p.Backoff(3))

	flat := Policy{MinTimeout: 50 * time.Millisecond}
	require.Equal(t, 50*time.Millisecond, flat.Backoff(7))
}
