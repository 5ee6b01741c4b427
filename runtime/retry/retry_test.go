package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/registry"
	"github.com/strandsec/strand/runtime/retry"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := retry.Config{
		InitialBackoff:    time.Second,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
	assert.Equal(t, time.Second, retry.Backoff(cfg, 1))
	assert.Equal(t, 2*time.Second, retry.Backoff(cfg, 2))
	assert.Equal(t, 4*time.Second, retry.Backoff(cfg, 3))
	assert.Equal(t, 10*time.Second, retry.Backoff(cfg, 5), "capped at MaxBackoff")
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	cfg := retry.Config{
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
	for i := 0; i < 100; i++ {
		d := retry.Backoff(cfg, 2)
		assert.GreaterOrEqual(t, d, 1800*time.Millisecond)
		assert.LessOrEqual(t, d, 2200*time.Millisecond)
	}
}

func TestFromPolicyDefaults(t *testing.T) {
	cfg := retry.FromPolicy(nil)
	assert.Equal(t, retry.DefaultConfig(), cfg)

	cfg = retry.FromPolicy(&registry.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Second})
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, retry.DefaultConfig().MaxBackoff, cfg.MaxBackoff, "zero fields keep defaults")
}

func TestShouldRetry(t *testing.T) {
	cfg := retry.Config{MaxAttempts: 3}
	policy := &registry.RetryPolicy{NonRetryableKinds: []component.FailureKind{component.KindRateLimit}}

	netFail := &component.Failure{Kind: component.KindNetwork, Retryable: true}
	assert.True(t, retry.ShouldRetry(cfg, policy, netFail, 1))
	assert.True(t, retry.ShouldRetry(cfg, policy, netFail, 2))
	assert.False(t, retry.ShouldRetry(cfg, policy, netFail, 3), "attempts exhausted")

	assert.False(t, retry.ShouldRetry(cfg, policy, nil, 1))

	valFail := &component.Failure{Kind: component.KindValidation, Retryable: false}
	assert.False(t, retry.ShouldRetry(cfg, policy, valFail, 1))

	rlFail := &component.Failure{Kind: component.KindRateLimit, Retryable: true}
	assert.False(t, retry.ShouldRetry(cfg, policy, rlFail, 1), "policy forbids the kind")
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	cfg := retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
	calls := 0
	err := retry.Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhausted(t *testing.T) {
	cfg := retry.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
	sentinel := errors.New("still broken")
	err := retry.Do(context.Background(), cfg, func(context.Context) error { return sentinel })
	require.Error(t, err)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.ErrorIs(t, err, sentinel)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	cfg := retry.Config{MaxAttempts: 10, InitialBackoff: time.Hour, MaxBackoff: time.Hour, BackoffMultiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- retry.Do(ctx, cfg, func(context.Context) error {
			calls++
			return errors.New("transient")
		})
	}()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls, "cancellation preempts the backoff wait")
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not observe cancellation")
	}
}
