// Package retry implements exponential backoff with jitter for node attempts
// and for internal I/O such as store and gateway calls. The orchestrator
// computes node backoff here so retry timing is uniform across runners.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/strandsec/strand/runtime/component"
	"github.com/strandsec/strand/runtime/registry"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// A value of 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the delay after each retry. 2.0 is exponential.
	BackoffMultiplier float64
	// Jitter adds randomness to each delay. 0.1 adds up to ±10%.
	Jitter float64
}

// DefaultConfig returns the retry configuration used when a component
// declares no policy of its own.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// FromPolicy converts a component's declared retry policy. Zero fields fall
// back to defaults.
func FromPolicy(p *registry.RetryPolicy) Config {
	cfg := DefaultConfig()
	if p == nil {
		return cfg
	}
	if p.MaxAttempts > 0 {
		cfg.MaxAttempts = p.MaxAttempts
	}
	if p.InitialBackoff > 0 {
		cfg.InitialBackoff = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		cfg.MaxBackoff = p.MaxBackoff
	}
	if p.Multiplier > 0 {
		cfg.BackoffMultiplier = p.Multiplier
	}
	return cfg
}

// ExhaustedError is returned by Do when every attempt failed.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the error from the last attempt.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Backoff computes the delay before the retry that follows the given attempt
// (1-based). Exponential with cap and jitter.
func Backoff(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		jitter := backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
		backoff += jitter
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// ShouldRetry decides whether a failed attempt gets another one under the
// component's policy. The failure kind's default retryability applies unless
// the failure overrides it; kinds listed as non-retryable by the policy never
// retry.
func ShouldRetry(cfg Config, policy *registry.RetryPolicy, f *component.Failure, attempt int) bool {
	if f == nil || attempt >= cfg.MaxAttempts {
		return false
	}
	if policy.NonRetryable(f.Kind) {
		return false
	}
	return f.Retryable
}

// Do executes fn with retry for internal operations whose failures carry no
// kind taxonomy. fn errors are retried until attempts run out or the context
// ends.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(cfg, attempt)):
		}
	}
	return &ExhaustedError{
		Attempts:      cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}
