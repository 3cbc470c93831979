// Package retry provides a generic exponential-backoff retry loop.
//
// It backs Transport's best-effort reconnect helper. Nothing in the core
// read/heartbeat/file-transfer loops calls it automatically — callers opt
// in explicitly.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Operation is a unit of work that may be retried.
type Operation func(ctx context.Context) error

// Config controls backoff shape.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	OnRetry      func(attempt int, err error, nextDelay time.Duration)
	RetryIf      func(err error) bool
}

// Option mutates a Config.
type Option func(*Config)

// DefaultConfig returns sensible defaults for most use cases.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

func WithMaxAttempts(n int) Option        { return func(c *Config) { c.MaxAttempts = n } }
func WithInitialDelay(d time.Duration) Option { return func(c *Config) { c.InitialDelay = d } }
func WithMaxDelay(d time.Duration) Option  { return func(c *Config) { c.MaxDelay = d } }
func WithMultiplier(m float64) Option      { return func(c *Config) { c.Multiplier = m } }
func WithOnRetry(fn func(attempt int, err error, nextDelay time.Duration)) Option {
	return func(c *Config) { c.OnRetry = fn }
}
func WithRetryIf(fn func(err error) bool) Option { return func(c *Config) { c.RetryIf = fn } }

// Do runs op, retrying with exponential backoff according to opts until it
// succeeds, an unretryable error is hit, ctx is cancelled, or MaxAttempts is
// exhausted.
func Do(ctx context.Context, op Operation, opts ...Option) error {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled before attempt %d: %w", attempt, err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return fmt.Errorf("unretryable error: %w", lastErr)
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := calculateDelay(attempt, cfg)

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf(
				"context canceled during retry wait (attempt %d): %w (last error: %v)",
				attempt, ctx.Err(), lastErr,
			)
		case <-timer.C:
		}
	}

	return fmt.Errorf("exhausted %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func calculateDelay(attempt int, cfg *Config) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}
