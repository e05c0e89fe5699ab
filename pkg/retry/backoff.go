// Package retry runs operations with exponential backoff and jitter.
//
//	err := retry.Do(ctx, retry.DefaultBackoffConfig(), func() error {
//		return store.Put(ctx, key, body)
//	})
//
// Returning retry.Stop(err) from the operation ends the loop at once and
// yields err unwrapped.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/migadu/soramail/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      3,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialInterval
	}
	interval := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt-1))
	if interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}
	d := time.Duration(interval)
	if c.Jitter && d > 1 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
	}
	return d
}

// StopError marks an error as permanent.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }
func (s StopError) Unwrap() error { return s.Err }

// Stop wraps err so that Do returns it without further attempts.
func Stop(err error) error {
	return StopError{Err: err}
}

// Do runs fn until it succeeds, returns a StopError, the context ends, or
// MaxRetries retries have failed.
func Do(ctx context.Context, cfg BackoffConfig, fn func() error) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(cfg.Delay(attempt)):
			}
		}
		attempts++

		err := fn()
		if err == nil {
			return nil
		}
		var stop StopError
		if errors.As(err, &stop) {
			return stop.Err
		}
		lastErr = err
		logger.Debug("RETRY: attempt failed", "attempt", attempts, "max", cfg.MaxRetries+1, "error", err)
	}
	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
