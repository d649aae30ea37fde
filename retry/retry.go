// Package retry retries transient store failures with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rbaliyan/summary/store"
)

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	// Zero executes once.
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration

	// Multiplier grows the delay after each retry.
	Multiplier float64

	// Jitter randomizes each delay by +/- Jitter of its value (0..1).
	Jitter float64

	// IsRetryable decides whether an error is worth another attempt.
	// Nil means DefaultIsRetryable.
	IsRetryable func(error) bool
}

// DefaultConfig returns a general purpose Config.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
		IsRetryable:    DefaultIsRetryable,
	}
}

// StoreConfig returns a short policy for interactive store reads: two
// retries, capped at two seconds.
func StoreConfig() Config {
	return Config{
		MaxRetries:     2,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
		IsRetryable:    DefaultIsRetryable,
	}
}

// NoRetry executes once.
func NoRetry() Config {
	return Config{MaxRetries: 0, IsRetryable: DefaultIsRetryable}
}

// Sentinel errors.
var (
	// ErrNotRetryable is reported when an attempt failed with a permanent error.
	ErrNotRetryable = errors.New("retry: error is not retryable")

	// ErrMaxRetries is reported when every attempt failed.
	ErrMaxRetries = errors.New("retry: max retries exceeded")

	// ErrContextCanceled is reported when the context ended between attempts.
	ErrContextCanceled = errors.New("retry: context canceled")
)

// Func is an operation that can be retried.
type Func func(ctx context.Context) error

// Do runs fn until it succeeds, fails permanently, runs out of attempts,
// or ctx ends.
func Do(ctx context.Context, cfg Config, fn Func) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				return err
			}
			return &RetryError{Cause: lastErr, Attempts: attempt, Err: ErrContextCanceled}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !cfg.IsRetryable(err) {
			if attempt == 0 {
				// Permanent failures on the first attempt are returned as is.
				return err
			}
			return &RetryError{Cause: err, Attempts: attempt + 1, Err: ErrNotRetryable}
		}
		if attempt == cfg.MaxRetries {
			break
		}

		t := time.NewTimer(cfg.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return &RetryError{Cause: lastErr, Attempts: attempt + 1, Err: ErrContextCanceled}
		case <-t.C:
		}
	}

	if cfg.MaxRetries == 0 {
		return lastErr
	}
	return &RetryError{Cause: lastErr, Attempts: cfg.MaxRetries + 1, Err: ErrMaxRetries}
}

// DoWithResult is Do for operations returning a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

// RetryError describes a retried operation that did not succeed.
type RetryError struct {
	// Cause is the last error returned by the operation.
	Cause error
	// Attempts is the number of attempts made.
	Attempts int
	// Err is ErrMaxRetries, ErrNotRetryable or ErrContextCanceled.
	Err error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts (%s): %s", e.Attempts, e.Err, e.Cause)
}

func (e *RetryError) Unwrap() error {
	return e.Cause
}

func (e *RetryError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func (cfg Config) backoff(attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		spread := d * cfg.Jitter
		d += (rand.Float64()*2 - 1) * spread
	}
	return time.Duration(d)
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	cfg.Jitter = min(max(cfg.Jitter, 0), 1)
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	return cfg
}

// DefaultIsRetryable treats store lookups, invalid input, missing
// connections and context errors as permanent, and everything else as
// transient. Errors implementing Retryable() bool decide for themselves.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInvalidUID),
		errors.Is(err, store.ErrInvalidFolder),
		errors.Is(err, store.ErrNotConnected),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Permanent wraps err so that DefaultIsRetryable refuses it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

type permanentError struct {
	cause error
}

func (e *permanentError) Error() string   { return e.cause.Error() }
func (e *permanentError) Unwrap() error   { return e.cause }
func (e *permanentError) Retryable() bool { return false }
