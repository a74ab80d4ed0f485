package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"convsync/internal/config"
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) IsFatal() bool {
	return true
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// NewFatalError marks err so Retry gives up immediately.
func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  2 * time.Minute,
	}
}

// FromConfig overlays a YAML retry section on DefaultPolicy.
func FromConfig(cfg config.RetryConfig) Policy {
	p := DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		p.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		p.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 0 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.MaxElapsedTime > 0 {
		p.MaxElapsedTime = cfg.MaxElapsedTime
	}
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.MaxElapsedTime = p.MaxElapsedTime

	var b backoff.BackOff = backoff.WithContext(exp, ctx)
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

func Retry(ctx context.Context, policy Policy, fn func() error) error {
	return RetryWithCallback(ctx, policy, fn, nil)
}

// RetryWithCallback runs fn until it succeeds, returns a non-retryable error, or the policy is
// exhausted. onRetry is called before every sleep.
func RetryWithCallback(ctx context.Context, policy Policy, fn func() error, onRetry func(attempt int, err error, nextDelay time.Duration)) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2.0
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}

		if !shouldRetry(err) {
			return backoff.Permanent(err)
		}

		if onRetry != nil && attempt < policy.MaxAttempts {
			onRetry(attempt, err, CalculateBackoffDuration(attempt, policy.InitialInterval, policy.Multiplier, policy.MaxInterval))
		}

		return err
	}

	return backoff.Retry(operation, policy.backOff(ctx))
}

func shouldRetry(err error) bool {
	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}

	var fatalErr FatalError
	if errors.As(err, &fatalErr) && fatalErr.IsFatal() {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return true
}

func CalculateBackoffDuration(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration) time.Duration {
	duration := float64(initialInterval) * math.Pow(multiplier, float64(attempt))
	if maxInterval > 0 && duration > float64(maxInterval) {
		return maxInterval
	}
	return time.Duration(duration)
}
