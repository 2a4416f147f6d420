package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/oxzoid/flowpay/pkg/domain"
)

// RetryConfig bounds the backoff applied around a transaction whose write
// set collides with a concurrent writer: it retries with exponential
// backoff up to a bounded attempt count.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig caps retries at 5 bounded attempts.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 5,
	BaseDelay:   10 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
}

// WithRetry runs fn, retrying while it returns an error wrapping
// domain.ErrConflict or domain.ErrBackend, up to cfg.MaxAttempts. Each retry waits an
// exponentially increasing, jittered delay. The last error is returned
// unwrapped if every attempt is exhausted.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !(errors.Is(lastErr, domain.ErrConflict) || errors.Is(lastErr, domain.ErrBackend)) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(delay) + 1))
		wait := delay + jitter
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}
