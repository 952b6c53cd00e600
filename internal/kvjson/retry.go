package kvjson

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/arloliu/chatroute/types"
)

// ReadRetry bounds retries of idempotent reads after transient store failures.
type ReadRetry struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultReadRetry is used for registry and queue snapshots.
var DefaultReadRetry = ReadRetry{MaxRetries: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}

// Retry runs fn until it succeeds, fails with a non-transient error, or the
// retry budget is spent. Only types.ErrStoreUnavailable is treated as transient.
//
// Non-idempotent writes must not use Retry: after an ambiguous failure the
// write may have committed. A Create under a fresh key qualifies when the
// caller treats types.ErrKeyExists as success.
func Retry(ctx context.Context, cfg ReadRetry, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil || !errors.Is(lastErr, types.ErrStoreUnavailable) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(cfg.backoff(attempt)):
		}
	}

	return lastErr
}

// backoff returns BaseDelay*2^attempt capped at MaxDelay, plus jitter in [0, BaseDelay).
func (c ReadRetry) backoff(attempt int) time.Duration {
	if c.BaseDelay <= 0 {
		return 0
	}

	delay := c.BaseDelay << uint(attempt) //nolint:gosec // attempt is bounded by MaxRetries
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}

	return delay + time.Duration(rand.Int64N(int64(c.BaseDelay)))
}
