package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.mongodb.org/mongo-driver/mongo"
)

// RetryConfig bounds the retry/backoff policy applied to every store
// round-trip. The original design relied on re-running the whole batch for
// retries; keeping each round-trip individually retried shrinks the window
// in which a transient store error dirties a file for a full run.
type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetry returns the stock policy: three tries, 250ms initial backoff
// with jitter, capped at 5s.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		MaxTries:        3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Validate checks the policy is usable.
func (c RetryConfig) Validate() error {
	if c.MaxTries == 0 {
		return fmt.Errorf("retry max_tries must be >= 1")
	}
	if c.InitialInterval <= 0 || c.MaxInterval < c.InitialInterval {
		return fmt.Errorf("retry intervals must satisfy 0 < initial <= max")
	}
	return nil
}

// round runs one store round-trip under the retry policy. Duplicate-key
// errors are permanent: replaying them can never succeed and usually means
// the previous attempt already landed.
func (s *Store) round(ctx context.Context, op string, fn func() error) error {
	return retryRound(ctx, s.retry, op, fn)
}

func retryRound(ctx context.Context, cfg RetryConfig, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && mongo.IsDuplicateKeyError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(cfg.MaxTries))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
