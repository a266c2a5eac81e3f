package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"banking-ledger/internal/errors"
)

// RetryPolicy bounds how often a storage call is repeated after a transient
// failure. Any other error stops retrying immediately.
type RetryPolicy struct {
	MaxRetries int
	Interval   time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval
	b.MaxInterval = 20 * p.Interval
	b.MaxElapsedTime = 0

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do runs fn until it succeeds, returns a non-transient error or the retry
// budget is spent. The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, operation string, fn func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		logger.Warn("Transient storage error",
			"operation", operation,
			"attempt", attempt,
			"max_retries", p.MaxRetries,
			"error", err)
		return err
	}, p.backOff(ctx))
}
