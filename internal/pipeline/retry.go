package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v4"
)

// MaxUploadAttempts bounds retries of a single artifact upload.
const MaxUploadAttempts = 3

// Backoff returns a duration for attempt n (0-indexed) with jitter.
func Backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 500 * time.Millisecond
	if base > 10*time.Second {
		base = 10 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(base) / 2))
	return base + jitter
}

// withRetry runs fn until it succeeds, attempts run out or ctx ends.
// Context errors are never retried.
func withRetry(ctx context.Context, log *slog.Logger, op string, attempts int, backoff func(int) time.Duration, fn func() error) error {
	if backoff == nil {
		backoff = Backoff
	}
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(uint(max(attempts, 1))),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return backoff(int(n))
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("retrying", "op", op, "attempt", n+1, "error", err)
		}),
	)
}
