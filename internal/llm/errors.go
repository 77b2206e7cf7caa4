package llm

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

var (
	// ErrQuotaExceeded means the provider refused the call for rate or
	// billing reasons and retrying did not help.
	ErrQuotaExceeded = errors.New("llm quota exceeded")
	// ErrInvalidResponse means the model replied with nothing usable: an
	// empty body, unparseable JSON or JSON that fails its schema.
	ErrInvalidResponse = errors.New("llm invalid response")
)

// RetryableError indicates a transient failure that can be retried. A 429
// that survives every retry unwraps to ErrQuotaExceeded.
type RetryableError struct {
	StatusCode int
	Message    string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error (status %d): %s", e.StatusCode, truncate(e.Message, 200))
}

func (e *RetryableError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return ErrQuotaExceeded
	}
	return nil
}

// IsRetryable checks if an error is worth retrying.
func IsRetryable(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// Backoff returns a duration for attempt n (0-indexed) with jitter.
func Backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(base) / 2))
	return base + jitter
}

func invalidResponse(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidResponse, fmt.Sprintf(format, args...))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
