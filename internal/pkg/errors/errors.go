package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrCacheUnavailable marks a cache tier failure. Callers degrade to a
	// miss and continue.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrStoreQueryFailed marks a failed message-store fetch. A failing fetch
	// yields an empty section, never an aborted context build.
	ErrStoreQueryFailed = errors.New("store query failed")
	// ErrProviderClient marks a non-retryable (4xx-equivalent) provider error.
	ErrProviderClient = errors.New("provider client error")
)

// RateLimitedError carries the provider's retry-after hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
}

// IsRateLimited reports whether err wraps a RateLimitedError and returns the
// retry-after hint when it does.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
