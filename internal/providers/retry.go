package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/apperr"
)

// RetryConfig governs the base provider's retry loop (§4.6, §7: up to
// MaxRetries retries after the first attempt, exponential backoff base 2,
// only for 5xx/transient).
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryConfig matches the spec's "max 3 retries, base 2" policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 2 * time.Second}
}

// HTTPError carries the upstream HTTP status and body so the caller can
// classify it into an apperr.Kind.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter int // seconds, from ParseRetryAfter (60 if absent or unparseable)
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream HTTP %d: %s", e.Status, truncate(e.Body, 300))
}

// Kind classifies the HTTP status per §7's error mapping.
func (e *HTTPError) Kind() error {
	switch {
	case e.Status == 401 || e.Status == 403:
		return apperr.ErrAuth
	case e.Status == 429:
		return apperr.ErrRateLimited
	case e.Status >= 500:
		return apperr.ErrTransient
	default:
		return apperr.ErrTransform
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// ParseRetryAfter parses a Retry-After header into seconds, defaulting to
// 60 per §7 when absent or unparseable.
func ParseRetryAfter(h http.Header) int {
	v := h.Get("Retry-After")
	if v == "" {
		return 60
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d > 0 {
			return int(d.Seconds())
		}
	}
	return 60
}

// RetryDo retries fn on transient/5xx failures only, per §7: "the only
// errors that retry silently are HTTP 5xx / network-transient from the
// LLM provider." Auth and transform errors return immediately.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := cfg.BaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return zero, fmt.Errorf("%w: %v", apperr.ErrCancelled, ctx.Err())
			case <-time.After(delay):
			}
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		var herr *HTTPError
		if (asHTTPError(err, &herr) && herr.Kind() == apperr.ErrTransient) || errors.Is(err, apperr.ErrTransient) {
			continue
		}
		return zero, err
	}
	return zero, lastErr
}

func asHTTPError(err error, target **HTTPError) bool {
	herr, ok := err.(*HTTPError)
	if ok {
		*target = herr
	}
	return ok
}
