package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/remy/internal/apperr"
)

// StatusError carries the HTTP status of a failed provider call so the retry
// policy can distinguish transient overload from permanent request errors.
type StatusError struct {
	Provider string
	Code     int
	Err      error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Code, e.Err)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == 429 || e.Code >= 500:
		return apperr.Wrap(apperr.ErrTransientProvider, e.Err)
	default:
		return apperr.Wrap(apperr.ErrPermanentProvider, e.Err)
	}
}

// IsRateLimit reports whether err is an HTTP 429 from a provider.
func IsRateLimit(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == 429
}

// IsRetryable reports whether err warrants another attempt: 5xx, 429, or a
// network timeout. Permanent 4xx errors fail immediately (spec.md §4.F).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, apperr.ErrTransientProvider)
}

// RetryPolicy is the shared provider retry schedule: MaxAttempts tries with
// BaseDelay*2^attempt backoff for 5xx/overload, and the longer RateLimitDelays
// schedule for 429s since provider windows reset on the minute.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	RateLimitDelays []time.Duration
}

// DefaultRetryPolicy mirrors the spec's numbers: 3 attempts, 2s base, 30s/60s
// for rate limits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BaseDelay:       2 * time.Second,
		RateLimitDelays: []time.Duration{30 * time.Second, 60 * time.Second},
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

// Delay returns the sleep before retrying after attempt (0-based).
func (p RetryPolicy) Delay(attempt int, rateLimited bool) time.Duration {
	if rateLimited {
		if attempt < len(p.RateLimitDelays) {
			return p.RateLimitDelays[attempt]
		}
		return 60 * time.Second
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	return base * (1 << attempt)
}

// Retry runs fn up to the policy's attempt count, sleeping between retryable
// failures. fn reports whether any work became externally visible before the
// error — once a stream has delivered events the state machine has advanced
// and the call must not be retried (spec.md §4.H).
func (p RetryPolicy) Retry(ctx context.Context, log zerolog.Logger, fn func() (started bool, err error)) error {
	var lastErr error
	for attempt := 0; attempt < p.attempts(); attempt++ {
		started, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if started || !IsRetryable(err) || attempt == p.attempts()-1 {
			return err
		}
		delay := p.Delay(attempt, IsRateLimit(err))
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("provider call failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
