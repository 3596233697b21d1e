// Package apperr gives the error taxonomy of spec.md §7 stable sentinels so
// callers can branch with errors.Is instead of matching strings.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientProvider is a 5xx/429/timeout from an LLM provider; retried
	// with backoff before surfacing.
	ErrTransientProvider = errors.New("transient provider error")
	// ErrPermanentProvider is a non-retryable 4xx (other than 429); triggers
	// the router's fallback chain immediately.
	ErrPermanentProvider = errors.New("permanent provider error")
	// ErrServiceUnavailable means every provider, including the local
	// fallback, is down.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrTool marks an error captured from a tool executor; never propagated,
	// only ever serialised into a tool-result string.
	ErrTool = errors.New("tool error")
	// ErrStorage is a database or file I/O failure.
	ErrStorage = errors.New("storage error")
	// ErrValidation marks a rejected input (bad session key, path traversal,
	// oversize input, rate limit).
	ErrValidation = errors.New("validation error")
	// ErrCancelled marks a user-initiated cancellation.
	ErrCancelled = errors.New("cancelled")
)

// Wrap attaches a taxonomy sentinel to err so errors.Is(wrapped, sentinel)
// succeeds, while keeping the original error's message and chain.
func Wrap(sentinel error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Validation builds a validation error with a caller-supplied reason string,
// matching spec.md §7's "returns a typed reason string to the caller".
func Validation(reason string) error {
	return fmt.Errorf("%w: %s", ErrValidation, reason)
}
