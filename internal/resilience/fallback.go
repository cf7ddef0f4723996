package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrAllFailed is matched by the error returned when every entry in a
// [FallbackGroup] fails or has an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// AllFailedError reports the failure of every entry in a [FallbackGroup].
// Errs holds one error per attempted entry in registration order, so callers
// can inspect each backend's failure with errors.Is / errors.As.
type AllFailedError struct {
	Errs []error
}

func (e *AllFailedError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAllFailed, strings.Join(msgs, "; "))
}

// Is matches [ErrAllFailed].
func (e *AllFailedError) Is(target error) bool { return target == ErrAllFailed }

// Unwrap exposes the per-entry errors.
func (e *AllFailedError) Unwrap() []error { return e.Errs }

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker.
	CircuitBreaker CircuitBreakerConfig

	// Halt, if set, reports errors that end failover immediately. The error is
	// returned as-is and not counted against the entry's breaker. Use it for
	// caller cancellation.
	Halt func(error) bool
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// backend type. When the primary fails (or its circuit breaker is open), the
// next healthy fallback is tried in registration order.
//
// Entries must be registered before the group is shared; Execute is then safe
// for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback. Fallbacks are tried in the order they are
// added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	if cbCfg.Exclude == nil {
		cbCfg.Exclude = fg.cfg.Halt
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of registered entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Execute tries fn against each entry in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one
// succeeds, returning the result. Entries whose breaker is open are skipped.
// When every entry fails the error is an [*AllFailedError].
//
// This is a package-level function because Go does not support method-level
// type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		errs []error
		zero R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		if fg.cfg.Halt != nil && fg.cfg.Halt(err) {
			return zero, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend (circuit open)", "backend", entry.name)
			continue
		}
		if i < len(fg.entries)-1 {
			slog.Warn("backend failed, trying next", "backend", entry.name, "err", err)
		}
	}
	return zero, &AllFailedError{Errs: errs}
}
