// Package resilience keeps the tutor reachable when a backend misbehaves.
//
// A [CircuitBreaker] stops sending turns to a backend after a run of failures
// and lets a few probe turns through once it has had time to recover. A
// [FallbackGroup] orders several backends of one type, each behind its own
// breaker, so a student's turn goes to the first backend that is both healthy
// and willing to answer.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the call was
// rejected without reaching the backend.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker defaults.
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 30 * time.Second
	DefaultHalfOpenMax  = 3
)

// State is the breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed.
	StateOpen

	// StateHalfOpen admits up to HalfOpenMax probe calls. Enough successes
	// close the breaker; any failure opens it again.
	StateHalfOpen
)

// String returns the state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values select the
// package defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and in OnStateChange.
	Name string

	// MaxFailures is the run of consecutive failures that opens the breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// HalfOpenMax is both the number of probes admitted while half-open and
	// the number of successful probes needed to close again.
	HalfOpenMax int

	// Exclude reports errors that say nothing about the backend's health,
	// such as the student stopping the session mid-turn. They neither count
	// as failures nor as successes.
	Exclude func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now. Tests use it to move past ResetTimeout.
	Now func() time.Time
}

// CircuitBreaker is a closed/open/half-open breaker.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	successes int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = DefaultHalfOpenMax
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute calls fn unless the breaker rejects the call, and feeds the result
// back into the breaker. fn's error is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it counts as a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var changed *transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		changed = cb.moveTo(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	var changed *transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	// A transition while the call was running (Reset, or another probe that
	// failed) makes this outcome stale.
	if probe && cb.state != StateHalfOpen {
		return
	}

	switch {
	case err != nil && cb.cfg.Exclude != nil && cb.cfg.Exclude(err):
		if probe {
			cb.probes--
		}
	case err != nil && probe:
		changed = cb.trip()
	case err != nil:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			changed = cb.trip()
		}
	case probe:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax {
			changed = cb.moveTo(StateClosed)
		}
	default:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) trip() *transition {
	cb.openedAt = cb.cfg.Now()
	return cb.moveTo(StateOpen)
}

type transition struct{ from, to State }

// moveTo changes state and clears the counters. Must be called with mu held.
func (cb *CircuitBreaker) moveTo(s State) *transition {
	t := &transition{from: cb.state, to: s}
	cb.state = s
	cb.failures = 0
	cb.probes = 0
	cb.successes = 0
	return t
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t == nil || t.from == t.to {
		return
	}
	level := slog.LevelInfo
	if t.to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", cb.cfg.Name, "from", t.from.String(), "to", t.to.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}

// State returns the breaker's state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and forgets all failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.moveTo(StateClosed)
	cb.mu.Unlock()
	cb.notify(t)
}
