// Package resilience provides the circuit breaker that keeps a failing echo
// cancellation engine off the real-time frame path.
//
// [CircuitBreaker] is a classic three-state breaker (closed → open →
// half-open). The duplex loop wraps its per-frame engine calls in
// [CircuitBreaker.Execute]; while the breaker is open the loop skips the
// engine entirely and passes frames through, so a persistently failing engine
// costs nothing per cycle and is probed again after the reset timeout.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state: all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A limited
	// number of calls are allowed through; if they succeed the breaker closes,
	// otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 50 (one second of 20 ms frames).
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 5s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probe calls needed in the
	// half-open state to close the breaker. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Errors
	// it rejects are returned to the caller without changing state. Default:
	// every non-nil error counts.
	IsFailure func(error) bool

	// OnStateChange, when set, is called after every transition with the
	// breaker mutex released.
	OnStateChange func(name string, from, to State)

	// Now is the clock. Default: [time.Now].
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	halfOpenCalls   int
	halfOpenOK      int
	trips           int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 50
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
		state:         StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state a limited number
// of probe calls are permitted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			// Probe budget in flight; wait for the outcome.
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.halfOpenCalls++
	}
	opened := cb.state
	cb.mu.Unlock()
	if opened != from {
		cb.notify(from, opened)
	}

	err := fn()

	cb.mu.Lock()
	before := cb.state
	switch {
	case err == nil:
		cb.recordSuccess(inHalfOpen)
	case cb.isFailure(err):
		cb.recordFailure(inHalfOpen)
	case inHalfOpen:
		// Not the engine's fault; return the probe slot.
		cb.halfOpenCalls--
	}
	after := cb.state
	cb.mu.Unlock()

	if after != before {
		cb.notify(before, after)
	}
	return err
}

func (cb *CircuitBreaker) notify(from, to State) {
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.name, "from", from.String())
	case StateHalfOpen:
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
	case StateClosed:
		slog.Info("circuit breaker closed", "name", cb.name)
	}
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) {
	if inHalfOpen {
		// Any failure in half-open immediately re-opens.
		cb.trip()
		return
	}
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.consecutiveFail = 0
	cb.trips++
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.halfOpenCalls = 0
			cb.halfOpenOK = 0
		}
		return
	}
	cb.consecutiveFail = 0
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Trips returns how many times the breaker has opened.
func (cb *CircuitBreaker) Trips() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trips
}

// Reset manually forces the breaker back to [StateClosed], clearing all failure
// counters. The duplex loop resets its breaker after the session is
// re-prepared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
