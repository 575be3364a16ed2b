// Package admission provides the per-backend circuit breaker.
package admission

import (
	"sync"
	"time"
)

// CircuitState represents breaker state.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// Label returns the metric label for a state.
func (s CircuitState) Label() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker is a closed/open/half-open state machine driven by the
// failure rate over a count-based rolling window of outcomes. It is a pure
// admission gate plus bookkeeping; it never calls the backend, and failure
// classification is supplied by the caller.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg CircuitBreakerConfig
	now func() time.Time

	state    CircuitState
	window   []bool
	idx      int
	filled   int
	failures int

	openedAt          time.Time
	halfOpenAdmitted  int
	halfOpenSuccesses int

	onTransition func(from, to CircuitState)
}

// NewCircuitBreaker constructs a breaker with normalized thresholds.
func NewCircuitBreaker(cfg CircuitBreakerConfig, now func() time.Time, onTransition func(from, to CircuitState)) *CircuitBreaker {
	if cfg.FailureRateThreshold <= 0 || cfg.FailureRateThreshold > 1 {
		cfg.FailureRateThreshold = 0.5
	}
	if cfg.SlidingWindowSize <= 0 {
		cfg.SlidingWindowSize = 10
	}
	if cfg.WaitDurationOpen <= 0 {
		cfg.WaitDurationOpen = 30 * time.Second
	}
	if cfg.HalfOpenPermittedCalls <= 0 {
		cfg.HalfOpenPermittedCalls = 3
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		cfg:          cfg,
		now:          now,
		state:        CircuitClosed,
		window:       make([]bool, cfg.SlidingWindowSize),
		onTransition: onTransition,
	}
}

// Allow reports whether a call to the backend should proceed.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.WaitDurationOpen {
			return false
		}
		cb.transitionLocked(CircuitHalfOpen)
		cb.halfOpenAdmitted = 1
		return true
	case CircuitHalfOpen:
		if cb.halfOpenAdmitted < cb.cfg.HalfOpenPermittedCalls {
			cb.halfOpenAdmitted++
			return true
		}
		return false
	default:
		return true
	}
}

// Record feeds a downstream outcome back into the state machine.
func (cb *CircuitBreaker) Record(success bool) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		cb.pushLocked(success)
		if cb.filled >= cb.cfg.SlidingWindowSize && cb.rateLocked() > cb.cfg.FailureRateThreshold {
			cb.openLocked()
		}
	case CircuitHalfOpen:
		if !success {
			cb.openLocked()
			return
		}
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.cfg.HalfOpenPermittedCalls {
			cb.resetLocked()
			cb.transitionLocked(CircuitClosed)
		}
	case CircuitOpen:
		// Late outcome from a call admitted before opening; ignore.
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	if cb == nil {
		return CircuitClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RemainingOpen reports how long the breaker stays open before probing.
func (cb *CircuitBreaker) RemainingOpen() time.Duration {
	if cb == nil {
		return 0
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return 0
	}
	remaining := cb.cfg.WaitDurationOpen - cb.now().Sub(cb.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// OpenedAt returns when the breaker last opened.
func (cb *CircuitBreaker) OpenedAt() time.Time {
	if cb == nil {
		return time.Time{}
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.openedAt
}

func (cb *CircuitBreaker) pushLocked(success bool) {
	if cb.filled == cb.cfg.SlidingWindowSize {
		if !cb.window[cb.idx] {
			cb.failures--
		}
	} else {
		cb.filled++
	}
	cb.window[cb.idx] = success
	if !success {
		cb.failures++
	}
	cb.idx = (cb.idx + 1) % cb.cfg.SlidingWindowSize
}

func (cb *CircuitBreaker) rateLocked() float64 {
	if cb.filled == 0 {
		return 0
	}
	return float64(cb.failures) / float64(cb.filled)
}

func (cb *CircuitBreaker) openLocked() {
	cb.openedAt = cb.now()
	cb.resetLocked()
	cb.transitionLocked(CircuitOpen)
}

func (cb *CircuitBreaker) resetLocked() {
	for i := range cb.window {
		cb.window[i] = false
	}
	cb.idx = 0
	cb.filled = 0
	cb.failures = 0
	cb.halfOpenAdmitted = 0
	cb.halfOpenSuccesses = 0
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onTransition != nil {
		cb.onTransition(from, to)
	}
}
