// Package inference implements the hybrid inference layer: circuit breaker,
// token estimation, model routing and fallback analysis.
package inference

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Check while the breaker is OPEN.
var ErrCircuitOpen = errors.New("circuit breaker open, primary model unavailable")

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker protects the primary model from repeated failures.
//
// Failures are counted in a sliding window; reaching the threshold trips the
// breaker OPEN. After the recovery timeout the next read moves it HALF_OPEN,
// where one success closes it and one failure re-opens it. Transitions out of
// OPEN are lazy: there is no background goroutine.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	window           time.Duration
	recoveryTimeout  time.Duration

	state    BreakerState
	failures []time.Time
	openedAt time.Time

	now func() time.Time
}

// NewCircuitBreaker creates a breaker with the given threshold and timings.
func NewCircuitBreaker(failureThreshold int, window, recoveryTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		window:           window,
		recoveryTimeout:  recoveryTimeout,
		state:            BreakerClosed,
		now:              time.Now,
	}
}

// State returns the current state, applying the lazy OPEN -> HALF_OPEN
// transition when the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.recoveryTimeout {
		cb.state = BreakerHalfOpen
		slog.Info("Circuit breaker half-open, probing primary model")
	}
	return cb.state
}

// Allows reports whether the primary model may be called.
func (cb *CircuitBreaker) Allows() bool {
	return cb.State() != BreakerOpen
}

// Check fails fast with ErrCircuitOpen while the breaker is OPEN.
func (cb *CircuitBreaker) Check() error {
	if !cb.Allows() {
		return ErrCircuitOpen
	}
	return nil
}

// Reset returns the breaker to CLOSED with an empty window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = nil
	slog.Info("Circuit breaker reset")
}

// ForceOpen trips the breaker regardless of the failure count.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	slog.Warn("Circuit breaker forced open")
}

// Metrics reports the breaker state for diagnostics.
func (cb *CircuitBreaker) Metrics() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked()
	m := map[string]any{
		"state":         cb.stateLocked(),
		"failure_count": len(cb.failures),
		"threshold":     cb.failureThreshold,
	}
	if !cb.openedAt.IsZero() {
		m["opened_at"] = cb.openedAt
	}
	return m
}

// RecordSuccess notes a successful primary call. In HALF_OPEN it closes the
// breaker and clears the failure window.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case BreakerHalfOpen:
		cb.state = BreakerClosed
		cb.failures = nil
		slog.Info("Circuit breaker closed after successful probe")
	case BreakerClosed:
		cb.pruneLocked()
	}
}

// RecordFailure notes a failed primary call. In HALF_OPEN it re-opens the
// breaker immediately; in CLOSED it trips once the windowed count reaches
// the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.stateLocked() {
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.openedAt = now
		slog.Warn("Circuit breaker re-opened, probe failed")
	case BreakerClosed:
		cb.failures = append(cb.failures, now)
		cb.pruneLocked()
		if len(cb.failures) >= cb.failureThreshold {
			cb.state = BreakerOpen
			cb.openedAt = now
			slog.Warn("Circuit breaker opened",
				"failures", len(cb.failures), "window", cb.window)
		}
	case BreakerOpen:
		// Already open, nothing to count.
	}
}

// FailureCount returns the number of failures inside the sliding window.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked()
	return len(cb.failures)
}

func (cb *CircuitBreaker) pruneLocked() {
	cutoff := cb.now().Add(-cb.window)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}
