package inference

import (
	"log/slog"
	"sync"
	"time"

	"github.com/scoopge/scoop/pkg/llm"
)

// Config tunes the hybrid inference manager.
type Config struct {
	PrimaryModel  string
	FallbackModel string
	ExtendedModel string

	CircuitFailureThreshold int
	CircuitWindow           time.Duration
	CircuitRecoveryTimeout  time.Duration

	ExtendedContextThreshold int
	SafetyMultiplier         float64

	MaxRetries int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PrimaryModel:             "gemini-3-flash-preview",
		FallbackModel:            "gemini-2.5-flash",
		ExtendedModel:            "gemini-2.5-pro",
		CircuitFailureThreshold:  5,
		CircuitWindow:            60 * time.Second,
		CircuitRecoveryTimeout:   60 * time.Second,
		ExtendedContextThreshold: 150_000,
		SafetyMultiplier:         1.1,
		MaxRetries:               2,
	}
}

// Metrics counts manager-level outcomes.
type Metrics struct {
	TotalRequests    int `json:"total_requests"`
	PrimarySuccesses int `json:"primary_successes"`
	FallbackUses     int `json:"fallback_uses"`
	ExtendedUses     int `json:"extended_uses"`
	CircuitTrips     int `json:"circuit_trips"`
	Retries          int `json:"retries"`
	SafetyBlocks     int `json:"safety_blocks"`
	RecitationBlocks int `json:"recitation_blocks"`
}

// Manager composes the breaker, estimator, router and trigger behind one
// interface for the conversation engine.
type Manager struct {
	config Config

	Breaker   *CircuitBreaker
	Estimator *TokenEstimator
	Router    *ModelRouter
	Trigger   *FallbackTrigger

	mu      sync.Mutex
	metrics Metrics
	retries int
}

// NewManager builds a manager from config.
func NewManager(cfg Config) *Manager {
	breaker := NewCircuitBreaker(cfg.CircuitFailureThreshold, cfg.CircuitWindow, cfg.CircuitRecoveryTimeout)
	m := &Manager{
		config:    cfg,
		Breaker:   breaker,
		Estimator: NewTokenEstimator(cfg.ExtendedContextThreshold).WithSafetyMultiplier(cfg.SafetyMultiplier),
		Router:    NewModelRouter(cfg.PrimaryModel, cfg.FallbackModel, cfg.ExtendedModel, cfg.ExtendedContextThreshold, breaker),
		Trigger:   NewFallbackTrigger(),
	}
	slog.Info("Hybrid inference manager initialized",
		"primary", cfg.PrimaryModel,
		"extended_threshold", cfg.ExtendedContextThreshold)
	return m
}

// Route selects a model for the message and history.
func (m *Manager) Route(message string, history []llm.Message, forceFallback bool) Decision {
	tokens := m.Estimator.Estimate(message) + m.Estimator.EstimateHistory(history)
	d := m.Router.Route(tokens, forceFallback)

	m.mu.Lock()
	m.metrics.TotalRequests++
	switch d.Model {
	case m.config.ExtendedModel:
		m.metrics.ExtendedUses++
	case m.config.FallbackModel:
		m.metrics.FallbackUses++
	}
	m.mu.Unlock()

	slog.Info("Routed request", "model", d.Model, "reason", d.Reason, "tokens", d.TokenCount)
	return d
}

// RecordSuccess notes a successful call. Only the primary model feeds the
// circuit breaker.
func (m *Manager) RecordSuccess(model string) {
	if model != m.config.PrimaryModel {
		return
	}
	m.Breaker.RecordSuccess()
	m.mu.Lock()
	m.metrics.PrimarySuccesses++
	m.retries = 0
	m.mu.Unlock()
}

// RecordFailure classifies a failure, feeds the breaker, and decides what to
// do next. Returns shouldRetry (same model) or a fallback decision; when
// both are zero-valued the caller gives up.
func (m *Manager) RecordFailure(err error, resp *llm.Response) (shouldRetry bool, fallback *Decision) {
	var d FallbackDecision
	if err != nil {
		d = m.Trigger.AnalyzeError(err)
	} else {
		d = m.Trigger.AnalyzeResponse(resp)
	}

	m.Breaker.RecordFailure()

	m.mu.Lock()
	switch d.Reason {
	case ReasonSafetyBlock:
		m.metrics.SafetyBlocks++
	case ReasonRecitationBlock:
		m.metrics.RecitationBlocks++
	}
	if m.Breaker.State() == BreakerOpen {
		m.metrics.CircuitTrips++
	}
	canRetry := d.Retryable && m.retries < m.config.MaxRetries
	if canRetry {
		m.retries++
		m.metrics.Retries++
	}
	m.mu.Unlock()

	if canRetry {
		slog.Info("Retrying primary model", "reason", d.Reason)
		return true, nil
	}
	if d.ShouldFallback {
		fd := m.Router.Route(0, true)
		m.mu.Lock()
		m.metrics.FallbackUses++
		m.mu.Unlock()
		slog.Warn("Falling back", "model", fd.Model, "reason", d.Reason)
		return false, &fd
	}
	return false, nil
}

// FallbackModelFor walks the fallback chain from current.
func (m *Manager) FallbackModelFor(current string) string {
	return m.Router.FallbackFor(current)
}

// Healthy reports whether the primary model is usable.
func (m *Manager) Healthy() bool {
	return m.Breaker.State() != BreakerOpen
}

// Snapshot returns a copy of the manager metrics.
func (m *Manager) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// Status reports the full inference layer state for diagnostics.
func (m *Manager) Status() map[string]any {
	return map[string]any{
		"circuit_breaker": map[string]any{
			"state":         m.Breaker.State(),
			"failure_count": m.Breaker.FailureCount(),
		},
		"model_router": map[string]any{
			"primary":  m.Router.Primary(),
			"fallback": m.Router.Fallback(),
			"extended": m.Router.Extended(),
		},
		"token_estimator": map[string]any{
			"extended_threshold": m.Estimator.ExtendedThreshold(),
		},
		"fallback_trigger": m.Trigger.Metrics(),
		"metrics":          m.Snapshot(),
	}
}
