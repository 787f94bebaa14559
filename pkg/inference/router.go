package inference

import "log/slog"

// RouteReason explains a routing decision.
type RouteReason string

const (
	ReasonPrimary         RouteReason = "primary"
	ReasonExtendedContext RouteReason = "extended_context"
	ReasonCircuitOpen     RouteReason = "circuit_open"
	ReasonForcedFallback  RouteReason = "forced_fallback"
)

// Decision is the outcome of routing one request.
type Decision struct {
	Model      string
	Reason     RouteReason
	TokenCount int
}

// ModelRouter selects the model for a request. Priority order:
// forced fallback, open circuit, extended context, primary.
type ModelRouter struct {
	primary  string
	fallback string
	extended string

	extendedThreshold int
	breaker           *CircuitBreaker
}

// NewModelRouter creates a router over the three-model hierarchy.
func NewModelRouter(primary, fallback, extended string, extendedThreshold int, breaker *CircuitBreaker) *ModelRouter {
	return &ModelRouter{
		primary:           primary,
		fallback:          fallback,
		extended:          extended,
		extendedThreshold: extendedThreshold,
		breaker:           breaker,
	}
}

// Primary returns the primary model name.
func (r *ModelRouter) Primary() string { return r.primary }

// Fallback returns the fallback model name.
func (r *ModelRouter) Fallback() string { return r.fallback }

// Extended returns the extended-context model name.
func (r *ModelRouter) Extended() string { return r.extended }

// Route picks a model for the given estimated token count.
func (r *ModelRouter) Route(tokenCount int, forceFallback bool) Decision {
	d := Decision{TokenCount: tokenCount}
	switch {
	case forceFallback:
		d.Model, d.Reason = r.fallback, ReasonForcedFallback
	case !r.breaker.Allows():
		d.Model, d.Reason = r.fallback, ReasonCircuitOpen
	case tokenCount >= r.extendedThreshold:
		d.Model, d.Reason = r.extended, ReasonExtendedContext
	default:
		d.Model, d.Reason = r.primary, ReasonPrimary
	}
	slog.Debug("Routed request", "model", d.Model, "reason", d.Reason, "tokens", tokenCount)
	return d
}

// FallbackFor returns the next model down the chain from current, or ""
// when the chain is exhausted. The chain prefers the extended model first
// because it is the most stable under safety filtering.
func (r *ModelRouter) FallbackFor(current string) string {
	switch current {
	case r.primary, "":
		return r.extended
	case r.extended:
		return r.fallback
	default:
		return ""
	}
}
