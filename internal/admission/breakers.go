// Package admission provides the per-backend breaker map.
package admission

import (
	"sync"
	"time"
)

// BreakerGroup owns one CircuitBreaker per backend. Breaker state is
// node-local: replicas converge on a backend's health independently, which
// trades cross-node consistency for sub-millisecond checks. The group is
// injected into the controller; there is no process-wide instance.
type BreakerGroup struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	configs  map[string]CircuitBreakerConfig
	fallback CircuitBreakerConfig
	now      func() time.Time
	metrics  *Metrics
}

// NewBreakerGroup constructs a group with a default config for backends
// that have no explicit entry in the rule document.
func NewBreakerGroup(fallback CircuitBreakerConfig, now func() time.Time, metrics *Metrics) *BreakerGroup {
	if now == nil {
		now = time.Now
	}
	return &BreakerGroup{
		breakers: make(map[string]*CircuitBreaker),
		configs:  make(map[string]CircuitBreakerConfig),
		fallback: fallback,
		now:      now,
		metrics:  metrics,
	}
}

// Configure replaces the per-backend configs from a rule snapshot.
// Existing breakers keep running with their original config until the
// backend's breaker is recreated; new backends pick up the new config.
func (g *BreakerGroup) Configure(configs []CircuitBreakerConfig) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.configs = make(map[string]CircuitBreakerConfig, len(configs))
	for _, cfg := range configs {
		g.configs[cfg.BackendID] = cfg
	}
}

// Get returns the breaker for a backend, creating it lazily.
func (g *BreakerGroup) Get(backendID string) *CircuitBreaker {
	if g == nil || backendID == "" {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[backendID]; ok {
		return cb
	}
	cfg, ok := g.configs[backendID]
	if !ok {
		cfg = g.fallback
		cfg.BackendID = backendID
	}
	cb := NewCircuitBreaker(cfg, g.now, g.transitionHook(backendID))
	g.breakers[backendID] = cb
	return cb
}

// Record feeds a downstream outcome into a backend's breaker.
func (g *BreakerGroup) Record(backendID string, success bool) {
	cb := g.Get(backendID)
	if cb != nil {
		cb.Record(success)
	}
}

// States returns a snapshot of backend states for diagnostics.
func (g *BreakerGroup) States() map[string]CircuitState {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]CircuitState, len(g.breakers))
	for id, cb := range g.breakers {
		out[id] = cb.State()
	}
	return out
}

func (g *BreakerGroup) transitionHook(backendID string) func(from, to CircuitState) {
	return func(from, to CircuitState) {
		if g.metrics != nil {
			g.metrics.BreakerTransition(backendID, to)
		}
	}
}
