package circuitbreaker

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/metrics"
)

// Group lazily keeps one breaker per agent.
type Group struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   Config
	logger   *zap.Logger
}

// NewGroup creates a breaker group sharing one configuration.
func NewGroup(config Config, logger *zap.Logger) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{breakers: make(map[string]*CircuitBreaker), config: config, logger: logger}
}

// Get returns the breaker for an agent, creating it on first use.
func (g *Group) Get(agentID string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[agentID]; ok {
		return cb
	}
	cfg := g.config
	user := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to State) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		if user != nil {
			user(name, from, to)
		}
	}
	cb := NewCircuitBreaker(agentID, cfg, g.logger)
	g.breakers[agentID] = cb
	metrics.BreakerState.WithLabelValues(agentID).Set(float64(StateClosed))
	return cb
}

// Execute runs fn through the agent's breaker.
func (g *Group) Execute(ctx context.Context, agentID string, fn func(context.Context) error) error {
	return g.Get(agentID).Execute(ctx, fn)
}

// Open reports whether the agent should be skipped during selection.
// Agents without a breaker yet are never open.
func (g *Group) Open(agentID string) bool {
	g.mu.Lock()
	cb, ok := g.breakers[agentID]
	g.mu.Unlock()
	return ok && !cb.Allow()
}

// Remove forgets an agent's breaker.
func (g *Group) Remove(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.breakers[agentID]; ok {
		delete(g.breakers, agentID)
		metrics.BreakerState.DeleteLabelValues(agentID)
	}
}

// States snapshots every breaker state by agent ID.
func (g *Group) States() map[string]string {
	g.mu.Lock()
	ids := make([]string, 0, len(g.breakers))
	for id := range g.breakers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	cbs := make([]*CircuitBreaker, len(ids))
	for i, id := range ids {
		cbs[i] = g.breakers[id]
	}
	g.mu.Unlock()

	out := make(map[string]string, len(ids))
	for i, id := range ids {
		out[id] = cbs[i].State().String()
	}
	return out
}
