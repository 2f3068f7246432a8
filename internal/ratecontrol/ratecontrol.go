package ratecontrol

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/metrics"
)

// Limit is a token bucket setting. A non-positive rate means unlimited.
type Limit struct {
	RatePerSecond float64 `mapstructure:"rate_per_second" json:"rate_per_second"`
	Burst         int     `mapstructure:"burst" json:"burst"`
}

// FromRPM converts a requests-per-minute budget to a Limit.
func FromRPM(rpm int) Limit {
	if rpm <= 0 {
		return Limit{}
	}
	return Limit{RatePerSecond: float64(rpm) / 60.0, Burst: int(math.Max(1, math.Ceil(float64(rpm)/60.0)))}
}

// Unlimited reports whether the limit never throttles.
func (l Limit) Unlimited() bool { return l.RatePerSecond <= 0 }

// CombineLimits keeps the stricter positive rate of a and b.
func CombineLimits(a, b Limit) Limit {
	switch {
	case a.Unlimited():
		return b
	case b.Unlimited():
		return a
	}
	out := Limit{RatePerSecond: math.Min(a.RatePerSecond, b.RatePerSecond), Burst: minPositive(a.Burst, b.Burst)}
	return out
}

func minPositive(a, b int) int {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// Controller throttles task admission per agent type.
type Controller struct {
	mu       sync.RWMutex
	global   Limit
	perType  map[string]Limit
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

// NewController builds a controller. global applies to every agent type and
// is combined with any per-type limit.
func NewController(global Limit, perType map[string]Limit, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		global:   global,
		perType:  make(map[string]Limit, len(perType)),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
	for k, v := range perType {
		c.perType[k] = v
	}
	return c
}

// SetLimit replaces the limit for one agent type.
func (c *Controller) SetLimit(agentType string, limit Limit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perType[agentType] = limit
	delete(c.limiters, agentType)
}

// LimitFor returns the effective limit of an agent type.
func (c *Controller) LimitFor(agentType string) Limit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CombineLimits(c.global, c.perType[agentType])
}

func (c *Controller) limiter(agentType string) *rate.Limiter {
	c.mu.RLock()
	l, ok := c.limiters[agentType]
	c.mu.RUnlock()
	if ok {
		return l
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[agentType]; ok {
		return l
	}
	limit := CombineLimits(c.global, c.perType[agentType])
	if limit.Unlimited() {
		l = rate.NewLimiter(rate.Inf, 0)
	} else {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(limit.RatePerSecond), burst)
	}
	c.limiters[agentType] = l
	return l
}

// Allow reports whether a task for agentType may start now.
func (c *Controller) Allow(agentType string) bool {
	if c == nil {
		return true
	}
	if c.limiter(agentType).Allow() {
		return true
	}
	metrics.RateLimited.WithLabelValues(agentType).Inc()
	c.logger.Warn("Task rate limited", zap.String("agent_type", agentType))
	return false
}

// RetryAfter estimates how long until agentType admits another task.
func (c *Controller) RetryAfter(agentType string) time.Duration {
	if c == nil {
		return 0
	}
	r := c.limiter(agentType).Reserve()
	defer r.Cancel()
	if !r.OK() {
		return 0
	}
	return r.Delay()
}
