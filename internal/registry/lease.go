package registry

import (
	"sync"
	"time"
)

// Lease is one unit of load held on an agent.
type Lease struct {
	registry *Registry
	rec      *record
	once     sync.Once
}

// Agent returns the leased agent.
func (l *Lease) Agent() Agent { return l.rec.agent }

// AgentID returns the leased agent's ID.
func (l *Lease) AgentID() string { return l.rec.desc.ID }

// AgentType returns the leased agent's type.
func (l *Lease) AgentType() string { return l.rec.desc.Type }

// Complete records the outcome in the agent's metrics.
func (l *Lease) Complete(success bool, elapsed time.Duration) {
	l.registry.complete(l.rec, success, elapsed)
}

// Release gives the load back. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.registry.release(l.rec) })
}
