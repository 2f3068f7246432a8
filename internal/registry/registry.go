package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/metrics"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

const (
	defaultMaxLoad       = 1
	defaultMaxComplexity = models.MaxComplexity
)

type record struct {
	agent   Agent
	desc    Descriptor
	status  models.AgentStatus
	load    int
	seq     uint64
	metrics models.AgentMetrics
}

func (r *record) supports(taskType string) bool {
	if len(r.desc.TaskTypes) == 0 {
		return true
	}
	for _, t := range r.desc.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

func (r *record) info() AgentInfo {
	d := r.desc
	d.TaskTypes = append([]string(nil), r.desc.TaskTypes...)
	d.Capabilities = append([]models.AgentCapability(nil), r.desc.Capabilities...)
	m := r.metrics
	if d.MaxLoad > 0 {
		m.CurrentLoad = float64(r.load) / float64(d.MaxLoad)
	}
	return AgentInfo{Descriptor: d, Status: r.status, Load: r.load, Metrics: m}
}

// Registry tracks agents and hands out load-balanced leases.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*record
	seq    uint64
	logger *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{agents: make(map[string]*record), logger: logger}
}

// Register inserts or replaces an agent. Re-registering keeps the agent's
// original position in tie-breaks, its metrics and the load of leases still
// outstanding.
func (r *Registry) Register(agent Agent, desc Descriptor) error {
	if agent == nil {
		return sdkerrors.Configuration("AGENT_REQUIRED", "agent cannot be nil")
	}
	if desc.ID == "" {
		desc.ID = agent.ID()
	}
	if desc.Type == "" {
		desc.Type = agent.Type()
	}
	if desc.ID == "" || desc.Type == "" {
		return sdkerrors.Configuration("AGENT_DESCRIPTOR_INVALID", "agent id and type are required")
	}
	if desc.MaxLoad <= 0 {
		desc.MaxLoad = defaultMaxLoad
	}
	if desc.MaxComplexity <= 0 {
		desc.MaxComplexity = defaultMaxComplexity
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec := &record{agent: agent, desc: desc, status: models.AgentStatusActive}
	if prev, ok := r.agents[desc.ID]; ok {
		rec.seq = prev.seq
		rec.metrics = prev.metrics
		rec.load = prev.load
	} else {
		r.seq++
		rec.seq = r.seq
	}
	r.agents[desc.ID] = rec
	metrics.AgentLoad.WithLabelValues(desc.ID, desc.Type).Set(float64(rec.load))

	r.logger.Info("Agent registered",
		zap.String("agent_id", desc.ID),
		zap.String("agent_type", desc.Type),
		zap.Int("max_load", desc.MaxLoad),
		zap.Int("max_complexity", desc.MaxComplexity),
	)
	return nil
}

// Unregister removes an agent. Outstanding leases release harmlessly.
func (r *Registry) Unregister(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return false
	}
	delete(r.agents, agentID)
	metrics.AgentLoad.DeleteLabelValues(agentID, rec.desc.Type)
	r.logger.Info("Agent unregistered", zap.String("agent_id", agentID))
	return true
}

// SetStatus changes the registry-side status of an agent.
func (r *Registry) SetStatus(agentID string, status models.AgentStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return false
	}
	rec.status = status
	return true
}

// GetBestAgent reserves the least-loaded eligible agent. Ties go to the agent
// registered first. The caller must release the lease.
func (r *Registry) GetBestAgent(req Request) (*Lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *record
	for _, rec := range r.agents {
		if !r.eligible(rec, req) {
			continue
		}
		if best == nil || rec.load < best.load || (rec.load == best.load && rec.seq < best.seq) {
			best = rec
		}
	}
	if best == nil {
		metrics.AgentSelections.WithLabelValues(req.AgentType, "unavailable").Inc()
		return nil, false
	}
	best.load++
	metrics.AgentSelections.WithLabelValues(req.AgentType, "selected").Inc()
	metrics.AgentLoad.WithLabelValues(best.desc.ID, best.desc.Type).Set(float64(best.load))
	return &Lease{registry: r, rec: best}, true
}

func (r *Registry) eligible(rec *record, req Request) bool {
	if rec.desc.Type != req.AgentType {
		return false
	}
	if rec.status != models.AgentStatusActive || !rec.agent.Status().Accepting() {
		return false
	}
	if !rec.supports(req.TaskType) {
		return false
	}
	if rec.load >= rec.desc.MaxLoad || req.Complexity > rec.desc.MaxComplexity {
		return false
	}
	if req.Exclude != nil && req.Exclude(rec.desc.ID) {
		return false
	}
	return true
}

// current resolves a leased record to the live one for the same agent. A
// re-registration keeps seq, so leases taken before it follow the agent; a
// record removed by Unregister stays orphaned. Caller holds r.mu.
func (r *Registry) current(rec *record) (*record, bool) {
	if cur, ok := r.agents[rec.desc.ID]; ok && cur.seq == rec.seq {
		return cur, true
	}
	return rec, false
}

func (r *Registry) release(rec *record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, live := r.current(rec)
	if cur.load > 0 {
		cur.load--
	}
	if live {
		metrics.AgentLoad.WithLabelValues(cur.desc.ID, cur.desc.Type).Set(float64(cur.load))
	}
}

func (r *Registry) complete(rec *record, success bool, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, _ := r.current(rec)
	cur.metrics.Record(success, elapsed)
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(agentID string) (AgentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return AgentInfo{}, false
	}
	return rec.info(), true
}

// Agent returns the registered implementation.
func (r *Registry) Agent(agentID string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return rec.agent, true
}

// List returns agents in registration order; an empty type lists all.
func (r *Registry) List(agentType string) []AgentInfo {
	r.mu.Lock()
	recs := make([]*record, 0, len(r.agents))
	for _, rec := range r.agents {
		if agentType == "" || rec.desc.Type == agentType {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]AgentInfo, len(recs))
	for i, rec := range recs {
		out[i] = rec.info()
	}
	r.mu.Unlock()
	return out
}

// Types returns the distinct registered agent types, sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for _, rec := range r.agents {
		seen[rec.desc.Type] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Metrics returns the running execution metrics of an agent.
func (r *Registry) Metrics(agentID string) (models.AgentMetrics, bool) {
	info, ok := r.Get(agentID)
	if !ok {
		return models.AgentMetrics{}, false
	}
	return info.Metrics, true
}

// Len reports the number of registered agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}
