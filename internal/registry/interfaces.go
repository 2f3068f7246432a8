package registry

import (
	"context"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
)

// Agent is the narrow contract the orchestrator needs from a specialist.
type Agent interface {
	ID() string
	Type() string
	Status() models.AgentStatus
	ExecuteTask(ctx context.Context, spec models.TaskSpec, actx *models.AgentContext) (*models.TaskResult, error)
}

// Descriptor holds the selection attributes an agent registers with.
type Descriptor struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	// TaskTypes restricts which task types the agent accepts; empty means any.
	TaskTypes     []string                 `json:"task_types,omitempty"`
	MaxLoad       int                      `json:"max_load"`
	MaxComplexity int                      `json:"max_complexity"`
	Capabilities  []models.AgentCapability `json:"capabilities,omitempty"`
}

// Request describes the agent a task needs.
type Request struct {
	AgentType  string
	TaskType   string
	Complexity int
	// Exclude skips agents by ID, e.g. while their circuit breaker is open.
	Exclude func(agentID string) bool
}

// AgentInfo is a point-in-time view of a registered agent.
type AgentInfo struct {
	Descriptor
	Status  models.AgentStatus  `json:"status"`
	Load    int                 `json:"load"`
	Metrics models.AgentMetrics `json:"metrics"`
}
