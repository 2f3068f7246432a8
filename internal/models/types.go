package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

// Complexity bounds accepted by TaskSpec.
const (
	MinComplexity = 1
	MaxComplexity = 10
)

// Priority orders queued work. Values follow the levels used by callers.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 5
	PriorityHigh     Priority = 7
	PriorityCritical Priority = 10
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// TaskStatus is the lifecycle state of a task execution.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusDelegated  TaskStatus = "delegated"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusTimeout    TaskStatus = "timeout"
)

// IsTerminal reports whether no further transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	}
	return false
}

// rank orders the non-terminal states; terminal states share the highest rank.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusDelegated:
		return 1
	case TaskStatusInProgress:
		return 2
	default:
		return 3
	}
}

// CanTransition reports whether moving from s to next keeps the lifecycle moving forward.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// TaskSpec describes one unit of delegated work. It is immutable once built:
// it is passed by value and Metadata is copied on the way in and out.
type TaskSpec struct {
	TaskID      string                 `json:"task_id"`
	AgentType   string                 `json:"agent_type"`
	TaskType    string                 `json:"task_type"`
	Description string                 `json:"description"`
	Complexity  int                    `json:"complexity"`
	Priority    Priority               `json:"priority"`
	ProjectID   string                 `json:"project_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// TaskOption customises a TaskSpec at construction time.
type TaskOption func(*TaskSpec)

func WithPriority(p Priority) TaskOption { return func(s *TaskSpec) { s.Priority = p } }

func WithProjectID(id string) TaskOption { return func(s *TaskSpec) { s.ProjectID = id } }

// WithTaskID overrides the generated identifier. Used when replaying recorded tasks.
func WithTaskID(id string) TaskOption { return func(s *TaskSpec) { s.TaskID = id } }

func WithMetadata(md map[string]interface{}) TaskOption {
	return func(s *TaskSpec) { s.Metadata = copyMap(md) }
}

// NewTaskSpec builds and validates a task spec with a fresh task id.
func NewTaskSpec(agentType, taskType, description string, complexity int, opts ...TaskOption) (TaskSpec, error) {
	spec := TaskSpec{
		TaskID:      uuid.New().String(),
		AgentType:   strings.TrimSpace(agentType),
		TaskType:    strings.TrimSpace(taskType),
		Description: description,
		Complexity:  complexity,
		Priority:    PriorityMedium,
		CreatedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&spec)
	}
	if err := spec.Validate(); err != nil {
		return TaskSpec{}, err
	}
	return spec, nil
}

// Validate checks the fields every downstream component relies on.
func (s TaskSpec) Validate() error {
	var issues []string
	if s.TaskID == "" {
		issues = append(issues, "task_id is required")
	}
	if s.AgentType == "" {
		issues = append(issues, "agent_type is required")
	}
	if s.TaskType == "" {
		issues = append(issues, "task_type is required")
	}
	if strings.TrimSpace(s.Description) == "" {
		issues = append(issues, "description is required")
	}
	if s.Complexity < MinComplexity || s.Complexity > MaxComplexity {
		issues = append(issues, fmt.Sprintf("complexity must be between %d and %d, got %d", MinComplexity, MaxComplexity, s.Complexity))
	}
	if len(issues) == 0 {
		return nil
	}
	return sdkerrors.Validation("INVALID_TASK_SPEC", strings.Join(issues, "; ")).
		WithDetail("issues", issues)
}

// MetadataCopy returns a copy of the spec metadata.
func (s TaskSpec) MetadataCopy() map[string]interface{} {
	return copyMap(s.Metadata)
}

// TaskResult is what an agent returns for a task.
type TaskResult struct {
	TaskID          string                 `json:"task_id"`
	AgentID         string                 `json:"agent_id"`
	Status          TaskStatus             `json:"status"`
	Content         string                 `json:"content"`
	ExecutionTime   time.Duration          `json:"execution_time"`
	ConfidenceScore float64                `json:"confidence_score"`
	Sources         []string               `json:"sources,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Message is one entry of the conversation history handed to an agent.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// SystemPrompt is a validated prompt file held in the prompt cache.
type SystemPrompt struct {
	AgentType    string                 `json:"agent_type"`
	TaskType     string                 `json:"task_type,omitempty"`
	Content      string                 `json:"content"`
	Checksum     string                 `json:"checksum"`
	Version      string                 `json:"version"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	SourcePath   string                 `json:"source_path"`
	Size         int64                  `json:"size"`
	LastModified time.Time              `json:"last_modified"`
	LoadedAt     time.Time              `json:"loaded_at"`
}

// AgentContext bundles everything an agent needs for one task. It belongs to
// the call that prepared it.
type AgentContext struct {
	Prompt      *SystemPrompt          `json:"prompt"`
	History     []Message              `json:"history,omitempty"`
	MCPContext  map[string]interface{} `json:"mcp_context,omitempty"`
	Task        TaskSpec               `json:"task"`
	ContextHash string                 `json:"context_hash"`
	PreparedAt  time.Time              `json:"prepared_at"`
}

// AgentStatus is the operational state reported by an agent.
type AgentStatus string

const (
	AgentStatusOffline     AgentStatus = "offline"
	AgentStatusStarting    AgentStatus = "starting"
	AgentStatusActive      AgentStatus = "active"
	AgentStatusBusy        AgentStatus = "busy"
	AgentStatusMaintenance AgentStatus = "maintenance"
	AgentStatusError       AgentStatus = "error"
)

// Accepting reports whether an agent in this state may receive new work.
func (s AgentStatus) Accepting() bool {
	return s == AgentStatusActive || s == AgentStatusBusy
}

// AgentCapability is a named skill an agent advertises.
type AgentCapability struct {
	Name               string   `json:"name" yaml:"name"`
	Description        string   `json:"description" yaml:"description"`
	RequiresMCP        bool     `json:"requires_mcp" yaml:"requires_mcp"`
	MCPServer          string   `json:"mcp_server,omitempty" yaml:"mcp_server"`
	SupportedTaskTypes []string `json:"supported_task_types" yaml:"supported_task_types"`
}

// AgentMetrics are running totals for one agent.
type AgentMetrics struct {
	TasksCompleted       int           `json:"tasks_completed"`
	TasksSucceeded       int           `json:"tasks_succeeded"`
	TasksFailed          int           `json:"tasks_failed"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	CurrentLoad          float64       `json:"current_load"`
	LastActivity         time.Time     `json:"last_activity,omitempty"`
}

// Record folds one finished task into the running totals.
func (m *AgentMetrics) Record(success bool, elapsed time.Duration) {
	m.TasksCompleted++
	if success {
		m.TasksSucceeded++
	} else {
		m.TasksFailed++
	}
	n := time.Duration(m.TasksCompleted)
	m.AverageExecutionTime = (m.AverageExecutionTime*(n-1) + elapsed) / n
	m.LastActivity = time.Now().UTC()
}

// SuccessRate is succeeded/completed, 0 when nothing ran yet.
func (m AgentMetrics) SuccessRate() float64 {
	if m.TasksCompleted == 0 {
		return 0
	}
	return float64(m.TasksSucceeded) / float64(m.TasksCompleted)
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
