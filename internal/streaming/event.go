package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// Event types emitted over a task's lifetime.
const (
	EventTaskQueued    = "task_queued"
	EventTaskDelegated = "task_delegated"
	EventTaskStarted   = "task_started"
	EventTaskProgress  = "task_progress"
	EventTaskLog       = "task_log"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskTimeout   = "task_timeout"
	EventTaskCancelled = "task_cancelled"
	EventPhaseChanged  = "phase_changed"
)

// AllTasks is the subscription key that receives every event.
const AllTasks = "*"

// Event is one task lifecycle notification.
type Event struct {
	TaskID    string                 `json:"task_id"`
	Type      string                 `json:"type"`
	AgentID   string                 `json:"agent_id,omitempty"`
	AgentType string                 `json:"agent_type,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns the JSON payload of the event.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, evt Event) error
}
