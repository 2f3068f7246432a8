package models

import "time"

// TaskExecution is a snapshot of one task's lifecycle bookkeeping.
type TaskExecution struct {
	TaskID      string                 `json:"task_id"`
	Spec        TaskSpec               `json:"spec"`
	AgentID     string                 `json:"agent_id,omitempty"`
	Status      TaskStatus             `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Deadline    *time.Time             `json:"deadline,omitempty"`
	Result      *TaskResult            `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Duration is the time from start to completion, or zero if unknown.
func (e TaskExecution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// Clone returns a copy that shares no mutable state with e.
func (e TaskExecution) Clone() TaskExecution {
	out := e
	out.Spec.Metadata = copyMap(e.Spec.Metadata)
	out.Metadata = copyMap(e.Metadata)
	out.StartedAt = copyTime(e.StartedAt)
	out.CompletedAt = copyTime(e.CompletedAt)
	out.Deadline = copyTime(e.Deadline)
	if e.Result != nil {
		r := *e.Result
		r.Sources = append([]string(nil), e.Result.Sources...)
		r.Metadata = copyMap(e.Result.Metadata)
		out.Result = &r
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
