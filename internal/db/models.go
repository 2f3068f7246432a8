package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/rules"
)

// JSONB is a JSON document column (jsonb on postgres, TEXT on sqlite).
type JSONB map[string]interface{}

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// ExecutionRecord is one row of task_executions.
type ExecutionRecord struct {
	TaskID          string     `db:"task_id" json:"task_id"`
	AgentType       string     `db:"agent_type" json:"agent_type"`
	TaskType        string     `db:"task_type" json:"task_type"`
	AgentID         string     `db:"agent_id" json:"agent_id"`
	Description     string     `db:"description" json:"description"`
	Complexity      int        `db:"complexity" json:"complexity"`
	Priority        int        `db:"priority" json:"priority"`
	ProjectID       string     `db:"project_id" json:"project_id,omitempty"`
	Status          string     `db:"status" json:"status"`
	Content         *string    `db:"content" json:"content,omitempty"`
	ErrorMessage    *string    `db:"error_message" json:"error_message,omitempty"`
	ConfidenceScore float64    `db:"confidence_score" json:"confidence_score"`
	DurationMs      int64      `db:"duration_ms" json:"duration_ms"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Metadata        JSONB      `db:"metadata" json:"metadata,omitempty"`
}

// FromExecution flattens an execution snapshot into a row.
func FromExecution(e models.TaskExecution) ExecutionRecord {
	rec := ExecutionRecord{
		TaskID:      e.TaskID,
		AgentType:   e.Spec.AgentType,
		TaskType:    e.Spec.TaskType,
		AgentID:     e.AgentID,
		Description: e.Spec.Description,
		Complexity:  e.Spec.Complexity,
		Priority:    int(e.Spec.Priority),
		ProjectID:   e.Spec.ProjectID,
		Status:      string(e.Status),
		CreatedAt:   e.CreatedAt,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		DurationMs:  e.Duration().Milliseconds(),
	}
	if len(e.Metadata) > 0 {
		rec.Metadata = JSONB(e.Metadata)
	}
	if e.Error != "" {
		msg := e.Error
		rec.ErrorMessage = &msg
	}
	if e.Result != nil {
		content := e.Result.Content
		rec.Content = &content
		rec.ConfidenceScore = e.Result.ConfidenceScore
	}
	return rec
}

// AuditRecord is one row of audit_entries.
type AuditRecord struct {
	ID         int64     `db:"id" json:"id"`
	TaskID     string    `db:"task_id" json:"task_id"`
	AgentID    string    `db:"agent_id" json:"agent_id"`
	AgentType  string    `db:"agent_type" json:"agent_type"`
	TaskType   string    `db:"task_type" json:"task_type"`
	Complexity int       `db:"complexity" json:"complexity"`
	Phase      string    `db:"phase" json:"phase"`
	Status     string    `db:"status" json:"status"`
	RecordedAt time.Time `db:"recorded_at" json:"recorded_at"`
}

func fromAudit(e rules.AuditEntry) AuditRecord {
	return AuditRecord{
		TaskID:     e.TaskID,
		AgentID:    e.AgentID,
		AgentType:  e.AgentType,
		TaskType:   e.TaskType,
		Complexity: e.Complexity,
		Phase:      e.Phase.String(),
		Status:     string(e.Status),
		RecordedAt: e.Timestamp,
	}
}

// TransitionRecord is one row of phase_transitions.
type TransitionRecord struct {
	ID        int64     `db:"id" json:"id"`
	FromPhase string    `db:"from_phase" json:"from_phase"`
	ToPhase   string    `db:"to_phase" json:"to_phase"`
	At        time.Time `db:"transitioned_at" json:"transitioned_at"`
}
