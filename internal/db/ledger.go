package db

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/rules"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

const upsertExecution = `
	INSERT INTO task_executions (
		task_id, agent_type, task_type, agent_id, description, complexity, priority,
		project_id, status, content, error_message, confidence_score, duration_ms,
		created_at, started_at, completed_at, metadata
	) VALUES (
		:task_id, :agent_type, :task_type, :agent_id, :description, :complexity, :priority,
		:project_id, :status, :content, :error_message, :confidence_score, :duration_ms,
		:created_at, :started_at, :completed_at, :metadata
	)
	ON CONFLICT (task_id) DO UPDATE SET
		agent_id = excluded.agent_id,
		status = excluded.status,
		content = excluded.content,
		error_message = excluded.error_message,
		confidence_score = excluded.confidence_score,
		duration_ms = excluded.duration_ms,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at,
		metadata = excluded.metadata`

// SaveExecution inserts or updates an execution row keyed by task id.
func (c *Client) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	if _, err := c.db.NamedExecContext(ctx, upsertExecution, rec); err != nil {
		return sdkerrors.Database("LEDGER_WRITE_FAILED", "failed to save task execution", err).
			WithDetail("task_id", rec.TaskID)
	}
	c.logger.Debug("Task execution saved",
		zap.String("task_id", rec.TaskID),
		zap.String("status", rec.Status),
	)
	return nil
}

// SaveAudit appends an audit row.
func (c *Client) SaveAudit(ctx context.Context, rec AuditRecord) error {
	_, err := c.db.NamedExecContext(ctx, `
		INSERT INTO audit_entries (task_id, agent_id, agent_type, task_type, complexity, phase, status, recorded_at)
		VALUES (:task_id, :agent_id, :agent_type, :task_type, :complexity, :phase, :status, :recorded_at)`, rec)
	if err != nil {
		return sdkerrors.Database("LEDGER_WRITE_FAILED", "failed to save audit entry", err).
			WithDetail("task_id", rec.TaskID)
	}
	return nil
}

// SavePhaseTransition appends a phase change row.
func (c *Client) SavePhaseTransition(ctx context.Context, t rules.PhaseTransition) error {
	_, err := c.db.ExecContext(ctx,
		c.db.Rebind(`INSERT INTO phase_transitions (from_phase, to_phase, transitioned_at) VALUES (?, ?, ?)`),
		t.From.String(), t.To.String(), t.At)
	if err != nil {
		return sdkerrors.Database("LEDGER_WRITE_FAILED", "failed to save phase transition", err)
	}
	return nil
}

// GetExecution loads one execution by task id.
func (c *Client) GetExecution(ctx context.Context, taskID string) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	err := c.db.GetContext(ctx, &rec, c.db.Rebind(`SELECT * FROM task_executions WHERE task_id = ?`), taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sdkerrors.Database("LEDGER_NOT_FOUND", "task execution not found", err).
			WithDetail("task_id", taskID)
	}
	if err != nil {
		return nil, sdkerrors.Database("LEDGER_READ_FAILED", "failed to load task execution", err)
	}
	return &rec, nil
}

// RecentExecutions lists executions, newest first.
func (c *Client) RecentExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []ExecutionRecord
	err := c.db.SelectContext(ctx, &recs,
		c.db.Rebind(`SELECT * FROM task_executions ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, sdkerrors.Database("LEDGER_READ_FAILED", "failed to list task executions", err)
	}
	return recs, nil
}

// AuditTrail lists audit rows for a phase, oldest first. An empty phase lists all.
func (c *Client) AuditTrail(ctx context.Context, phase string) ([]AuditRecord, error) {
	query := `SELECT * FROM audit_entries ORDER BY id`
	args := []interface{}{}
	if phase != "" {
		query = `SELECT * FROM audit_entries WHERE phase = ? ORDER BY id`
		args = append(args, phase)
	}
	var recs []AuditRecord
	if err := c.db.SelectContext(ctx, &recs, c.db.Rebind(query), args...); err != nil {
		return nil, sdkerrors.Database("LEDGER_READ_FAILED", "failed to list audit entries", err)
	}
	return recs, nil
}

// PhaseTransitions lists recorded phase changes, oldest first.
func (c *Client) PhaseTransitions(ctx context.Context) ([]TransitionRecord, error) {
	var recs []TransitionRecord
	if err := c.db.SelectContext(ctx, &recs, `SELECT * FROM phase_transitions ORDER BY id`); err != nil {
		return nil, sdkerrors.Database("LEDGER_READ_FAILED", "failed to list phase transitions", err)
	}
	return recs, nil
}
