package db

import (
	"context"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

// Statements are written to run unchanged on sqlite3 and postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS task_executions (
		task_id          TEXT PRIMARY KEY,
		agent_type       TEXT NOT NULL,
		task_type        TEXT NOT NULL,
		agent_id         TEXT NOT NULL DEFAULT '',
		description      TEXT NOT NULL,
		complexity       INTEGER NOT NULL,
		priority         INTEGER NOT NULL,
		project_id       TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		content          TEXT,
		error_message    TEXT,
		confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		duration_ms      BIGINT NOT NULL DEFAULT 0,
		created_at       TIMESTAMP NOT NULL,
		started_at       TIMESTAMP,
		completed_at     TIMESTAMP,
		metadata         TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_executions_created ON task_executions (created_at)`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id          INTEGER PRIMARY KEY,
		task_id     TEXT NOT NULL,
		agent_id    TEXT NOT NULL,
		agent_type  TEXT NOT NULL,
		task_type   TEXT NOT NULL,
		complexity  INTEGER NOT NULL,
		phase       TEXT NOT NULL,
		status      TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS phase_transitions (
		id              INTEGER PRIMARY KEY,
		from_phase      TEXT NOT NULL,
		to_phase        TEXT NOT NULL,
		transitioned_at TIMESTAMP NOT NULL
	)`,
}

// postgres needs identity columns for the surrogate keys.
var postgresSchema = []string{
	schema[0],
	schema[1],
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id          BIGSERIAL PRIMARY KEY,
		task_id     TEXT NOT NULL,
		agent_id    TEXT NOT NULL,
		agent_type  TEXT NOT NULL,
		task_type   TEXT NOT NULL,
		complexity  INTEGER NOT NULL,
		phase       TEXT NOT NULL,
		status      TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS phase_transitions (
		id              BIGSERIAL PRIMARY KEY,
		from_phase      TEXT NOT NULL,
		to_phase        TEXT NOT NULL,
		transitioned_at TIMESTAMP NOT NULL
	)`,
}

// Migrate creates the ledger tables if they do not exist.
func (c *Client) Migrate(ctx context.Context) error {
	stmts := schema
	if c.db.DriverName() == DriverPostgres {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return sdkerrors.Database("LEDGER_MIGRATION_FAILED", "failed to apply ledger schema", err)
		}
	}
	return nil
}
