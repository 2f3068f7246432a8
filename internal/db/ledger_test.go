package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/rules"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := New(sqlx.NewDb(raw, DriverSQLite), Config{Workers: 1}, zaptest.NewLogger(t))
	t.Cleanup(func() {
		mock.ExpectClose()
		_ = c.Close()
	})
	return c, mock
}

func sampleExecution(t *testing.T) models.TaskExecution {
	t.Helper()
	spec, err := models.NewTaskSpec("backend", "api_design", "design the orders API", 4)
	require.NoError(t, err)
	start := time.Now().UTC().Add(-3 * time.Second)
	end := start.Add(1500 * time.Millisecond)
	return models.TaskExecution{
		TaskID:      spec.TaskID,
		Spec:        spec,
		AgentID:     "backend-1",
		Status:      models.TaskStatusCompleted,
		CreatedAt:   start,
		StartedAt:   &start,
		CompletedAt: &end,
		Result:      &models.TaskResult{Content: "done", ConfidenceScore: 0.9},
		Metadata:    map[string]interface{}{"progress": 1.0},
	}
}

func TestFromExecution(t *testing.T) {
	exec := sampleExecution(t)
	rec := FromExecution(exec)
	assert.Equal(t, exec.TaskID, rec.TaskID)
	assert.Equal(t, "backend", rec.AgentType)
	assert.Equal(t, int64(1500), rec.DurationMs)
	require.NotNil(t, rec.Content)
	assert.Equal(t, "done", *rec.Content)
	assert.Nil(t, rec.ErrorMessage)
	assert.Equal(t, 5, rec.Priority)

	v, err := rec.Metadata.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"progress":1}`, v.(string))
}

func TestMigrate(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS task_executions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_task_executions_created").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS phase_transitions").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, c.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveExecutionUpserts(t *testing.T) {
	c, mock := newMockClient(t)
	exec := sampleExecution(t)
	mock.ExpectExec("(?s)INSERT INTO task_executions.*ON CONFLICT \\(task_id\\) DO UPDATE").
		WithArgs(exec.TaskID, "backend", "api_design", "backend-1", "design the orders API", 4, 5,
			"", "completed", sqlmock.AnyArg(), sqlmock.AnyArg(), 0.9, int64(1500),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.SaveExecution(context.Background(), FromExecution(exec)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveExecutionError(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec("INSERT INTO task_executions").WillReturnError(errors.New("disk full"))

	err := c.SaveExecution(context.Background(), FromExecution(sampleExecution(t)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrDatabase))
	assert.Equal(t, "LEDGER_WRITE_FAILED", sdkerrors.CodeOf(err))
}

func TestGetExecution(t *testing.T) {
	c, mock := newMockClient(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"task_id", "agent_type", "task_type", "status", "created_at", "metadata"}).
		AddRow("t-1", "research", "web_research", "failed", created, `{"attempt":1}`)
	mock.ExpectQuery("SELECT \\* FROM task_executions WHERE task_id = \\?").
		WithArgs("t-1").
		WillReturnRows(rows)

	rec, err := c.GetExecution(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "research", rec.AgentType)
	assert.Equal(t, created, rec.CreatedAt)
	assert.Equal(t, float64(1), rec.Metadata["attempt"])

	mock.ExpectQuery("SELECT \\* FROM task_executions WHERE task_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"task_id"}))
	_, err = c.GetExecution(context.Background(), "missing")
	assert.Equal(t, "LEDGER_NOT_FOUND", sdkerrors.CodeOf(err))
}

func TestRecentExecutions(t *testing.T) {
	c, mock := newMockClient(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"task_id", "status", "created_at"}).
		AddRow("t-2", "completed", now).
		AddRow("t-1", "timeout", now.Add(-time.Minute))
	mock.ExpectQuery("SELECT \\* FROM task_executions ORDER BY created_at DESC LIMIT \\?").
		WithArgs(100).
		WillReturnRows(rows)

	recs, err := c.RecentExecutions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "t-2", recs[0].TaskID)
}

func TestAsyncWritesDrainOnClose(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	c := New(sqlx.NewDb(raw, DriverSQLite), Config{Workers: 1}, zaptest.NewLogger(t))

	at := time.Now().UTC()
	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs("t-1", "agent-1", "research", "research", 3, "initialization", "completed", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO phase_transitions").
		WithArgs("initialization", "research", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectClose()

	c.RecordAudit(rules.AuditEntry{
		TaskID: "t-1", AgentID: "agent-1", AgentType: "research", TaskType: "research",
		Complexity: 3, Phase: rules.PhaseInitialization, Status: models.TaskStatusCompleted, Timestamp: at,
	})
	done := make(chan error, 1)
	c.QueueWrite(WriteTypePhaseTransition, rules.PhaseTransition{
		From: rules.PhaseInitialization, To: rules.PhaseResearch, At: at,
	}, func(err error) { done <- err })

	require.NoError(t, <-done)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJSONBScan(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan([]byte(`{"a":"b"}`)))
	assert.Equal(t, "b", j["a"])
	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j)
	assert.Error(t, j.Scan(42))
}
