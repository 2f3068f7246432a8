package sdkerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindMatching(t *testing.T) {
	err := ScopeViolation("SCOPE_BUDGET_EXCEEDED", "complexity budget exceeded").
		WithDetail("check", "budget")

	assert.True(t, errors.Is(err, ErrScopeViolation))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, ErrScopeViolation, KindOf(err))
	assert.Equal(t, "SCOPE_BUDGET_EXCEEDED", CodeOf(err))
	assert.Equal(t, "[SCOPE_BUDGET_EXCEEDED] complexity budget exceeded", err.Error())
}

func TestWrappedCauseStillReachable(t *testing.T) {
	err := TaskExecution("AGENT_FAILED", "agent returned an error", context.Canceled)
	wrapped := fmt.Errorf("delegate: %w", err)

	assert.True(t, errors.Is(wrapped, ErrTaskExecution))
	assert.True(t, errors.Is(wrapped, context.Canceled))
	assert.Equal(t, "task_execution_error", KindName(wrapped))
	assert.Contains(t, wrapped.Error(), "context canceled")
}

func TestToMap(t *testing.T) {
	err := Validation("RESULT_REJECTED", "result failed validation").
		WithDetail("reason", "low_confidence")

	m := err.ToMap()
	require.Equal(t, "validation_error", m["error"])
	assert.Equal(t, "RESULT_REJECTED", m["code"])
	details, ok := m["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "low_confidence", details["reason"])
}

func TestNonSDKErrors(t *testing.T) {
	plain := errors.New("boom")
	assert.Nil(t, KindOf(plain))
	assert.Equal(t, "", CodeOf(plain))
	assert.Equal(t, "internal_error", KindName(plain))
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("queue: %w", RateLimit("QUEUE_FULL", "task queue is full"))
	assert.True(t, IsKind(err, ErrRateLimit))
	assert.False(t, IsKind(err, ErrTimeout))
	assert.False(t, IsKind(errors.New("plain"), ErrRateLimit))
}
