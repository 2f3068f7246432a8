package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/rules"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

func input(phase, criterion string, taskTypes ...string) rules.CriteriaInput {
	return rules.CriteriaInput{
		Phase:              phase,
		Criterion:          criterion,
		CompletedTaskTypes: taskTypes,
		AgentTypes:         []string{"research"},
	}
}

func TestBundledPolicy(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.True(t, e.IsEnabled())
	assert.Len(t, e.Version(), 12)

	tests := []struct {
		name string
		in   rules.CriteriaInput
		want bool
	}{
		{"always operational", input("initialization", "team_leader_operational"), true},
		{"subsystems need agents", rules.CriteriaInput{Phase: "initialization", Criterion: "subsystems_initialized"}, false},
		{"subsystems with agents", input("initialization", "subsystems_initialized"), true},
		{"research done", input("research", "research_completed", "research"), true},
		{"research missing", input("research", "research_completed", "analysis"), false},
		{"unknown criterion", input("research", "stars_aligned", "research"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Satisfied(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicyDirectory(t *testing.T) {
	dir := t.TempDir()
	custom := `package teamleader.criteria

import rego.v1

default satisfied := false

satisfied if input.tasks_completed >= 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.rego"), []byte(custom), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	cfg := DefaultConfig()
	cfg.Path = dir
	e, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	ok, err := e.Satisfied(ctx, rules.CriteriaInput{Phase: "research", Criterion: "anything", TasksCompleted: 1})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = e.Satisfied(ctx, rules.CriteriaInput{Phase: "research", Criterion: "anything", TasksCompleted: 2})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestObjectDecision(t *testing.T) {
	dir := t.TempDir()
	policy := `package teamleader.criteria

import rego.v1

satisfied := {"satisfied": input.criterion == "ok", "reason": "object form"}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "obj.rego"), []byte(policy), 0o644))
	cfg := DefaultConfig()
	cfg.Path = dir
	e, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ok, err := e.Satisfied(context.Background(), rules.CriteriaInput{Criterion: "ok"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.Satisfied(context.Background(), rules.CriteriaInput{Criterion: "nope"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDryRunNeverBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeDryRun
	e, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	ok, err := e.Satisfied(context.Background(), input("research", "research_completed"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFailClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.FailClosed = true
	_, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrConfiguration))
	assert.Equal(t, "POLICY_NOT_FOUND", sdkerrors.CodeOf(err))
}

func TestFailOpenWithoutPolicies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	e, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, e.IsEnabled())

	ok, err := e.Satisfied(context.Background(), input("research", "research_completed"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompileError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package teamleader.criteria\nsatisfied if {"), 0o644))
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.FailClosed = true
	_, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Equal(t, "POLICY_COMPILE_FAILED", sdkerrors.CodeOf(err))
}

func TestModeOff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeOff
	cfg.FailClosed = true
	e, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, e.IsEnabled())

	ok, err := e.Satisfied(context.Background(), input("initialization", "team_leader_operational"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManualSignOffAndCache(t *testing.T) {
	checklist := rules.NewChecklist()
	e, err := NewEngine(DefaultConfig(), zaptest.NewLogger(t), WithManualSignOffs(checklist))
	require.NoError(t, err)
	ctx := context.Background()

	in := input("planning", "architecture_approved")
	ok, err := e.Satisfied(ctx, in)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, _ = e.Satisfied(ctx, in)
	assert.False(t, ok)
	hits, misses := e.CacheStats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	checklist.Mark(rules.PhasePlanning, "architecture_approved")
	ok, err = e.Satisfied(ctx, in)
	require.NoError(t, err)
	assert.True(t, ok)

	// reloading clears cached decisions
	require.NoError(t, e.LoadPolicies(ctx))
	checklist.Unmark(rules.PhasePlanning, "architecture_approved")
	_, _ = e.Satisfied(ctx, in)
	_, misses = e.CacheStats()
	assert.Equal(t, int64(2), misses)
}

func TestEngineDrivesPhaseProgression(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	re, err := rules.NewEngine(rules.Config{}, zaptest.NewLogger(t), rules.WithCriteriaEvaluator(e))
	require.NoError(t, err)

	assert.False(t, re.ProgressTo(ctx, rules.PhaseResearch))
	re.RegisterAgentType("research")
	assert.True(t, re.ProgressTo(ctx, rules.PhaseResearch))
}
