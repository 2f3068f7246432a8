package agents

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/mcp"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

type fakeMCP struct {
	servers map[string]bool
	err     error

	mu    sync.Mutex
	calls []map[string]interface{}
}

func (f *fakeMCP) Has(server string) bool { return f.servers[server] }

func (f *fakeMCP) Call(ctx context.Context, server, method string, params map[string]interface{}) (*mcp.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &mcp.Result{
		Server:     server,
		Method:     method,
		Text:       "three libraries compared",
		Structured: map[string]interface{}{"sources": []interface{}{"https://example.org/lib"}},
	}, nil
}

func echoCompleter(captured *CompletionRequest) Completer {
	return CompleterFunc(func(ctx context.Context, req CompletionRequest) (*Completion, error) {
		if captured != nil {
			*captured = req
		}
		return &Completion{Content: "Detailed findings about the requested topic."}, nil
	})
}

func newSpecialist(t *testing.T, cfg Config, c Completer, opts ...Option) *Specialist {
	t.Helper()
	s, err := NewSpecialist(cfg, c, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func researchSpec(t *testing.T) models.TaskSpec {
	t.Helper()
	spec, err := models.NewTaskSpec(models.AgentTypeResearch, "research", "Compare websocket libraries", 5)
	require.NoError(t, err)
	return spec
}

func TestNewSpecialistDefaults(t *testing.T) {
	s, err := NewSpecialist(Config{Type: models.AgentTypeBackend}, echoCompleter(nil), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Regexp(t, `^backend_[0-9a-f]{8}$`, s.ID())
	assert.Equal(t, models.AgentStatusOffline, s.Status())
	assert.Contains(t, s.TaskTypes(), "api_development")

	d := s.Descriptor()
	assert.Equal(t, 3, d.MaxLoad)
	assert.Equal(t, models.MaxComplexity, d.MaxComplexity)

	_, err = NewSpecialist(Config{Type: models.AgentTypeBackend}, nil, nil)
	assert.True(t, errors.Is(err, sdkerrors.ErrConfiguration))
	_, err = NewSpecialist(Config{Type: "astrologer"}, echoCompleter(nil), nil)
	assert.Equal(t, "AGENT_CAPABILITIES_REQUIRED", sdkerrors.CodeOf(err))
}

func TestExecuteWithMCP(t *testing.T) {
	caller := &fakeMCP{servers: map[string]bool{"web_search": true}}
	var req CompletionRequest
	s := newSpecialist(t, Config{Type: models.AgentTypeResearch}, echoCompleter(&req), WithMCP(caller))

	res, err := s.ExecuteTask(context.Background(), researchSpec(t), nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, res.Status)
	assert.Equal(t, 0.85, res.ConfidenceScore)
	assert.Equal(t, []string{"https://example.org/lib"}, res.Sources)
	assert.Equal(t, true, res.Metadata["mcp_used"])
	assert.Equal(t, false, res.Metadata["fallback_used"])

	require.Len(t, caller.calls, 1)
	assert.Equal(t, "medium", caller.calls[0]["complexity_level"])
	require.NotEmpty(t, req.Messages)
	assert.Contains(t, req.Messages[len(req.Messages)-1].Content, "three libraries compared")
	assert.NotEmpty(t, req.SystemPrompt)

	m := s.Metrics()
	assert.Equal(t, 1, m.TasksCompleted)
}

func TestExecuteFallsBackWhenMCPFails(t *testing.T) {
	caller := &fakeMCP{servers: map[string]bool{"web_search": true}, err: errors.New("connection refused")}
	s := newSpecialist(t, Config{Type: models.AgentTypeResearch}, echoCompleter(nil), WithMCP(caller))

	res, err := s.ExecuteTask(context.Background(), researchSpec(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.75, res.ConfidenceScore)
	assert.Equal(t, true, res.Metadata["fallback_used"])
}

func TestExecuteWithoutMCPServer(t *testing.T) {
	s := newSpecialist(t, Config{Type: models.AgentTypeResearch}, echoCompleter(nil))
	res, err := s.ExecuteTask(context.Background(), researchSpec(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.75, res.ConfidenceScore)
}

func TestCompleterConfidenceWins(t *testing.T) {
	c := CompleterFunc(func(ctx context.Context, req CompletionRequest) (*Completion, error) {
		return &Completion{Content: "answer with strong evidence", Confidence: 0.95}, nil
	})
	s := newSpecialist(t, Config{Type: models.AgentTypeResearch}, c)
	res, err := s.ExecuteTask(context.Background(), researchSpec(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.95, res.ConfidenceScore)
}

func TestPromptFromContext(t *testing.T) {
	var req CompletionRequest
	s := newSpecialist(t, Config{Type: models.AgentTypeResearch}, echoCompleter(&req))
	actx := &models.AgentContext{
		Prompt:  &models.SystemPrompt{Content: "Custom research prompt"},
		History: []models.Message{{Role: "assistant", Content: "previous answer"}},
	}
	_, err := s.ExecuteTask(context.Background(), researchSpec(t), actx)
	require.NoError(t, err)
	assert.Equal(t, "Custom research prompt", req.SystemPrompt)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "previous answer", req.Messages[0].Content)
}

func TestAdmissionChecks(t *testing.T) {
	ctx := context.Background()

	offline, err := NewSpecialist(Config{Type: models.AgentTypeResearch}, echoCompleter(nil), zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = offline.ExecuteTask(ctx, researchSpec(t), nil)
	assert.Equal(t, "AGENT_NOT_ONLINE", sdkerrors.CodeOf(err))

	s := newSpecialist(t, Config{Type: models.AgentTypeResearch}, echoCompleter(nil))
	spec, err := models.NewTaskSpec(models.AgentTypeResearch, "deployment", "Ship it", 2)
	require.NoError(t, err)
	_, err = s.ExecuteTask(ctx, spec, nil)
	assert.Equal(t, "TASK_TYPE_UNSUPPORTED", sdkerrors.CodeOf(err))

	restricted := newSpecialist(t, Config{Type: models.AgentTypeResearch, Permissions: []string{"task:analysis"}}, echoCompleter(nil))
	_, err = restricted.ExecuteTask(ctx, researchSpec(t), nil)
	assert.True(t, errors.Is(err, sdkerrors.ErrTaskExecution))
	assert.Equal(t, "PERMISSION_DENIED", sdkerrors.CodeOf(err))

	s.SetMaintenance(true)
	_, err = s.ExecuteTask(ctx, researchSpec(t), nil)
	assert.Equal(t, "AGENT_NOT_ONLINE", sdkerrors.CodeOf(err))
	s.SetMaintenance(false)
	assert.Equal(t, models.AgentStatusActive, s.Status())
}

func TestConcurrencyGuard(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	c := CompleterFunc(func(ctx context.Context, req CompletionRequest) (*Completion, error) {
		started <- struct{}{}
		<-release
		return &Completion{Content: "finished after waiting"}, nil
	})
	s := newSpecialist(t, Config{Type: models.AgentTypeResearch, MaxConcurrent: 1}, c)

	first := researchSpec(t)
	done := make(chan error, 1)
	go func() {
		_, err := s.ExecuteTask(context.Background(), first, nil)
		done <- err
	}()
	<-started
	assert.Equal(t, models.AgentStatusBusy, s.Status())

	_, err := s.ExecuteTask(context.Background(), researchSpec(t), nil)
	assert.Equal(t, "AGENT_AT_CAPACITY", sdkerrors.CodeOf(err))

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, models.AgentStatusActive, s.Status())
}

func TestCompletionFailureIsRecorded(t *testing.T) {
	c := CompleterFunc(func(ctx context.Context, req CompletionRequest) (*Completion, error) {
		return nil, errors.New("llm down")
	})
	s := newSpecialist(t, Config{Type: models.AgentTypeResearch}, c)
	_, err := s.ExecuteTask(context.Background(), researchSpec(t), nil)
	require.Error(t, err)
	assert.Equal(t, "AGENT_EXECUTION_FAILED", sdkerrors.CodeOf(err))
	assert.Equal(t, 1, s.Metrics().TasksFailed)
}
