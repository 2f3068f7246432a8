package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/circuitbreaker"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/ratecontrol"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/registry"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/streaming"
)

type fakeAgent struct {
	id, typ string
	run     func(ctx context.Context, spec models.TaskSpec) (*models.TaskResult, error)
	calls   atomic.Int32
}

func (a *fakeAgent) ID() string                 { return a.id }
func (a *fakeAgent) Type() string               { return a.typ }
func (a *fakeAgent) Status() models.AgentStatus { return models.AgentStatusActive }

func (a *fakeAgent) ExecuteTask(ctx context.Context, spec models.TaskSpec, _ *models.AgentContext) (*models.TaskResult, error) {
	a.calls.Add(1)
	return a.run(ctx, spec)
}

func okAgent(id string) *fakeAgent {
	return &fakeAgent{id: id, typ: "backend", run: func(context.Context, models.TaskSpec) (*models.TaskResult, error) {
		return &models.TaskResult{Content: "implemented the endpoint", ConfidenceScore: 0.9}, nil
	}}
}

func blockingAgent(id string) *fakeAgent {
	return &fakeAgent{id: id, typ: "backend", run: func(ctx context.Context, _ models.TaskSpec) (*models.TaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func newTestOrchestrator(t *testing.T, cfg Config, agents []*fakeAgent, opts ...Option) (*Orchestrator, *registry.Registry) {
	t.Helper()
	reg := registry.New(zaptest.NewLogger(t))
	for _, a := range agents {
		require.NoError(t, reg.Register(a, registry.Descriptor{MaxLoad: 2}))
	}
	return New(cfg, reg, zaptest.NewLogger(t), opts...), reg
}

func backendSpec(t *testing.T) models.TaskSpec {
	t.Helper()
	s, err := models.NewTaskSpec("backend", "api_development", "build the orders endpoint", 3)
	require.NoError(t, err)
	return s
}

func codeOf(err error) string { return sdkerrors.CodeOf(err) }

func TestExecuteTaskSuccess(t *testing.T) {
	orch, reg := newTestOrchestrator(t, Config{}, []*fakeAgent{okAgent("b1")})
	spec := backendSpec(t)

	result, err := orch.ExecuteTask(context.Background(), spec, nil, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, spec.TaskID, result.TaskID)
	assert.Equal(t, "b1", result.AgentID)
	assert.Equal(t, models.TaskStatusCompleted, result.Status)
	assert.Greater(t, result.ExecutionTime, time.Duration(0))

	exec, ok := orch.GetTaskStatus(spec.TaskID)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusCompleted, exec.Status)
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.CompletedAt)
	assert.Empty(t, orch.GetActiveTasks())

	info, _ := reg.Get("b1")
	assert.Equal(t, 0, info.Load)
	assert.Equal(t, 1, info.Metrics.TasksSucceeded)

	m := orch.Metrics()
	assert.Equal(t, int64(1), m.TotalTasks)
	assert.Equal(t, int64(1), m.CompletedTasks)
	assert.Equal(t, 1.0, m.SuccessRate)
	assert.Equal(t, DefaultMaxConcurrentTasks, m.MaxConcurrentTasks)
	assert.False(t, m.BackgroundLoopsRunning)
}

func TestExecuteTaskNoAgent(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{}, nil)
	spec := backendSpec(t)

	_, err := orch.ExecuteTask(context.Background(), spec, nil, ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrAgentUnavailable))
	assert.Equal(t, "NO_AGENT_AVAILABLE", codeOf(err))

	exec, ok := orch.GetTaskStatus(spec.TaskID)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusFailed, exec.Status)
	assert.Equal(t, int64(1), orch.Metrics().FailedTasks)
}

func TestExecuteTaskAgentError(t *testing.T) {
	failing := &fakeAgent{id: "b1", typ: "backend", run: func(context.Context, models.TaskSpec) (*models.TaskResult, error) {
		return nil, errors.New("compiler exploded")
	}}
	orch, reg := newTestOrchestrator(t, Config{}, []*fakeAgent{failing})

	_, err := orch.ExecuteTask(context.Background(), backendSpec(t), nil, ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrTaskExecution))
	assert.Contains(t, err.Error(), "compiler exploded")

	info, _ := reg.Get("b1")
	assert.Equal(t, 0, info.Load)
	assert.Equal(t, 1, info.Metrics.TasksFailed)
}

func TestExecuteTaskReportedFailure(t *testing.T) {
	agent := &fakeAgent{id: "b1", typ: "backend", run: func(context.Context, models.TaskSpec) (*models.TaskResult, error) {
		return &models.TaskResult{Status: models.TaskStatusFailed, ErrorMessage: "tests red"}, nil
	}}
	orch, _ := newTestOrchestrator(t, Config{}, []*fakeAgent{agent})

	spec := backendSpec(t)
	_, err := orch.ExecuteTask(context.Background(), spec, nil, ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrTaskExecution))

	exec, _ := orch.GetTaskStatus(spec.TaskID)
	assert.Equal(t, models.TaskStatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "tests red")
}

func TestExecuteTaskTimeout(t *testing.T) {
	orch, reg := newTestOrchestrator(t, Config{}, []*fakeAgent{blockingAgent("b1")})
	spec := backendSpec(t)

	_, err := orch.ExecuteTask(context.Background(), spec, nil, ExecuteOptions{Timeout: 30 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrTimeout))
	assert.Equal(t, "TASK_TIMEOUT", codeOf(err))

	exec, _ := orch.GetTaskStatus(spec.TaskID)
	assert.Equal(t, models.TaskStatusTimeout, exec.Status)
	assert.Equal(t, int64(1), orch.Metrics().TimedOutTasks)

	assert.Eventually(t, func() bool {
		info, _ := reg.Get("b1")
		return info.Load == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTimeoutReturnsBeforeStubbornAgent(t *testing.T) {
	release := make(chan struct{})
	stubborn := &fakeAgent{id: "b1", typ: "backend", run: func(context.Context, models.TaskSpec) (*models.TaskResult, error) {
		<-release
		return &models.TaskResult{Content: "too late"}, nil
	}}
	orch, reg := newTestOrchestrator(t, Config{}, []*fakeAgent{stubborn})

	start := time.Now()
	_, err := orch.ExecuteTask(context.Background(), backendSpec(t), nil, ExecuteOptions{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrTimeout))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// the agent still holds its lease until it returns
	info, _ := reg.Get("b1")
	assert.Equal(t, 1, info.Load)

	close(release)
	assert.Eventually(t, func() bool {
		info, _ := reg.Get("b1")
		return info.Load == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPerAgentTypeTimeout(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{AgentTimeouts: map[string]time.Duration{"backend": 15 * time.Millisecond}}, []*fakeAgent{blockingAgent("b1")})
	assert.Equal(t, 15*time.Millisecond, orch.timeoutFor("backend", 0))
	assert.Equal(t, DefaultTimeout, orch.timeoutFor("frontend", 0))
	assert.Equal(t, time.Second, orch.timeoutFor("backend", time.Second))

	_, err := orch.ExecuteTask(context.Background(), backendSpec(t), nil, ExecuteOptions{})
	assert.True(t, errors.Is(err, sdkerrors.ErrTimeout))
}

func TestCancelTask(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{}, []*fakeAgent{blockingAgent("b1")})
	spec := backendSpec(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := orch.ExecuteTask(context.Background(), spec, nil, ExecuteOptions{})
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		exec, ok := orch.GetTaskStatus(spec.TaskID)
		return ok && exec.Status == models.TaskStatusInProgress
	}, time.Second, 5*time.Millisecond)

	assert.True(t, orch.CancelTask(spec.TaskID))
	assert.False(t, orch.CancelTask(spec.TaskID))
	assert.False(t, orch.CancelTask("unknown"))

	select {
	case err := <-errCh:
		assert.Equal(t, "TASK_CANCELLED", codeOf(err))
	case <-time.After(time.Second):
		t.Fatal("ExecuteTask did not return after cancel")
	}
	exec, _ := orch.GetTaskStatus(spec.TaskID)
	assert.Equal(t, models.TaskStatusCancelled, exec.Status)
	assert.Equal(t, int64(1), orch.Metrics().CancelledTasks)
}

func TestCallerCancellation(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{}, []*fakeAgent{blockingAgent("b1")})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	spec := backendSpec(t)
	_, err := orch.ExecuteTask(ctx, spec, nil, ExecuteOptions{})
	assert.Equal(t, "TASK_CANCELLED", codeOf(err))
	exec, _ := orch.GetTaskStatus(spec.TaskID)
	assert.Equal(t, models.TaskStatusCancelled, exec.Status)
}

func TestSweepTimeouts(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{}, nil)
	spec := backendSpec(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := orch.begin(spec, -time.Second, cancel)
	require.NoError(t, err)

	assert.Equal(t, 1, orch.SweepTimeouts())
	assert.Equal(t, 0, orch.SweepTimeouts())
	assert.Error(t, ctx.Err())

	exec, _ := orch.GetTaskStatus(spec.TaskID)
	assert.Equal(t, models.TaskStatusTimeout, exec.Status)
	assert.Equal(t, "deadline exceeded", exec.Error)
}

func TestRateLimitedAdmission(t *testing.T) {
	limiter := ratecontrol.NewController(ratecontrol.Limit{}, map[string]ratecontrol.Limit{
		"backend": {RatePerSecond: 0.01, Burst: 1},
	}, zaptest.NewLogger(t))
	orch, _ := newTestOrchestrator(t, Config{}, []*fakeAgent{okAgent("b1")}, WithRateLimiter(limiter))

	_, err := orch.ExecuteTask(context.Background(), backendSpec(t), nil, ExecuteOptions{})
	require.NoError(t, err)
	_, err = orch.ExecuteTask(context.Background(), backendSpec(t), nil, ExecuteOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sdkerrors.ErrRateLimit))
	assert.Equal(t, "AGENT_RATE_LIMITED", codeOf(err))
	assert.Equal(t, int64(1), orch.Metrics().TotalTasks)
}

func TestOpenBreakerSkipsAgent(t *testing.T) {
	failing := &fakeAgent{id: "b1", typ: "backend", run: func(context.Context, models.TaskSpec) (*models.TaskResult, error) {
		return nil, errors.New("boom")
	}}
	breakers := circuitbreaker.NewGroup(circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Minute}, zaptest.NewLogger(t))
	orch, _ := newTestOrchestrator(t, Config{}, []*fakeAgent{failing}, WithBreakers(breakers))

	_, err := orch.ExecuteTask(context.Background(), backendSpec(t), nil, ExecuteOptions{})
	assert.True(t, errors.Is(err, sdkerrors.ErrTaskExecution))
	assert.True(t, breakers.Open("b1"))

	_, err = orch.ExecuteTask(context.Background(), backendSpec(t), nil, ExecuteOptions{})
	assert.Equal(t, "NO_AGENT_AVAILABLE", codeOf(err))
	assert.Equal(t, int32(1), failing.calls.Load())
}

func TestQueueDrainsInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	agent := &fakeAgent{id: "b1", typ: "backend", run: func(_ context.Context, spec models.TaskSpec) (*models.TaskResult, error) {
		mu.Lock()
		order = append(order, spec.TaskID)
		mu.Unlock()
		return &models.TaskResult{Content: "done with the work"}, nil
	}}
	orch, _ := newTestOrchestrator(t, Config{MaxConcurrentTasks: 1, QueuePollInterval: 10 * time.Millisecond}, []*fakeAgent{agent})

	var completed atomic.Int32
	specs := []models.TaskSpec{backendSpec(t), backendSpec(t), backendSpec(t)}
	for _, s := range specs {
		id, err := orch.QueueTask(s, nil, ExecuteOptions{OnComplete: func(res *models.TaskResult, err error) {
			if err == nil && res != nil {
				completed.Add(1)
			}
		}})
		require.NoError(t, err)
		assert.Equal(t, s.TaskID, id)
	}

	exec, ok := orch.GetTaskStatus(specs[0].TaskID)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusPending, exec.Status)
	assert.Equal(t, 3, orch.Metrics().QueuedTasks)

	ctx := context.Background()
	require.NoError(t, orch.Start(ctx))
	require.NoError(t, orch.Start(ctx))
	assert.True(t, orch.Metrics().BackgroundLoopsRunning)

	require.Eventually(t, func() bool { return completed.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, orch.Stop(ctx))
	assert.False(t, orch.Metrics().BackgroundLoopsRunning)

	mu.Lock()
	assert.Equal(t, []string{specs[0].TaskID, specs[1].TaskID, specs[2].TaskID}, order)
	mu.Unlock()
	assert.Equal(t, 0, orch.Metrics().QueuedTasks)

	history := orch.GetTaskHistory(0)
	require.Len(t, history, 3)
	assert.Equal(t, specs[2].TaskID, history[0].TaskID)
}

func TestQueueFull(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{QueueCapacity: 1}, nil)
	spec := backendSpec(t)
	_, err := orch.QueueTask(spec, nil, ExecuteOptions{})
	require.NoError(t, err)

	_, err = orch.QueueTask(backendSpec(t), nil, ExecuteOptions{})
	assert.True(t, errors.Is(err, sdkerrors.ErrRateLimit))
	assert.Equal(t, "QUEUE_FULL", codeOf(err))

	// queued tasks are not cancellable
	assert.False(t, orch.CancelTask(spec.TaskID))
}

func TestHistoryLimit(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{HistoryLimit: 2}, []*fakeAgent{okAgent("b1")})
	var ids []string
	for i := 0; i < 3; i++ {
		s := backendSpec(t)
		ids = append(ids, s.TaskID)
		_, err := orch.ExecuteTask(context.Background(), s, nil, ExecuteOptions{})
		require.NoError(t, err)
	}
	history := orch.GetTaskHistory(10)
	require.Len(t, history, 2)
	assert.Equal(t, ids[2], history[0].TaskID)
	assert.Equal(t, ids[1], history[1].TaskID)
	_, ok := orch.GetTaskStatus(ids[0])
	assert.False(t, ok)
	assert.Len(t, orch.GetTaskHistory(1), 1)
}

type recordingHistory struct {
	mu    sync.Mutex
	execs []models.TaskExecution
}

func (r *recordingHistory) RecordExecution(e models.TaskExecution) {
	r.mu.Lock()
	r.execs = append(r.execs, e)
	r.mu.Unlock()
}

func TestMonitorAndSideChannels(t *testing.T) {
	agent := &fakeAgent{id: "b1", typ: "backend", run: func(ctx context.Context, _ models.TaskSpec) (*models.TaskResult, error) {
		ReportProgress(ctx, 0.5, "halfway")
		LogEvent(ctx, "file_written", map[string]interface{}{"path": "api.go"})
		ReportProgress(ctx, 2, "done")
		return &models.TaskResult{Content: "wrote api.go"}, nil
	}}
	hub := streaming.NewHub(64)
	sub := hub.Subscribe(streaming.AllTasks, 32)
	history := &recordingHistory{}
	orch, _ := newTestOrchestrator(t, Config{}, []*fakeAgent{agent}, WithEvents(hub), WithHistorySink(history))

	spec := backendSpec(t)
	_, err := orch.ExecuteTask(context.Background(), spec, nil, ExecuteOptions{})
	require.NoError(t, err)

	var types []string
	for len(sub) > 0 {
		types = append(types, (<-sub).Type)
	}
	assert.Equal(t, []string{
		streaming.EventTaskDelegated,
		streaming.EventTaskStarted,
		streaming.EventTaskProgress,
		streaming.EventTaskLog,
		streaming.EventTaskProgress,
		streaming.EventTaskCompleted,
	}, types)

	exec, _ := orch.GetTaskStatus(spec.TaskID)
	assert.Equal(t, 1.0, exec.Metadata["progress"])
	assert.Equal(t, "done", exec.Metadata["progress_message"])
	events, ok := exec.Metadata["events"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, "api.go", events[0]["path"])

	history.mu.Lock()
	defer history.mu.Unlock()
	require.Len(t, history.execs, 1)
	assert.Equal(t, models.TaskStatusCompleted, history.execs[0].Status)

	// outside an orchestrated task these are no-ops
	ReportProgress(context.Background(), 1, "ignored")
	_, ok = MonitorFrom(context.Background())
	assert.False(t, ok)
}

func TestDuplicateActiveTask(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Config{}, nil)
	spec := backendSpec(t)
	_, err := orch.begin(spec, time.Minute, func() {})
	require.NoError(t, err)

	_, err = orch.ExecuteTask(context.Background(), spec, nil, ExecuteOptions{})
	assert.True(t, errors.Is(err, sdkerrors.ErrValidation))
	_, err = orch.QueueTask(spec, nil, ExecuteOptions{})
	assert.True(t, errors.Is(err, sdkerrors.ErrValidation))
	assert.Len(t, orch.GetActiveTasks(), 1)
}

func TestStopCancelsQueuedTasks(t *testing.T) {
	history := &recordingHistory{}
	orch, _ := newTestOrchestrator(t, Config{MaxConcurrentTasks: 1, QueuePollInterval: 10 * time.Millisecond},
		[]*fakeAgent{blockingAgent("b1")}, WithHistorySink(history))

	var (
		mu   sync.Mutex
		errs = map[string]error{}
	)
	specs := []models.TaskSpec{backendSpec(t), backendSpec(t)}
	for _, s := range specs {
		id := s.TaskID
		_, err := orch.QueueTask(s, nil, ExecuteOptions{OnComplete: func(res *models.TaskResult, err error) {
			assert.Nil(t, res)
			mu.Lock()
			errs[id] = err
			mu.Unlock()
		}})
		require.NoError(t, err)
	}

	ctx := context.Background()
	require.NoError(t, orch.Start(ctx))
	require.Eventually(t, func() bool { return len(orch.GetActiveTasks()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, orch.Metrics().QueuedTasks)

	require.NoError(t, orch.Stop(ctx))

	mu.Lock()
	require.Len(t, errs, 2)
	for _, s := range specs {
		assert.Equal(t, "TASK_CANCELLED", codeOf(errs[s.TaskID]))
	}
	mu.Unlock()

	waiting, ok := orch.GetTaskStatus(specs[1].TaskID)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusCancelled, waiting.Status)
	assert.NotNil(t, waiting.CompletedAt)
	assert.Equal(t, true, waiting.Metadata["abandoned_in_queue"])

	m := orch.Metrics()
	assert.Equal(t, 0, m.QueuedTasks)
	assert.Equal(t, 0, m.ActiveTasks)
	assert.Equal(t, int64(2), m.CancelledTasks)
	assert.Equal(t, int64(2), m.TotalTasks)

	history.mu.Lock()
	assert.Len(t, history.execs, 2)
	history.mu.Unlock()

	// nothing left to abandon on a second stop
	assert.NoError(t, orch.Stop(ctx))
}

func TestAnnotateHistory(t *testing.T) {
	history := &recordingHistory{}
	orch, _ := newTestOrchestrator(t, Config{}, []*fakeAgent{okAgent("b1")}, WithHistorySink(history))
	spec := backendSpec(t)
	_, err := orch.ExecuteTask(context.Background(), spec, nil, ExecuteOptions{})
	require.NoError(t, err)

	assert.True(t, orch.AnnotateHistory(spec.TaskID, map[string]interface{}{"result_rejected": true}))
	assert.False(t, orch.AnnotateHistory("unknown", map[string]interface{}{"x": 1}))

	exec, ok := orch.GetTaskStatus(spec.TaskID)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusCompleted, exec.Status)
	assert.Equal(t, true, exec.Metadata["result_rejected"])

	history.mu.Lock()
	defer history.mu.Unlock()
	require.Len(t, history.execs, 2)
	assert.Equal(t, true, history.execs[1].Metadata["result_rejected"])
}
