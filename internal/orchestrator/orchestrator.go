package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/circuitbreaker"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/metrics"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/ratecontrol"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/registry"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/streaming"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/tracing"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxConcurrentTasks   = 10
	DefaultTimeout              = 300 * time.Second
	DefaultTimeoutCheckInterval = 30 * time.Second
	DefaultQueuePollInterval    = time.Second
	DefaultQueueCapacity        = 1000
	DefaultHistoryLimit         = 1000
	defaultHistoryPage          = 100
)

// Config tunes the orchestrator.
type Config struct {
	MaxConcurrentTasks   int           `mapstructure:"max_concurrent_tasks"`
	DefaultTimeout       time.Duration `mapstructure:"default_timeout"`
	TimeoutCheckInterval time.Duration `mapstructure:"timeout_check_interval"`
	QueuePollInterval    time.Duration `mapstructure:"queue_poll_interval"`
	QueueCapacity        int           `mapstructure:"queue_capacity"`
	HistoryLimit         int           `mapstructure:"history_limit"`
	// AgentTimeouts overrides DefaultTimeout per agent type.
	AgentTimeouts map[string]time.Duration `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.TimeoutCheckInterval <= 0 {
		c.TimeoutCheckInterval = DefaultTimeoutCheckInterval
	}
	if c.QueuePollInterval <= 0 {
		c.QueuePollInterval = DefaultQueuePollInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return c
}

// AgentSource hands out agent leases.
type AgentSource interface {
	GetBestAgent(req registry.Request) (*registry.Lease, bool)
}

// HistorySink receives every execution that reached a terminal status.
type HistorySink interface {
	RecordExecution(exec models.TaskExecution)
}

// ExecuteOptions customises one execution.
type ExecuteOptions struct {
	// Timeout overrides the per-agent-type and default timeouts.
	Timeout time.Duration
	// OnComplete is called once a queued task finishes.
	OnComplete func(*models.TaskResult, error)
}

// Metrics summarises orchestrator activity.
type Metrics struct {
	ActiveTasks            int     `json:"active_tasks"`
	QueuedTasks            int     `json:"queued_tasks"`
	TotalTasks             int64   `json:"total_tasks"`
	CompletedTasks         int64   `json:"completed_tasks"`
	FailedTasks            int64   `json:"failed_tasks"`
	TimedOutTasks          int64   `json:"timed_out_tasks"`
	CancelledTasks         int64   `json:"cancelled_tasks"`
	SuccessRate            float64 `json:"success_rate"`
	MaxConcurrentTasks     int     `json:"max_concurrent_tasks"`
	BackgroundLoopsRunning bool    `json:"background_loops_running"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEvents publishes lifecycle events to sink.
func WithEvents(sink streaming.Sink) Option { return func(o *Orchestrator) { o.events = sink } }

// WithHistorySink forwards terminal executions to sink.
func WithHistorySink(sink HistorySink) Option { return func(o *Orchestrator) { o.historySink = sink } }

// WithBreakers routes agent calls through per-agent circuit breakers.
func WithBreakers(g *circuitbreaker.Group) Option { return func(o *Orchestrator) { o.breakers = g } }

// WithRateLimiter throttles task admission per agent type.
func WithRateLimiter(c *ratecontrol.Controller) Option { return func(o *Orchestrator) { o.limiter = c } }

// execution is the mutable record behind a TaskExecution snapshot.
type execution struct {
	models.TaskExecution
	cancel context.CancelFunc
}

type queuedTask struct {
	spec    models.TaskSpec
	actx    *models.AgentContext
	opts    ExecuteOptions
	queued  time.Time
	pending models.TaskExecution
}

// Orchestrator tracks task lifecycles, applies timeouts and dispatches work
// to leased agents.
type Orchestrator struct {
	cfg         Config
	agents      AgentSource
	logger      *zap.Logger
	events      streaming.Sink
	historySink HistorySink
	breakers    *circuitbreaker.Group
	limiter     *ratecontrol.Controller

	mu      sync.Mutex
	active  map[string]*execution
	history []models.TaskExecution
	queue   []*queuedTask
	queued  map[string]*queuedTask

	total     atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	cancelled atomic.Int64

	wake  chan struct{}
	loops loopState
}

// New creates an orchestrator dispatching to agents from src.
func New(cfg Config, src AgentSource, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:    cfg.withDefaults(),
		agents: src,
		logger: logger,
		active: make(map[string]*execution),
		queued: make(map[string]*queuedTask),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

func (o *Orchestrator) timeoutFor(agentType string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if t, ok := o.cfg.AgentTimeouts[agentType]; ok && t > 0 {
		return t
	}
	return o.cfg.DefaultTimeout
}

// ExecuteTask runs spec on the least-loaded eligible agent and blocks until
// the task reaches a terminal status. The agent keeps its lease until its
// call returns, even after a timeout or cancellation.
func (o *Orchestrator) ExecuteTask(ctx context.Context, spec models.TaskSpec, actx *models.AgentContext, opts ExecuteOptions) (*models.TaskResult, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.ExecuteTask",
		tracing.AttrTaskID.String(spec.TaskID),
		tracing.AttrAgentType.String(spec.AgentType),
		tracing.AttrTaskType.String(spec.TaskType),
	)
	defer span.End()

	result, err := o.execute(ctx, spec, actx, opts)
	tracing.RecordError(span, err)
	return result, err
}

func (o *Orchestrator) execute(ctx context.Context, spec models.TaskSpec, actx *models.AgentContext, opts ExecuteOptions) (*models.TaskResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if o.limiter != nil && !o.limiter.Allow(spec.AgentType) {
		return nil, sdkerrors.RateLimit("AGENT_RATE_LIMITED", "too many tasks for agent type").
			WithDetail("agent_type", spec.AgentType).
			WithDetail("retry_after_ms", o.limiter.RetryAfter(spec.AgentType).Milliseconds())
	}

	timeout := o.timeoutFor(spec.AgentType, opts.Timeout)
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exec, err := o.begin(spec, timeout, cancel)
	if err != nil {
		return nil, err
	}
	taskCtx = withMonitor(taskCtx, &Monitor{orch: o, taskID: spec.TaskID})

	req := registry.Request{AgentType: spec.AgentType, TaskType: spec.TaskType, Complexity: spec.Complexity}
	if o.breakers != nil {
		req.Exclude = o.breakers.Open
	}
	lease, ok := o.agents.GetBestAgent(req)
	if !ok {
		err := sdkerrors.AgentUnavailable("NO_AGENT_AVAILABLE", "no available agent for task").
			WithDetail("agent_type", spec.AgentType).
			WithDetail("task_type", spec.TaskType)
		o.finish(exec, models.TaskStatusFailed, nil, err.Error())
		return nil, err
	}

	o.transition(exec, models.TaskStatusDelegated, lease.AgentID())
	o.transition(exec, models.TaskStatusInProgress, lease.AgentID())

	done := make(chan agentOutcome, 1)
	go o.callAgent(taskCtx, lease, spec, actx, done)

	var out agentOutcome
	select {
	case out = <-done:
	case <-taskCtx.Done():
		select {
		case out = <-done:
		default:
			return nil, o.interrupted(ctx, exec, timeout)
		}
	}
	return o.complete(ctx, exec, lease, out, timeout)
}

type agentOutcome struct {
	result  *models.TaskResult
	err     error
	elapsed time.Duration
}

// callAgent runs the agent and releases its lease when the call returns.
func (o *Orchestrator) callAgent(ctx context.Context, lease *registry.Lease, spec models.TaskSpec, actx *models.AgentContext, done chan<- agentOutcome) {
	defer lease.Release()
	start := time.Now()
	var out agentOutcome
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Agent panicked", zap.String("task_id", spec.TaskID), zap.Any("panic", r))
			out = agentOutcome{err: sdkerrors.TaskExecution("AGENT_PANIC", "agent panicked", nil).WithDetail("panic", r)}
		}
		out.elapsed = time.Since(start)
		lease.Complete(out.err == nil, out.elapsed)
		done <- out
	}()

	run := func(ctx context.Context) error {
		res, err := lease.Agent().ExecuteTask(ctx, spec, actx)
		out.result = res
		if err == nil && res != nil && res.Status == models.TaskStatusFailed {
			msg := res.ErrorMessage
			if msg == "" {
				msg = "agent reported failure"
			}
			err = errors.New(msg)
		}
		return err
	}
	if o.breakers != nil {
		out.err = o.breakers.Execute(ctx, lease.AgentID(), run)
	} else {
		out.err = run(ctx)
	}
}

// interrupted resolves a task whose context ended before the agent answered.
func (o *Orchestrator) interrupted(parent context.Context, exec *execution, timeout time.Duration) error {
	o.mu.Lock()
	status := exec.Status
	o.mu.Unlock()

	switch {
	case status == models.TaskStatusCancelled:
		return cancelledError(exec.TaskID)
	case status == models.TaskStatusTimeout:
		return timeoutError(exec.TaskID, timeout)
	case parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded):
		o.finish(exec, models.TaskStatusCancelled, nil, "caller cancelled")
		return cancelledError(exec.TaskID)
	default:
		err := timeoutError(exec.TaskID, timeout)
		if !o.finish(exec, models.TaskStatusTimeout, nil, err.Error()) {
			return o.terminalError(exec, timeout)
		}
		return err
	}
}

func (o *Orchestrator) complete(parent context.Context, exec *execution, lease *registry.Lease, out agentOutcome, timeout time.Duration) (*models.TaskResult, error) {
	if out.err != nil {
		var err error
		switch {
		case errors.Is(out.err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(out.err, circuitbreaker.ErrTooManyRequests):
			err = sdkerrors.AgentUnavailable("AGENT_CIRCUIT_OPEN", "agent circuit breaker is open").
				WithDetail("agent_id", lease.AgentID())
		case errors.Is(out.err, context.DeadlineExceeded):
			err = timeoutError(exec.TaskID, timeout)
			if o.finish(exec, models.TaskStatusTimeout, nil, err.Error()) {
				return nil, err
			}
			return nil, o.terminalError(exec, timeout)
		case errors.Is(out.err, context.Canceled) && parent.Err() != nil:
			o.finish(exec, models.TaskStatusCancelled, nil, "caller cancelled")
			return nil, cancelledError(exec.TaskID)
		default:
			err = sdkerrors.TaskExecution("AGENT_EXECUTION_FAILED", "agent failed to execute task", out.err).
				WithDetail("agent_id", lease.AgentID())
		}
		if !o.finish(exec, models.TaskStatusFailed, out.result, err.Error()) {
			return nil, o.terminalError(exec, timeout)
		}
		return nil, err
	}
	if out.result == nil {
		err := sdkerrors.TaskExecution("EMPTY_RESULT", "agent returned no result", nil).
			WithDetail("agent_id", lease.AgentID())
		o.finish(exec, models.TaskStatusFailed, nil, err.Error())
		return nil, err
	}

	result := *out.result
	result.TaskID = exec.TaskID
	result.AgentID = lease.AgentID()
	result.Status = models.TaskStatusCompleted
	if result.ExecutionTime <= 0 {
		result.ExecutionTime = out.elapsed
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	if !o.finish(exec, models.TaskStatusCompleted, &result, "") {
		// a sweep or cancel got there first
		return nil, o.terminalError(exec, timeout)
	}
	return &result, nil
}

// terminalError maps an already-terminal execution to the error its caller sees.
func (o *Orchestrator) terminalError(exec *execution, timeout time.Duration) error {
	o.mu.Lock()
	status := exec.Status
	o.mu.Unlock()
	switch status {
	case models.TaskStatusCancelled:
		return cancelledError(exec.TaskID)
	case models.TaskStatusTimeout:
		return timeoutError(exec.TaskID, timeout)
	default:
		return sdkerrors.TaskExecution("TASK_ALREADY_FINISHED", "task finished concurrently", nil).
			WithDetail("task_id", exec.TaskID).
			WithDetail("status", string(status))
	}
}

func timeoutError(taskID string, timeout time.Duration) error {
	return sdkerrors.Timeout("TASK_TIMEOUT", "task exceeded its deadline").
		WithDetail("task_id", taskID).
		WithDetail("timeout_seconds", timeout.Seconds())
}

func cancelledError(taskID string) error {
	return sdkerrors.TaskExecution("TASK_CANCELLED", "task was cancelled", nil).
		WithDetail("task_id", taskID)
}

// begin registers a new active execution.
func (o *Orchestrator) begin(spec models.TaskSpec, timeout time.Duration, cancel context.CancelFunc) (*execution, error) {
	now := time.Now().UTC()
	deadline := now.Add(timeout)

	o.mu.Lock()
	if _, dup := o.active[spec.TaskID]; dup {
		o.mu.Unlock()
		return nil, sdkerrors.Validation("TASK_ALREADY_ACTIVE", "a task with this id is already running").
			WithDetail("task_id", spec.TaskID)
	}
	exec := &execution{
		TaskExecution: models.TaskExecution{
			TaskID:    spec.TaskID,
			Spec:      spec,
			Status:    models.TaskStatusPending,
			CreatedAt: now,
			Deadline:  &deadline,
			Metadata:  make(map[string]interface{}),
		},
		cancel: cancel,
	}
	o.active[spec.TaskID] = exec
	delete(o.queued, spec.TaskID)
	activeCount := len(o.active)
	o.mu.Unlock()

	o.total.Add(1)
	metrics.ActiveTasks.Set(float64(activeCount))
	o.logger.Debug("Task execution created",
		zap.String("task_id", spec.TaskID),
		zap.String("agent_type", spec.AgentType),
		zap.Duration("timeout", timeout),
	)
	return exec, nil
}

// transition moves a non-terminal execution forward.
func (o *Orchestrator) transition(exec *execution, status models.TaskStatus, agentID string) bool {
	o.mu.Lock()
	if !exec.Status.CanTransition(status) || status.IsTerminal() {
		o.mu.Unlock()
		return false
	}
	exec.Status = status
	exec.AgentID = agentID
	if status == models.TaskStatusInProgress {
		now := time.Now().UTC()
		exec.StartedAt = &now
	}
	o.mu.Unlock()

	evtType := streaming.EventTaskDelegated
	if status == models.TaskStatusInProgress {
		evtType = streaming.EventTaskStarted
	}
	o.publish(streaming.Event{
		TaskID:    exec.TaskID,
		Type:      evtType,
		AgentID:   agentID,
		AgentType: exec.Spec.AgentType,
		Status:    string(status),
	})
	return true
}

// finish moves an execution to a terminal status. Only the first call wins.
func (o *Orchestrator) finish(exec *execution, status models.TaskStatus, result *models.TaskResult, errMsg string) bool {
	o.mu.Lock()
	if !exec.Status.CanTransition(status) {
		o.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	exec.Status = status
	exec.CompletedAt = &now
	exec.Result = result
	exec.Error = errMsg
	delete(o.active, exec.TaskID)
	snapshot := exec.Clone()
	o.history = append(o.history, snapshot)
	if over := len(o.history) - o.cfg.HistoryLimit; over > 0 {
		o.history = append([]models.TaskExecution(nil), o.history[over:]...)
	}
	activeCount := len(o.active)
	o.mu.Unlock()

	exec.cancel()

	switch status {
	case models.TaskStatusCompleted:
		o.completed.Add(1)
	case models.TaskStatusFailed:
		o.failed.Add(1)
	case models.TaskStatusTimeout:
		o.timedOut.Add(1)
	case models.TaskStatusCancelled:
		o.cancelled.Add(1)
	}
	metrics.ActiveTasks.Set(float64(activeCount))
	metrics.TasksFinished.WithLabelValues(snapshot.Spec.AgentType, string(status)).Inc()
	if d := snapshot.Duration(); d > 0 {
		metrics.TaskDuration.WithLabelValues(snapshot.Spec.AgentType).Observe(d.Seconds())
	}

	fields := []zap.Field{
		zap.String("task_id", snapshot.TaskID),
		zap.String("agent_type", snapshot.Spec.AgentType),
		zap.String("agent_id", snapshot.AgentID),
		zap.String("status", string(status)),
		zap.Duration("duration", snapshot.Duration()),
	}
	if status == models.TaskStatusCompleted {
		o.logger.Info("Task completed", fields...)
	} else {
		o.logger.Warn("Task did not complete", append(fields, zap.String("error", errMsg))...)
	}

	o.publish(streaming.Event{
		TaskID:    snapshot.TaskID,
		Type:      terminalEventType(status),
		AgentID:   snapshot.AgentID,
		AgentType: snapshot.Spec.AgentType,
		Status:    string(status),
		Message:   errMsg,
	})
	if o.historySink != nil {
		o.historySink.RecordExecution(snapshot)
	}
	return true
}

func terminalEventType(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusCompleted:
		return streaming.EventTaskCompleted
	case models.TaskStatusTimeout:
		return streaming.EventTaskTimeout
	case models.TaskStatusCancelled:
		return streaming.EventTaskCancelled
	default:
		return streaming.EventTaskFailed
	}
}

func (o *Orchestrator) publish(evt streaming.Event) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(context.Background(), evt); err != nil {
		o.logger.Warn("Failed to publish task event", zap.String("task_id", evt.TaskID), zap.Error(err))
	}
}

// CancelTask cancels an active task. Queued and finished tasks are not affected.
func (o *Orchestrator) CancelTask(taskID string) bool {
	o.mu.Lock()
	exec, ok := o.active[taskID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	return o.finish(exec, models.TaskStatusCancelled, nil, "cancelled by request")
}

// GetTaskStatus returns the current snapshot of a task. Queued tasks report pending.
func (o *Orchestrator) GetTaskStatus(taskID string) (models.TaskExecution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if exec, ok := o.active[taskID]; ok {
		return exec.Clone(), true
	}
	if q, ok := o.queued[taskID]; ok {
		return q.pending.Clone(), true
	}
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].TaskID == taskID {
			return o.history[i].Clone(), true
		}
	}
	return models.TaskExecution{}, false
}

// GetActiveTasks lists running tasks, oldest first.
func (o *Orchestrator) GetActiveTasks() []models.TaskExecution {
	o.mu.Lock()
	out := make([]models.TaskExecution, 0, len(o.active))
	for _, exec := range o.active {
		out = append(out, exec.Clone())
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetTaskHistory lists finished tasks, newest first. A non-positive limit means 100.
func (o *Orchestrator) GetTaskHistory(limit int) []models.TaskExecution {
	if limit <= 0 {
		limit = defaultHistoryPage
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit > len(o.history) {
		limit = len(o.history)
	}
	out := make([]models.TaskExecution, 0, limit)
	for i := len(o.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, o.history[i].Clone())
	}
	return out
}

// AnnotateHistory merges meta into the newest history entry of a finished
// task and forwards the updated entry to the history sink. It reports false
// when the task is not in history.
func (o *Orchestrator) AnnotateHistory(taskID string, meta map[string]interface{}) bool {
	o.mu.Lock()
	idx := -1
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].TaskID == taskID {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return false
	}
	entry := o.history[idx].Clone()
	if entry.Metadata == nil {
		entry.Metadata = make(map[string]interface{}, len(meta))
	}
	for k, v := range meta {
		entry.Metadata[k] = v
	}
	o.history[idx] = entry
	snapshot := entry.Clone()
	o.mu.Unlock()

	if o.historySink != nil {
		o.historySink.RecordExecution(snapshot)
	}
	return true
}

// Metrics returns counters and gauges of the orchestrator.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	active := len(o.active)
	queued := len(o.queue)
	o.mu.Unlock()

	m := Metrics{
		ActiveTasks:            active,
		QueuedTasks:            queued,
		TotalTasks:             o.total.Load(),
		CompletedTasks:         o.completed.Load(),
		FailedTasks:            o.failed.Load(),
		TimedOutTasks:          o.timedOut.Load(),
		CancelledTasks:         o.cancelled.Load(),
		MaxConcurrentTasks:     o.cfg.MaxConcurrentTasks,
		BackgroundLoopsRunning: o.loops.running(),
	}
	finished := m.CompletedTasks + m.FailedTasks + m.TimedOutTasks + m.CancelledTasks
	if finished > 0 {
		m.SuccessRate = float64(m.CompletedTasks) / float64(finished)
	}
	return m
}
