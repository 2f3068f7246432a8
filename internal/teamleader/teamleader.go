// Package teamleader composes the rules engine, prompt manager, agent
// registry and orchestrator behind a single delegation entry point.
package teamleader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/circuitbreaker"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/metrics"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/orchestrator"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/prompts"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/ratecontrol"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/registry"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/rules"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/streaming"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/tracing"
)

// Lifecycle states reported by Status.
const (
	StateCreated = "created"
	StateRunning = "running"
	StateStopped = "stopped"
)

// Config holds the settings of every owned component.
type Config struct {
	Rules        rules.Config
	Prompts      prompts.Config
	Orchestrator orchestrator.Config
	Validation   ValidationConfig
}

// Deps are optional collaborators. Nil fields disable the feature.
type Deps struct {
	Criteria    rules.CriteriaEvaluator
	AuditSink   rules.AuditSink
	HistorySink orchestrator.HistorySink
	Events      streaming.Sink
	RateLimiter *ratecontrol.Controller
	Breakers    *circuitbreaker.Group
	// Validator replaces the HeuristicValidator.
	Validator ResultValidator
}

// DelegateOptions carries per-call inputs to DelegateTask.
type DelegateOptions struct {
	History    []models.Message
	MCPContext map[string]interface{}
	Timeout    time.Duration
}

// TeamLeader is the facade over the orchestration core.
type TeamLeader struct {
	id        string
	logger    *zap.Logger
	rules     *rules.Engine
	prompts   *prompts.Manager
	registry  *registry.Registry
	orch      *orchestrator.Orchestrator
	validator ResultValidator
	events    streaming.Sink

	mu        sync.Mutex
	state     string
	startedAt time.Time
	errors    map[string]int64
}

// New builds every component. Nothing runs until Initialize.
func New(cfg Config, deps Deps, logger *zap.Logger) (*TeamLeader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ruleOpts := []rules.Option{rules.WithCriteriaEvaluator(deps.Criteria)}
	if deps.AuditSink != nil {
		ruleOpts = append(ruleOpts, rules.WithAuditSink(deps.AuditSink))
	}
	re, err := rules.NewEngine(cfg.Rules, logger.Named("rules"), ruleOpts...)
	if err != nil {
		return nil, err
	}
	pm, err := prompts.NewManager(cfg.Prompts, logger.Named("prompts"))
	if err != nil {
		return nil, err
	}

	reg := registry.New(logger.Named("registry"))
	var orchOpts []orchestrator.Option
	if deps.Events != nil {
		orchOpts = append(orchOpts, orchestrator.WithEvents(deps.Events))
	}
	if deps.HistorySink != nil {
		orchOpts = append(orchOpts, orchestrator.WithHistorySink(deps.HistorySink))
	}
	if deps.Breakers != nil {
		orchOpts = append(orchOpts, orchestrator.WithBreakers(deps.Breakers))
	}
	if deps.RateLimiter != nil {
		orchOpts = append(orchOpts, orchestrator.WithRateLimiter(deps.RateLimiter))
	}
	orch := orchestrator.New(cfg.Orchestrator, reg, logger.Named("orchestrator"), orchOpts...)

	validator := deps.Validator
	if validator == nil {
		validator = NewHeuristicValidator(cfg.Validation)
	}

	return &TeamLeader{
		id:        "team_leader_" + uuid.New().String()[:8],
		logger:    logger,
		rules:     re,
		prompts:   pm,
		registry:  reg,
		orch:      orch,
		validator: validator,
		events:    deps.Events,
		state:     StateCreated,
		errors:    make(map[string]int64),
	}, nil
}

func (t *TeamLeader) ID() string                               { return t.id }
func (t *TeamLeader) Rules() *rules.Engine                     { return t.rules }
func (t *TeamLeader) Prompts() *prompts.Manager                { return t.prompts }
func (t *TeamLeader) Registry() *registry.Registry             { return t.registry }
func (t *TeamLeader) Orchestrator() *orchestrator.Orchestrator { return t.orch }

// Initialize starts the prompt watcher and the orchestrator loops. Calling it
// on a running team leader is a no-op.
func (t *TeamLeader) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRunning {
		return nil
	}
	if err := t.prompts.Start(ctx); err != nil {
		return err
	}
	if err := t.orch.Start(ctx); err != nil {
		_ = t.prompts.Close()
		return err
	}
	for _, agentType := range t.registry.Types() {
		t.rules.RegisterAgentType(agentType)
	}
	t.state = StateRunning
	t.startedAt = time.Now().UTC()
	t.logger.Info("Team leader initialized",
		zap.String("id", t.id),
		zap.String("phase", t.rules.CurrentPhase().String()),
		zap.Int("agents", t.registry.Len()),
	)
	return nil
}

// RegisterAgent adds an agent to the registry and makes its type eligible
// for scope validation.
func (t *TeamLeader) RegisterAgent(agent registry.Agent, desc registry.Descriptor) error {
	if err := t.registry.Register(agent, desc); err != nil {
		return err
	}
	agentType := desc.Type
	if agentType == "" {
		agentType = agent.Type()
	}
	t.rules.RegisterAgentType(agentType)
	return nil
}

// DelegateTask runs one task end to end: scope validation, context
// preparation, execution, result validation and registration. The held
// complexity is released on any failure.
func (t *TeamLeader) DelegateTask(ctx context.Context, spec models.TaskSpec, opts DelegateOptions) (*models.TaskResult, error) {
	ctx, span := tracing.StartSpan(ctx, "teamleader.DelegateTask",
		tracing.AttrTaskID.String(spec.TaskID),
		tracing.AttrAgentType.String(spec.AgentType),
		tracing.AttrTaskType.String(spec.TaskType),
		tracing.AttrPhase.String(t.rules.CurrentPhase().String()),
	)
	defer span.End()

	result, err := t.delegate(ctx, spec, opts)
	if err != nil {
		t.recordError(spec, err)
		tracing.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracing.AttrAgentID.String(result.AgentID))
	metrics.TasksDelegated.WithLabelValues(spec.AgentType, "success").Inc()
	return result, nil
}

func (t *TeamLeader) delegate(ctx context.Context, spec models.TaskSpec, opts DelegateOptions) (*models.TaskResult, error) {
	resv, actx, err := t.admit(ctx, spec, opts)
	if err != nil {
		return nil, err
	}
	result, err := t.orch.ExecuteTask(ctx, spec, actx, orchestrator.ExecuteOptions{Timeout: opts.Timeout})
	if err != nil {
		resv.Release()
		return nil, err
	}
	if err := t.accept(resv, result); err != nil {
		return nil, err
	}
	return result, nil
}

// admit validates scope and prepares the agent context.
func (t *TeamLeader) admit(ctx context.Context, spec models.TaskSpec, opts DelegateOptions) (*rules.Reservation, *models.AgentContext, error) {
	if err := t.requireRunning(); err != nil {
		return nil, nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, nil, err
	}
	resv, err := t.rules.Reserve(spec)
	if err != nil {
		return nil, nil, err
	}
	actx, err := t.prompts.PrepareContext(ctx, spec, opts.History, opts.MCPContext)
	if err != nil {
		resv.Release()
		return nil, nil, err
	}
	return resv, actx, nil
}

// accept validates the result and commits the reservation, or releases it.
func (t *TeamLeader) accept(resv *rules.Reservation, result *models.TaskResult) error {
	if err := t.validator.Validate(result); err != nil {
		resv.Release()
		if result != nil {
			t.orch.AnnotateHistory(result.TaskID, map[string]interface{}{
				"result_rejected":  true,
				"rejection_code":   sdkerrors.CodeOf(err),
				"rejection_reason": err.Error(),
			})
		}
		t.logger.Warn("Agent result rejected", zap.String("task_id", taskIDOf(result)), zap.Error(err))
		return err
	}
	resv.Commit(result.AgentID, result.Status)
	return nil
}

func taskIDOf(result *models.TaskResult) string {
	if result == nil {
		return ""
	}
	return result.TaskID
}

// DelegateTaskAsync admits the task like DelegateTask and queues it for the
// orchestrator's workers. The result is validated and registered when the
// task finishes; onDone, when set, receives the final outcome.
func (t *TeamLeader) DelegateTaskAsync(ctx context.Context, spec models.TaskSpec, opts DelegateOptions, onDone func(*models.TaskResult, error)) (string, error) {
	resv, actx, err := t.admit(ctx, spec, opts)
	if err != nil {
		t.recordError(spec, err)
		return "", err
	}
	id, err := t.orch.QueueTask(spec, actx, orchestrator.ExecuteOptions{
		Timeout: opts.Timeout,
		OnComplete: func(result *models.TaskResult, err error) {
			if err != nil {
				resv.Release()
			} else {
				err = t.accept(resv, result)
			}
			if err != nil {
				t.recordError(spec, err)
				result = nil
			} else {
				metrics.TasksDelegated.WithLabelValues(spec.AgentType, "success").Inc()
			}
			if onDone != nil {
				onDone(result, err)
			}
		},
	})
	if err != nil {
		resv.Release()
		t.recordError(spec, err)
		return "", err
	}
	return id, nil
}

func (t *TeamLeader) requireRunning() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return sdkerrors.Configuration("TEAM_LEADER_NOT_RUNNING", "team leader is not initialized").
			WithDetail("state", t.state)
	}
	return nil
}

func (t *TeamLeader) recordError(spec models.TaskSpec, err error) {
	kind := sdkerrors.KindName(err)
	metrics.DelegationErrors.WithLabelValues(kind).Inc()
	metrics.TasksDelegated.WithLabelValues(spec.AgentType, "error").Inc()
	t.mu.Lock()
	t.errors[kind]++
	t.mu.Unlock()
	t.logger.Error("Task delegation failed",
		zap.String("task_id", spec.TaskID),
		zap.String("agent_type", spec.AgentType),
		zap.String("task_type", spec.TaskType),
		zap.String("kind", kind),
		zap.String("code", sdkerrors.CodeOf(err)),
		zap.Error(err),
	)
}

// ProgressToPhase advances to the named phase when allowed. Unknown names
// are configuration errors.
func (t *TeamLeader) ProgressToPhase(ctx context.Context, name string) (bool, error) {
	from := t.rules.CurrentPhase()
	ok, err := t.rules.ProgressToName(ctx, name)
	if err != nil || !ok {
		return ok, err
	}
	if t.events != nil {
		to := t.rules.CurrentPhase()
		evt := streaming.Event{
			Type:      streaming.EventPhaseChanged,
			Message:   fmt.Sprintf("%s -> %s", from, to),
			Data:      map[string]interface{}{"from": from.String(), "to": to.String()},
			Timestamp: time.Now().UTC(),
		}
		if err := t.events.Publish(ctx, evt); err != nil {
			t.logger.Warn("Failed to publish phase change", zap.Error(err))
		}
	}
	return true, nil
}

// Status is a point-in-time summary of the team leader.
type Status struct {
	ID     string               `json:"id"`
	State  string               `json:"state"`
	Uptime float64              `json:"uptime_seconds"`
	Phase  rules.PhaseStatus    `json:"phase"`
	Tasks  orchestrator.Metrics `json:"tasks"`
	Errors map[string]int64     `json:"errors"`
	Agents []registry.AgentInfo `json:"agents"`
	Cache  prompts.CacheStats   `json:"cache"`
}

func (t *TeamLeader) Status(ctx context.Context) Status {
	t.mu.Lock()
	st := Status{
		ID:     t.id,
		State:  t.state,
		Errors: make(map[string]int64, len(t.errors)),
	}
	if !t.startedAt.IsZero() && t.state == StateRunning {
		st.Uptime = time.Since(t.startedAt).Seconds()
	}
	for k, v := range t.errors {
		st.Errors[k] = v
	}
	t.mu.Unlock()

	st.Phase = t.rules.Status(ctx)
	st.Tasks = t.orch.Metrics()
	st.Agents = t.registry.List("")
	st.Cache = t.prompts.Stats()
	return st
}

// QueueStatus lists in-flight work.
type QueueStatus struct {
	Active  []models.TaskExecution `json:"active"`
	Metrics orchestrator.Metrics   `json:"metrics"`
}

func (t *TeamLeader) TaskQueueStatus() QueueStatus {
	return QueueStatus{Active: t.orch.GetActiveTasks(), Metrics: t.orch.Metrics()}
}

func (t *TeamLeader) CancelTask(taskID string) bool { return t.orch.CancelTask(taskID) }

func (t *TeamLeader) GetTaskStatus(taskID string) (models.TaskExecution, bool) {
	return t.orch.GetTaskStatus(taskID)
}

// TaskHistory returns finished executions, newest first.
func (t *TeamLeader) TaskHistory(limit int) []models.TaskExecution {
	return t.orch.GetTaskHistory(limit)
}

// Shutdown stops the background loops and the prompt watcher. Active and
// still queued tasks are cancelled and their reservations released.
func (t *TeamLeader) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return nil
	}
	t.state = StateStopped
	t.mu.Unlock()

	for _, exec := range t.orch.GetActiveTasks() {
		t.orch.CancelTask(exec.TaskID)
	}
	err := t.orch.Stop(ctx)
	if cerr := t.prompts.Close(); err == nil {
		err = cerr
	}
	t.logger.Info("Team leader shut down", zap.String("id", t.id))
	return err
}
