package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/metrics"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

// DefaultComplexityBudget is used when the configuration leaves the budget unset.
const DefaultComplexityBudget = 25

// Scope check identifiers reported in scope-violation details.
const (
	CheckTaskType        = "task_type"
	CheckBudget          = "budget"
	CheckPhaseComplexity = "phase_complexity"
	CheckAgentType       = "agent_type"
)

// Config configures an Engine.
type Config struct {
	ComplexityBudget int
	Phases           map[string]PhaseOverride
	// AuditLimit caps the in-memory audit log; 0 keeps everything.
	AuditLimit int
}

// AuditEntry records one registered task execution.
type AuditEntry struct {
	TaskID     string            `json:"task_id"`
	AgentID    string            `json:"agent_id"`
	AgentType  string            `json:"agent_type"`
	TaskType   string            `json:"task_type"`
	Complexity int               `json:"complexity"`
	Phase      Phase             `json:"phase"`
	Status     models.TaskStatus `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
}

// PhaseTransition records one successful phase change.
type PhaseTransition struct {
	From Phase     `json:"from"`
	To   Phase     `json:"to"`
	At   time.Time `json:"at"`
}

// AuditSink receives audit records. Implementations must not block.
type AuditSink interface {
	RecordAudit(entry AuditEntry)
	RecordPhaseTransition(t PhaseTransition)
}

// Option customises an Engine.
type Option func(*Engine)

// WithCriteriaEvaluator replaces the default AlwaysSatisfied evaluator.
func WithCriteriaEvaluator(ev CriteriaEvaluator) Option {
	return func(e *Engine) {
		if ev != nil {
			e.criteria = ev
		}
	}
}

// WithAuditSink mirrors audit records to an external sink.
func WithAuditSink(s AuditSink) Option {
	return func(e *Engine) { e.sink = s }
}

// Engine gates task scope against the current phase and the complexity budget,
// and advances phases.
type Engine struct {
	logger   *zap.Logger
	criteria CriteriaEvaluator
	sink     AuditSink

	mu             sync.RWMutex
	phases         map[Phase]PhaseConfig
	current        Phase
	history        []PhaseTransition
	budget         int
	used           int
	reserved       int
	tasksInPhase   int
	phaseTaskTypes map[string]struct{}
	agentTypes     map[string]struct{}
	audit          []AuditEntry
	auditLimit     int
}

// NewEngine builds an engine starting at the initialization phase.
func NewEngine(cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	budget := cfg.ComplexityBudget
	if budget == 0 {
		budget = DefaultComplexityBudget
	}
	if budget < 0 {
		return nil, sdkerrors.Configuration("INVALID_BUDGET", fmt.Sprintf("complexity budget must be positive, got %d", budget))
	}
	phases, err := ApplyOverrides(DefaultPhaseConfigs(), cfg.Phases)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger:         logger,
		criteria:       AlwaysSatisfied{},
		phases:         phases,
		current:        PhaseInitialization,
		budget:         budget,
		phaseTaskTypes: make(map[string]struct{}),
		agentTypes:     make(map[string]struct{}),
		auditLimit:     cfg.AuditLimit,
	}
	for _, opt := range opts {
		opt(e)
	}

	metrics.ComplexityBudget.Set(float64(budget))
	metrics.ComplexityUsed.Set(0)
	metrics.CurrentPhase.Set(float64(e.current))

	logger.Info("Rules engine initialized",
		zap.String("phase", e.current.String()),
		zap.Int("complexity_budget", budget),
		zap.Int("phase_overrides", len(cfg.Phases)),
	)
	return e, nil
}

// RegisterAgentType makes an agent type eligible for scope validation.
func (e *Engine) RegisterAgentType(agentType string) {
	e.mu.Lock()
	e.agentTypes[agentType] = struct{}{}
	e.mu.Unlock()
	e.logger.Debug("Agent type registered", zap.String("agent_type", agentType))
}

// ValidateScope checks a task against the current phase, the budget and the
// registered agent types. It never mutates state.
func (e *Engine) ValidateScope(spec models.TaskSpec) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.validateLocked(spec)
}

func (e *Engine) validateLocked(spec models.TaskSpec) error {
	cfg := e.phases[e.current]
	phase := e.current.String()

	if !cfg.Allows(spec.TaskType) {
		return e.violation(CheckTaskType, "SCOPE_TASK_TYPE_NOT_ALLOWED",
			fmt.Sprintf("task type %q not allowed in phase %s", spec.TaskType, phase)).
			WithDetail("allowed_tasks", append([]string(nil), cfg.AllowedTasks...)).
			WithDetail("task_type", spec.TaskType)
	}

	if projected := e.used + e.reserved + spec.Complexity; projected > e.budget {
		return e.violation(CheckBudget, "SCOPE_BUDGET_EXCEEDED",
			fmt.Sprintf("task complexity %d would exceed budget (%d/%d used)", spec.Complexity, e.used+e.reserved, e.budget)).
			WithDetail("complexity", spec.Complexity).
			WithDetail("complexity_used", e.used+e.reserved).
			WithDetail("complexity_budget", e.budget)
	}

	if spec.Complexity > cfg.MaxComplexity {
		return e.violation(CheckPhaseComplexity, "SCOPE_PHASE_COMPLEXITY",
			fmt.Sprintf("task complexity %d exceeds phase maximum %d", spec.Complexity, cfg.MaxComplexity)).
			WithDetail("complexity", spec.Complexity).
			WithDetail("max_complexity", cfg.MaxComplexity)
	}

	if _, ok := e.agentTypes[spec.AgentType]; !ok {
		return e.violation(CheckAgentType, "SCOPE_AGENT_NOT_REGISTERED",
			fmt.Sprintf("agent type %q is not registered", spec.AgentType)).
			WithDetail("agent_type", spec.AgentType)
	}
	return nil
}

func (e *Engine) violation(check, code, msg string) *sdkerrors.Error {
	metrics.ScopeViolations.WithLabelValues(check, e.current.String()).Inc()
	return sdkerrors.ScopeViolation(code, msg).
		WithDetail("check", check).
		WithDetail("phase", e.current.String())
}

// Reservation holds a task's complexity against the budget between scope
// validation and registration.
type Reservation struct {
	engine *Engine
	spec   models.TaskSpec
	phase  Phase
	once   sync.Once
}

// Reserve validates the task and holds its complexity so concurrent callers
// cannot jointly exceed the budget.
func (e *Engine) Reserve(spec models.TaskSpec) (*Reservation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.validateLocked(spec); err != nil {
		return nil, err
	}
	e.reserved += spec.Complexity
	metrics.ComplexityUsed.Set(float64(e.used + e.reserved))
	return &Reservation{engine: e, spec: spec, phase: e.current}, nil
}

// Commit registers the execution and converts the held complexity into usage.
func (r *Reservation) Commit(agentID string, status models.TaskStatus) {
	r.once.Do(func() {
		e := r.engine
		e.mu.Lock()
		e.reserved -= r.spec.Complexity
		entry := e.registerLocked(r.spec, agentID, status, r.phase)
		e.mu.Unlock()
		e.afterRegister(entry)
	})
}

// Release returns the held complexity without registering anything.
func (r *Reservation) Release() {
	r.once.Do(func() {
		e := r.engine
		e.mu.Lock()
		e.reserved -= r.spec.Complexity
		metrics.ComplexityUsed.Set(float64(e.used + e.reserved))
		e.mu.Unlock()
	})
}

// RegisterTaskExecution adds the task's complexity to the used counter and
// appends an audit entry. It never fails.
func (e *Engine) RegisterTaskExecution(spec models.TaskSpec, agentID string, status models.TaskStatus) {
	e.mu.Lock()
	entry := e.registerLocked(spec, agentID, status, e.current)
	e.mu.Unlock()
	e.afterRegister(entry)
}

func (e *Engine) registerLocked(spec models.TaskSpec, agentID string, status models.TaskStatus, phase Phase) AuditEntry {
	e.used += spec.Complexity
	if phase == e.current {
		e.tasksInPhase++
		e.phaseTaskTypes[spec.TaskType] = struct{}{}
	}
	entry := AuditEntry{
		TaskID:     spec.TaskID,
		AgentID:    agentID,
		AgentType:  spec.AgentType,
		TaskType:   spec.TaskType,
		Complexity: spec.Complexity,
		Phase:      phase,
		Status:     status,
		Timestamp:  time.Now().UTC(),
	}
	e.audit = append(e.audit, entry)
	if e.auditLimit > 0 && len(e.audit) > e.auditLimit {
		e.audit = e.audit[len(e.audit)-e.auditLimit:]
	}
	metrics.ComplexityUsed.Set(float64(e.used + e.reserved))
	return entry
}

func (e *Engine) afterRegister(entry AuditEntry) {
	if e.sink != nil {
		e.sink.RecordAudit(entry)
	}
	e.logger.Info("Task execution registered",
		zap.String("task_id", entry.TaskID),
		zap.String("agent_id", entry.AgentID),
		zap.String("task_type", entry.TaskType),
		zap.Int("complexity", entry.Complexity),
		zap.String("phase", entry.Phase.String()),
	)
}

// snapshot is a consistent copy of the state criteria are judged against.
type snapshot struct {
	current    Phase
	config     PhaseConfig
	used       int
	budget     int
	tasks      int
	taskTypes  []string
	agentTypes []string
}

func (e *Engine) snapshot() snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return snapshot{
		current:    e.current,
		config:     e.phases[e.current].clone(),
		used:       e.used,
		budget:     e.budget,
		tasks:      e.tasksInPhase,
		taskTypes:  sortedKeys(e.phaseTaskTypes),
		agentTypes: sortedKeys(e.agentTypes),
	}
}

// evaluate counts satisfied criteria of the snapshot phase. Evaluator errors
// count as unsatisfied.
func (e *Engine) evaluate(ctx context.Context, s snapshot) int {
	satisfied := 0
	for _, criterion := range s.config.CompletionCriteria {
		ok, err := e.criteria.Satisfied(ctx, CriteriaInput{
			Phase:              s.current.String(),
			PhaseName:          s.config.Name,
			Criterion:          criterion,
			ComplexityUsed:     s.used,
			ComplexityBudget:   s.budget,
			TasksCompleted:     s.tasks,
			CompletedTaskTypes: s.taskTypes,
			AgentTypes:         s.agentTypes,
		})
		if err != nil {
			e.logger.Warn("Completion criterion evaluation failed",
				zap.String("phase", s.current.String()),
				zap.String("criterion", criterion),
				zap.Error(err),
			)
			continue
		}
		if ok {
			satisfied++
		}
	}
	return satisfied
}

// CanProgressTo reports whether target is the immediate successor of the
// current phase and all current completion criteria are satisfied.
func (e *Engine) CanProgressTo(ctx context.Context, target Phase) bool {
	s := e.snapshot()
	return e.canProgress(ctx, s, target)
}

func (e *Engine) canProgress(ctx context.Context, s snapshot, target Phase) bool {
	next, ok := s.current.Next()
	if !ok || next != target {
		return false
	}
	return e.evaluate(ctx, s) == len(s.config.CompletionCriteria)
}

// ProgressTo moves to target when permitted. It returns false and leaves the
// state untouched otherwise.
func (e *Engine) ProgressTo(ctx context.Context, target Phase) bool {
	s := e.snapshot()
	if !e.canProgress(ctx, s, target) {
		metrics.PhaseTransitions.WithLabelValues(s.current.String(), target.String(), "refused").Inc()
		e.logger.Info("Phase progression refused",
			zap.String("current", s.current.String()),
			zap.String("target", target.String()),
		)
		return false
	}

	e.mu.Lock()
	if e.current != s.current {
		// another caller advanced while criteria were evaluated
		e.mu.Unlock()
		metrics.PhaseTransitions.WithLabelValues(s.current.String(), target.String(), "conflict").Inc()
		return false
	}
	t := PhaseTransition{From: e.current, To: target, At: time.Now().UTC()}
	e.history = append(e.history, t)
	e.current = target
	e.tasksInPhase = 0
	e.phaseTaskTypes = make(map[string]struct{})
	e.mu.Unlock()

	metrics.CurrentPhase.Set(float64(target))
	metrics.PhaseTransitions.WithLabelValues(t.From.String(), t.To.String(), "progressed").Inc()
	if e.sink != nil {
		e.sink.RecordPhaseTransition(t)
	}
	e.logger.Info("Phase progressed",
		zap.String("from", t.From.String()),
		zap.String("to", t.To.String()),
	)
	return true
}

// ProgressToName is ProgressTo for a phase name; unknown names are configuration errors.
func (e *Engine) ProgressToName(ctx context.Context, name string) (bool, error) {
	target, err := ParsePhase(name)
	if err != nil {
		return false, err
	}
	return e.ProgressTo(ctx, target), nil
}

// ResetComplexityBudget clears consumed complexity. Open reservations are kept.
func (e *Engine) ResetComplexityBudget() {
	e.mu.Lock()
	e.used = 0
	metrics.ComplexityUsed.Set(float64(e.reserved))
	e.mu.Unlock()
	e.logger.Info("Complexity budget reset")
}

// CurrentPhase returns the phase the engine is in.
func (e *Engine) CurrentPhase() Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// PhaseConfig returns the configuration of a phase.
func (e *Engine) PhaseConfig(p Phase) (PhaseConfig, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.phases[p]
	return c.clone(), ok
}

// PhaseConfigs returns the full phase table.
func (e *Engine) PhaseConfigs() map[Phase]PhaseConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[Phase]PhaseConfig, len(e.phases))
	for p, c := range e.phases {
		out[p] = c.clone()
	}
	return out
}

// History returns the phase transitions so far, oldest first.
func (e *Engine) History() []PhaseTransition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]PhaseTransition(nil), e.history...)
}

// AuditLog returns the retained audit entries, oldest first.
func (e *Engine) AuditLog() []AuditEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]AuditEntry(nil), e.audit...)
}

// PhaseStatus summarises the engine for status reporting.
type PhaseStatus struct {
	CurrentPhase        Phase             `json:"current_phase"`
	PhaseName           string            `json:"phase_name"`
	ComplexityBudget    int               `json:"complexity_budget"`
	ComplexityUsed      int               `json:"complexity_used"`
	ComplexityReserved  int               `json:"complexity_reserved"`
	ComplexityRemaining int               `json:"complexity_remaining"`
	TasksCompleted      int               `json:"tasks_completed"`
	CriteriaSatisfied   int               `json:"criteria_satisfied"`
	CriteriaTotal       int               `json:"criteria_total"`
	Progress            float64           `json:"progress"`
	CanProgress         bool              `json:"can_progress"`
	NextPhase           string            `json:"next_phase,omitempty"`
	History             []PhaseTransition `json:"history"`
}

// Status reports the current phase, budget and criteria progress.
func (e *Engine) Status(ctx context.Context) PhaseStatus {
	s := e.snapshot()
	e.mu.RLock()
	reserved := e.reserved
	history := append([]PhaseTransition(nil), e.history...)
	e.mu.RUnlock()

	satisfied := e.evaluate(ctx, s)
	total := len(s.config.CompletionCriteria)
	st := PhaseStatus{
		CurrentPhase:        s.current,
		PhaseName:           s.config.Name,
		ComplexityBudget:    s.budget,
		ComplexityUsed:      s.used,
		ComplexityReserved:  reserved,
		ComplexityRemaining: s.budget - s.used - reserved,
		TasksCompleted:      s.tasks,
		CriteriaSatisfied:   satisfied,
		CriteriaTotal:       total,
		History:             history,
	}
	if total > 0 {
		st.Progress = float64(satisfied) / float64(total)
	} else {
		st.Progress = 1
	}
	if next, ok := s.current.Next(); ok {
		st.NextPhase = next.String()
		st.CanProgress = satisfied == total
	}
	return st
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
