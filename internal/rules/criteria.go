package rules

import (
	"context"
	"sync"
)

// CriteriaInput is the state a completion criterion is judged against.
type CriteriaInput struct {
	Phase              string   `json:"phase"`
	PhaseName          string   `json:"phase_name"`
	Criterion          string   `json:"criterion"`
	ComplexityUsed     int      `json:"complexity_used"`
	ComplexityBudget   int      `json:"complexity_budget"`
	TasksCompleted     int      `json:"tasks_completed"`
	CompletedTaskTypes []string `json:"completed_task_types"`
	AgentTypes         []string `json:"agent_types"`
}

// CriteriaEvaluator decides whether a phase completion criterion holds.
type CriteriaEvaluator interface {
	Satisfied(ctx context.Context, in CriteriaInput) (bool, error)
}

// AlwaysSatisfied accepts every criterion.
type AlwaysSatisfied struct{}

func (AlwaysSatisfied) Satisfied(context.Context, CriteriaInput) (bool, error) { return true, nil }

// CriteriaFunc adapts a function to CriteriaEvaluator.
type CriteriaFunc func(ctx context.Context, in CriteriaInput) (bool, error)

func (f CriteriaFunc) Satisfied(ctx context.Context, in CriteriaInput) (bool, error) {
	return f(ctx, in)
}

// Checklist holds criteria that have been signed off explicitly.
type Checklist struct {
	mu   sync.RWMutex
	done map[string]bool
}

func NewChecklist() *Checklist {
	return &Checklist{done: make(map[string]bool)}
}

func checklistKey(phase, criterion string) string { return phase + "/" + criterion }

// Mark signs off a criterion of a phase.
func (c *Checklist) Mark(phase Phase, criterion string) {
	c.mu.Lock()
	c.done[checklistKey(phase.String(), criterion)] = true
	c.mu.Unlock()
}

// Unmark withdraws a sign-off.
func (c *Checklist) Unmark(phase Phase, criterion string) {
	c.mu.Lock()
	delete(c.done, checklistKey(phase.String(), criterion))
	c.mu.Unlock()
}

func (c *Checklist) Satisfied(_ context.Context, in CriteriaInput) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done[checklistKey(in.Phase, in.Criterion)], nil
}
