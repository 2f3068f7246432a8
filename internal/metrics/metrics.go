package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Delegation metrics
	TasksDelegated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamleader_tasks_delegated_total",
			Help: "Total number of delegate_task calls by agent type and outcome",
		},
		[]string{"agent_type", "outcome"},
	)

	DelegationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamleader_delegation_errors_total",
			Help: "Delegation failures by error kind",
		},
		[]string{"kind"},
	)

	ResultsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamleader_results_rejected_total",
			Help: "Agent results rejected by result validation",
		},
		[]string{"reason"},
	)

	// Task metrics
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamleader_tasks_finished_total",
			Help: "Tasks reaching a terminal status",
		},
		[]string{"agent_type", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "teamleader_task_duration_seconds",
			Help:    "Wall-clock duration of task executions",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"agent_type"},
	)

	ActiveTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teamleader_active_tasks",
			Help: "Tasks currently in flight",
		},
	)

	QueuedTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teamleader_queued_tasks",
			Help: "Tasks waiting in the orchestrator queue",
		},
	)

	TimeoutSweeps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teamleader_timeout_sweep_expired_total",
			Help: "Tasks force-expired by the timeout sweep",
		},
	)

	// Rules metrics
	ScopeViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamleader_scope_violations_total",
			Help: "Scope validation failures by failed check",
		},
		[]string{"check", "phase"},
	)

	ComplexityUsed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teamleader_complexity_used",
			Help: "Complexity consumed from the budget, including reservations",
		},
	)

	ComplexityBudget = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teamleader_complexity_budget",
			Help: "Configured complexity budget",
		},
	)

	CurrentPhase = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teamleader_current_phase",
			Help: "Ordinal of the current phase (0=initialization)",
		},
	)

	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamleader_phase_transitions_total",
			Help: "Phase progression attempts by result",
		},
		[]string{"from", "to", "result"},
	)

	// Prompt cache metrics
	PromptCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teamleader_prompt_cache_hits_total",
			Help: "Prompt loads served from cache",
		},
	)

	PromptCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teamleader_prompt_cache_misses_total",
			Help: "Prompt loads that required reading the file",
		},
	)

	PromptCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teamleader_prompt_cache_evictions_total",
			Help: "Prompt cache entries evicted by the LRU policy",
		},
	)

	PromptReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamleader_prompt_reloads_total",
			Help: "Prompt reloads by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	PromptCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teamleader_prompt_cache_entries",
			Help: "Entries currently held in the prompt cache",
		},
	)

	// Agent metrics
	AgentLoad = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "teamleader_agent_load",
			Help: "Current number of leased tasks per agent",
		},
		[]string{"agent_id", "agent_type"},
	)

	AgentSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamleader_agent_selections_total",
			Help: "Agent selection attempts by result",
		},
		[]string{"agent_type", "result"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamleader_rate_limited_total",
			Help: "Tasks rejected by per-agent-type rate limits",
		},
		[]string{"agent_type"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "teamleader_agent_breaker_state",
			Help: "Agent circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"agent_id"},
	)

	// MCP metrics
	MCPCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamleader_mcp_calls_total",
			Help: "MCP tool calls by server and result",
		},
		[]string{"server", "result"},
	)

	MCPCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "teamleader_mcp_call_duration_seconds",
			Help:    "MCP tool call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	// Side channel metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamleader_events_published_total",
			Help: "Lifecycle events published by sink",
		},
		[]string{"sink"},
	)

	EventSinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamleader_event_sink_errors_total",
			Help: "Lifecycle events dropped or failed by sink",
		},
		[]string{"sink", "reason"},
	)

	LedgerWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamleader_ledger_writes_total",
			Help: "Ledger writes by record type and result",
		},
		[]string{"type", "result"},
	)

	PolicyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teamleader_criteria_evaluations_total",
			Help: "Phase completion criteria evaluations by result",
		},
		[]string{"phase", "result"},
	)
)
