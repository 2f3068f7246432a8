package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/registry"
)

const slowPingThreshold = 100 * time.Millisecond

// Pinger is satisfied by the ledger client and the Redis event sink.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports unhealthy when Ping fails and degraded when it is slow.
type PingChecker struct {
	name     string
	target   Pinger
	critical bool
	timeout  time.Duration
}

// NewLedgerChecker probes the execution ledger database. The ledger only
// records history, so it never takes the service out of readiness.
func NewLedgerChecker(p Pinger) *PingChecker {
	return &PingChecker{name: "ledger", target: p, timeout: 5 * time.Second}
}

// NewRedisChecker probes the Redis event stream.
func NewRedisChecker(p Pinger) *PingChecker {
	return &PingChecker{name: "redis_events", target: p, timeout: 3 * time.Second}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := p.target.Ping(ctx)
	latency := time.Since(start)

	result := CheckResult{Details: map[string]interface{}{"latency_ms": latency.Milliseconds()}}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = p.name + " ping failed"
	case latency > slowPingThreshold:
		result.Status = StatusDegraded
		result.Message = p.name + " responding with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = p.name + " healthy"
	}
	return result
}

// PromptDirChecker verifies the prompt directory exists and holds templates.
type PromptDirChecker struct {
	dir string
}

func NewPromptDirChecker(dir string) *PromptDirChecker { return &PromptDirChecker{dir: dir} }

func (c *PromptDirChecker) Name() string           { return "prompts" }
func (c *PromptDirChecker) IsCritical() bool       { return true }
func (c *PromptDirChecker) Timeout() time.Duration { return 2 * time.Second }

func (c *PromptDirChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Details: map[string]interface{}{"directory": c.dir}}

	info, err := os.Stat(c.dir)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Prompt directory unavailable"
		return result
	}
	if !info.IsDir() {
		result.Status = StatusUnhealthy
		result.Message = "Prompt path is not a directory"
		return result
	}

	matches, err := filepath.Glob(filepath.Join(c.dir, "*.md"))
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Prompt directory unreadable"
		return result
	}
	result.Details["templates"] = len(matches)
	if len(matches) == 0 {
		// built-in defaults still serve every agent type
		result.Status = StatusDegraded
		result.Message = "No prompt templates on disk"
		return result
	}
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("%d prompt template(s) available", len(matches))
	return result
}

// AgentLister is the part of the registry the agent pool check reads.
type AgentLister interface {
	List(agentType string) []registry.AgentInfo
}

// AgentPoolChecker reports how many registered agents accept work.
type AgentPoolChecker struct {
	agents AgentLister
}

func NewAgentPoolChecker(agents AgentLister) *AgentPoolChecker {
	return &AgentPoolChecker{agents: agents}
}

func (c *AgentPoolChecker) Name() string           { return "agents" }
func (c *AgentPoolChecker) IsCritical() bool       { return true }
func (c *AgentPoolChecker) Timeout() time.Duration { return time.Second }

func (c *AgentPoolChecker) Check(ctx context.Context) CheckResult {
	all := c.agents.List("")
	byStatus := make(map[string]int)
	accepting := 0
	for _, a := range all {
		byStatus[string(a.Status)]++
		if a.Status.Accepting() {
			accepting++
		}
	}

	result := CheckResult{Details: map[string]interface{}{
		"registered": len(all),
		"accepting":  accepting,
		"by_status":  byStatus,
	}}
	switch {
	case len(all) == 0:
		result.Status = StatusUnhealthy
		result.Message = "No agents registered"
	case accepting == 0:
		result.Status = StatusUnhealthy
		result.Message = "No agent accepting tasks"
	case byStatus[string(models.AgentStatusError)] > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d agent(s) in error state", byStatus[string(models.AgentStatusError)])
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d of %d agent(s) accepting tasks", accepting, len(all))
	}
	return result
}

// FuncChecker adapts a function into a Checker.
type FuncChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

func NewFuncChecker(name string, critical bool, timeout time.Duration, fn func(ctx context.Context) CheckResult) *FuncChecker {
	return &FuncChecker{name: name, critical: critical, timeout: timeout, checkFn: fn}
}

func (c *FuncChecker) Name() string                          { return c.name }
func (c *FuncChecker) IsCritical() bool                      { return c.critical }
func (c *FuncChecker) Timeout() time.Duration                { return c.timeout }
func (c *FuncChecker) Check(ctx context.Context) CheckResult { return c.checkFn(ctx) }
