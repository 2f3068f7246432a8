package config

import (
	"fmt"
	"strings"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/policy"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/rules"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

// FieldError is one invalid setting.
type FieldError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

func configError(code, msg string, cause error) *sdkerrors.Error {
	return sdkerrors.Wrap(sdkerrors.ErrConfiguration, code, msg, cause)
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []FieldError
	add := func(field string, value interface{}, msg string) {
		errs = append(errs, FieldError{Field: field, Value: value, Message: msg})
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", c.Log.Level, "must be one of debug, info, warn, error")
	}

	if c.Rules.ComplexityBudget <= 0 {
		add("rules.complexity_budget", c.Rules.ComplexityBudget, "must be positive")
	}
	for name := range c.Rules.Phases {
		if _, err := rules.ParsePhase(name); err != nil {
			add("rules.phases."+name, name, "unknown phase")
		}
	}

	if strings.TrimSpace(c.Prompts.Directory) == "" {
		add("prompts.directory", c.Prompts.Directory, "is required")
	}
	if c.Prompts.MaxCacheSize <= 0 {
		add("prompts.max_cache_size", c.Prompts.MaxCacheSize, "must be positive")
	}

	o := c.Orchestrator
	if o.MaxConcurrentTasks <= 0 {
		add("orchestrator.max_concurrent_tasks", o.MaxConcurrentTasks, "must be positive")
	}
	if o.DefaultTimeout <= 0 {
		add("orchestrator.default_timeout", o.DefaultTimeout, "must be positive")
	}
	if o.TimeoutCheckInterval <= 0 {
		add("orchestrator.timeout_check_interval", o.TimeoutCheckInterval, "must be positive")
	}
	if o.QueuePollInterval <= 0 {
		add("orchestrator.queue_poll_interval", o.QueuePollInterval, "must be positive")
	}
	if o.QueueCapacity <= 0 {
		add("orchestrator.queue_capacity", o.QueueCapacity, "must be positive")
	}
	if o.HistoryLimit <= 0 {
		add("orchestrator.history_limit", o.HistoryLimit, "must be positive")
	}

	for t, a := range c.Agents {
		prefix := "agents." + t + "."
		if a.Instances < 0 {
			add(prefix+"instances", a.Instances, "cannot be negative")
		}
		if a.MaxConcurrent <= 0 {
			add(prefix+"max_concurrent", a.MaxConcurrent, "must be positive")
		}
		if a.MaxComplexity < 0 {
			add(prefix+"max_complexity", a.MaxComplexity, "cannot be negative")
		}
		if a.RatePerSecond < 0 {
			add(prefix+"rate_per_second", a.RatePerSecond, "cannot be negative")
		}
	}

	if v := c.Validation.MinConfidence; v < 0 || v > 1 {
		add("validation.min_confidence", v, "must be between 0 and 1")
	}

	seen := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		field := fmt.Sprintf("mcp.servers[%d]", i)
		switch {
		case s.Name == "":
			add(field+".name", s.Name, "is required")
		case seen[s.Name]:
			add(field+".name", s.Name, "is duplicated")
		case (s.Command == "") == (s.URL == ""):
			add(field, s.Name, "needs exactly one of command or url")
		}
		seen[s.Name] = true
	}

	if c.Events.RingCapacity <= 0 {
		add("events.ring_capacity", c.Events.RingCapacity, "must be positive")
	}
	if c.Events.Redis.Enabled && c.Events.Redis.Addr == "" {
		add("events.redis.addr", c.Events.Redis.Addr, "is required when redis is enabled")
	}

	if c.Ledger.Enabled {
		switch c.Ledger.Driver {
		case "sqlite3", "postgres":
		default:
			add("ledger.driver", c.Ledger.Driver, "must be sqlite3 or postgres")
		}
		if c.Ledger.DSN == "" {
			add("ledger.dsn", c.Ledger.DSN, "is required when the ledger is enabled")
		}
	}

	switch c.Policy.Mode {
	case policy.ModeOff, policy.ModeDryRun, policy.ModeEnforce:
	default:
		add("policy.mode", c.Policy.Mode, "must be off, dry-run or enforce")
	}

	if c.Admin.AuthEnabled && len(c.Admin.JWTSecret) < 16 {
		add("admin.jwt_secret", "<redacted>", "must be at least 16 characters when auth is enabled")
	}

	if len(errs) == 0 {
		return nil
	}
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = e.String()
	}
	return sdkerrors.Configuration("CONFIG_INVALID", fmt.Sprintf("%d invalid setting(s): %s", len(errs), strings.Join(lines, "; "))).
		WithDetail("issues", lines)
}
