// Package config loads the team leader configuration from defaults, an
// optional YAML file and TEAMLEADER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/circuitbreaker"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/db"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/mcp"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/orchestrator"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/policy"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/prompts"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/ratecontrol"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/rules"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/teamleader"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/tracing"
)

// EnvPrefix prefixes every environment override, e.g. TEAMLEADER_RULES_COMPLEXITY_BUDGET.
const EnvPrefix = "TEAMLEADER"

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type RulesConfig struct {
	ComplexityBudget int                            `mapstructure:"complexity_budget"`
	AuditLimit       int                            `mapstructure:"audit_limit"`
	Phases           map[string]rules.PhaseOverride `mapstructure:"phases"`
}

type PromptsConfig struct {
	Directory    string        `mapstructure:"directory"`
	MaxCacheSize int           `mapstructure:"max_cache_size"`
	MinLength    int           `mapstructure:"min_length"`
	Watch        bool          `mapstructure:"watch"`
	SeedDefaults bool          `mapstructure:"seed_defaults"`
	Debounce     time.Duration `mapstructure:"debounce"`
}

// AgentConfig sizes the specialists of one agent type.
type AgentConfig struct {
	Instances     int           `mapstructure:"instances"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxComplexity int           `mapstructure:"max_complexity"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Permissions   []string      `mapstructure:"permissions"`
}

type LLMConfig struct {
	ServiceURL  string        `mapstructure:"service_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
}

type MCPConfig struct {
	Servers []mcp.ServerConfig `mapstructure:"servers"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

type EventsConfig struct {
	RingCapacity int         `mapstructure:"ring_capacity"`
	Redis        RedisConfig `mapstructure:"redis"`
}

type LedgerConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	db.Config `mapstructure:",squash"`
}

type AdminConfig struct {
	Addr        string        `mapstructure:"addr"`
	GRPCAddr    string        `mapstructure:"grpc_addr"`
	AuthEnabled bool          `mapstructure:"auth_enabled"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
}

// Config is the full service configuration.
type Config struct {
	Log            LogConfig                   `mapstructure:"log"`
	Rules          RulesConfig                 `mapstructure:"rules"`
	Prompts        PromptsConfig               `mapstructure:"prompts"`
	Orchestrator   orchestrator.Config         `mapstructure:"orchestrator"`
	Agents         map[string]AgentConfig      `mapstructure:"agents"`
	RateLimit      ratecontrol.Limit           `mapstructure:"rate_limit"`
	Validation     teamleader.ValidationConfig `mapstructure:"validation"`
	LLM            LLMConfig                   `mapstructure:"llm"`
	MCP            MCPConfig                   `mapstructure:"mcp"`
	CircuitBreaker circuitbreaker.Config       `mapstructure:"circuit_breaker"`
	Events         EventsConfig                `mapstructure:"events"`
	Ledger         LedgerConfig                `mapstructure:"ledger"`
	Policy         policy.Config               `mapstructure:"policy"`
	Tracing        tracing.Config              `mapstructure:"tracing"`
	Admin          AdminConfig                 `mapstructure:"admin"`
}

// defaultAgentTypes get an agents.<type> section even without a config file.
var defaultAgentTypes = []string{
	models.AgentTypeResearch,
	models.AgentTypeCodebaseAnalyzer,
	models.AgentTypeFrontend,
	models.AgentTypeBackend,
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("rules.complexity_budget", rules.DefaultComplexityBudget)
	v.SetDefault("rules.audit_limit", 10000)

	v.SetDefault("prompts.directory", "./prompts")
	v.SetDefault("prompts.max_cache_size", prompts.DefaultMaxEntries)
	v.SetDefault("prompts.min_length", prompts.DefaultMinLength)
	v.SetDefault("prompts.watch", true)
	v.SetDefault("prompts.seed_defaults", true)
	v.SetDefault("prompts.debounce", "50ms")

	v.SetDefault("orchestrator.max_concurrent_tasks", orchestrator.DefaultMaxConcurrentTasks)
	v.SetDefault("orchestrator.default_timeout", orchestrator.DefaultTimeout)
	v.SetDefault("orchestrator.timeout_check_interval", orchestrator.DefaultTimeoutCheckInterval)
	v.SetDefault("orchestrator.queue_poll_interval", orchestrator.DefaultQueuePollInterval)
	v.SetDefault("orchestrator.queue_capacity", orchestrator.DefaultQueueCapacity)
	v.SetDefault("orchestrator.history_limit", orchestrator.DefaultHistoryLimit)

	for _, t := range defaultAgentTypes {
		prefix := "agents." + t + "."
		v.SetDefault(prefix+"instances", 1)
		v.SetDefault(prefix+"max_concurrent", 3)
		v.SetDefault(prefix+"max_complexity", models.MaxComplexity)
		v.SetDefault(prefix+"timeout", orchestrator.DefaultTimeout)
		v.SetDefault(prefix+"rate_per_second", 0)
		v.SetDefault(prefix+"burst", 0)
	}
	v.SetDefault("rate_limit.rate_per_second", 0)
	v.SetDefault("rate_limit.burst", 0)

	v.SetDefault("validation.min_content_length", teamleader.DefaultMinContentLength)
	v.SetDefault("validation.min_confidence", teamleader.DefaultMinConfidence)
	v.SetDefault("validation.mock_indicators", teamleader.DefaultMockIndicators)

	v.SetDefault("llm.service_url", "")
	v.SetDefault("llm.timeout", "2m")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.2)

	cb := circuitbreaker.DefaultConfig()
	v.SetDefault("circuit_breaker.max_requests", cb.MaxRequests)
	v.SetDefault("circuit_breaker.interval", cb.Interval)
	v.SetDefault("circuit_breaker.timeout", cb.Timeout)
	v.SetDefault("circuit_breaker.failure_threshold", cb.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", cb.SuccessThreshold)

	v.SetDefault("events.ring_capacity", 256)
	v.SetDefault("events.redis.enabled", false)
	v.SetDefault("events.redis.addr", "localhost:6379")
	v.SetDefault("events.redis.password", "")
	v.SetDefault("events.redis.db", 0)
	v.SetDefault("events.redis.stream", "teamleader:events")
	v.SetDefault("events.redis.max_len", 10000)

	v.SetDefault("ledger.enabled", false)
	v.SetDefault("ledger.driver", "sqlite3")
	v.SetDefault("ledger.dsn", "file:teamleader.db?_busy_timeout=5000")
	v.SetDefault("ledger.max_connections", 10)
	v.SetDefault("ledger.workers", 2)
	v.SetDefault("ledger.queue_size", 1000)
	v.SetDefault("ledger.write_timeout", "5s")

	pc := policy.DefaultConfig()
	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.mode", string(pc.Mode))
	v.SetDefault("policy.path", "")
	v.SetDefault("policy.query", policy.DefaultQuery)
	v.SetDefault("policy.fail_closed", false)
	v.SetDefault("policy.cache_size", pc.CacheSize)
	v.SetDefault("policy.cache_ttl", pc.CacheTTL)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "teamleader")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("admin.addr", ":8081")
	v.SetDefault("admin.grpc_addr", ":50052")
	v.SetDefault("admin.auth_enabled", false)
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.token_ttl", "24h")
}

// Load reads path (optional) over the defaults and applies environment
// overrides. A missing file yields the defaults; an unreadable or malformed
// file is a configuration error.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, configError("CONFIG_READ_FAILED", fmt.Sprintf("failed to read config file %s", path), err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, configError("CONFIG_READ_FAILED", fmt.Sprintf("failed to stat config file %s", path), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configError("CONFIG_DECODE_FAILED", "failed to decode configuration", err)
	}
	cfg.fillAgentDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fillAgentDefaults sizes agent types that only the config file names.
func (c *Config) fillAgentDefaults() {
	for t, a := range c.Agents {
		if a.MaxConcurrent == 0 {
			a.MaxConcurrent = 3
		}
		if a.MaxComplexity == 0 {
			a.MaxComplexity = models.MaxComplexity
		}
		c.Agents[t] = a
	}
}

// TeamLeader returns the facade configuration.
func (c *Config) TeamLeader() teamleader.Config {
	orch := c.Orchestrator
	orch.AgentTimeouts = make(map[string]time.Duration, len(c.Agents))
	for t, a := range c.Agents {
		if a.Timeout > 0 {
			orch.AgentTimeouts[t] = a.Timeout
		}
	}
	return teamleader.Config{
		Rules: rules.Config{
			ComplexityBudget: c.Rules.ComplexityBudget,
			Phases:           c.Rules.Phases,
			AuditLimit:       c.Rules.AuditLimit,
		},
		Prompts: prompts.Config{
			Dir:          c.Prompts.Directory,
			MaxEntries:   c.Prompts.MaxCacheSize,
			MinLength:    c.Prompts.MinLength,
			Watch:        c.Prompts.Watch,
			SeedDefaults: c.Prompts.SeedDefaults,
			Debounce:     c.Prompts.Debounce,
		},
		Orchestrator: orch,
		Validation:   c.Validation,
	}
}

// RateLimits returns the per-agent-type token buckets.
func (c *Config) RateLimits() map[string]ratecontrol.Limit {
	out := make(map[string]ratecontrol.Limit)
	for t, a := range c.Agents {
		if a.RatePerSecond > 0 {
			out[t] = ratecontrol.Limit{RatePerSecond: a.RatePerSecond, Burst: a.Burst}
		}
	}
	return out
}
