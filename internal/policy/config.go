package policy

import "time"

// Mode defines how criteria decisions are applied
type Mode string

const (
	// ModeOff skips evaluation; every criterion resolves to the fail-open/closed default
	ModeOff Mode = "off"
	// ModeDryRun evaluates and logs, but reports every criterion as satisfied
	ModeDryRun Mode = "dry-run"
	// ModeEnforce reports the policy decision as is
	ModeEnforce Mode = "enforce"
)

// DefaultQuery is the rule every criteria policy must define.
const DefaultQuery = "data.teamleader.criteria.satisfied"

// Config holds criteria policy configuration
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	Mode    Mode `mapstructure:"mode"`

	// Path to a directory of .rego files. Empty uses the bundled policy.
	Path string `mapstructure:"path"`

	// Query overrides DefaultQuery.
	Query string `mapstructure:"query"`

	// FailClosed makes missing or broken policies reject criteria instead of accepting them
	FailClosed bool `mapstructure:"fail_closed"`

	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// DefaultConfig enforces the bundled policy.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Mode:      ModeEnforce,
		Query:     DefaultQuery,
		CacheSize: 1000,
		CacheTTL:  30 * time.Second,
	}
}

func (c Config) normalized() Config {
	switch c.Mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	case "":
		c.Mode = ModeEnforce
	default:
		c.Mode = ModeOff
	}
	if c.Mode == ModeOff {
		c.Enabled = false
	}
	if c.Query == "" {
		c.Query = DefaultQuery
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	return c
}
