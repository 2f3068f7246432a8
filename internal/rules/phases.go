package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

// Phase is one stage of the development process. Phases only move forward,
// one step at a time.
type Phase int

const (
	PhaseInitialization Phase = iota
	PhaseResearch
	PhasePlanning
	PhaseContextPreparation
	PhaseValidation
	PhaseImplementation
	PhaseVerification
	PhaseTesting
	PhaseUserValueValidation
	PhaseDocumentation
	PhasePreparation
)

var phaseNames = [...]string{
	"initialization",
	"research",
	"planning",
	"context_preparation",
	"validation",
	"implementation",
	"verification",
	"testing",
	"user_value_validation",
	"documentation",
	"preparation",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Valid reports whether p is one of the defined phases.
func (p Phase) Valid() bool {
	return p >= PhaseInitialization && p <= PhasePreparation
}

// Next returns the immediate successor of p.
func (p Phase) Next() (Phase, bool) {
	if !p.Valid() || p == PhasePreparation {
		return p, false
	}
	return p + 1, true
}

// MarshalText renders the phase by name in JSON and YAML output.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePhase resolves a phase name such as "implementation" or "USER_VALUE_VALIDATION".
func ParsePhase(name string) (Phase, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "-", "_")
	for i, candidate := range phaseNames {
		if candidate == n {
			return Phase(i), nil
		}
	}
	return 0, sdkerrors.Configuration("INVALID_PHASE", fmt.Sprintf("invalid phase name: %q", name)).
		WithDetail("phase", name)
}

// AllPhases lists every phase in order.
func AllPhases() []Phase {
	out := make([]Phase, 0, len(phaseNames))
	for i := range phaseNames {
		out = append(out, Phase(i))
	}
	return out
}

// PhaseConfig describes what a phase permits and when it is complete.
type PhaseConfig struct {
	Name               string        `json:"name"`
	AllowedTasks       []string      `json:"allowed_tasks"`
	CompletionCriteria []string      `json:"completion_criteria"`
	MaxComplexity      int           `json:"max_complexity"`
	Timeout            time.Duration `json:"timeout"`
}

// Allows reports whether taskType may run in the phase.
func (c PhaseConfig) Allows(taskType string) bool {
	for _, t := range c.AllowedTasks {
		if t == taskType {
			return true
		}
	}
	return false
}

func (c PhaseConfig) clone() PhaseConfig {
	c.AllowedTasks = append([]string(nil), c.AllowedTasks...)
	c.CompletionCriteria = append([]string(nil), c.CompletionCriteria...)
	return c
}

// PhaseOverride replaces a phase definition from configuration.
type PhaseOverride struct {
	Name               string   `mapstructure:"name" yaml:"name"`
	AllowedTasks       []string `mapstructure:"allowed_tasks" yaml:"allowed_tasks"`
	CompletionCriteria []string `mapstructure:"completion_criteria" yaml:"completion_criteria"`
	MaxComplexity      int      `mapstructure:"max_complexity" yaml:"max_complexity"`
	TimeoutSeconds     int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// Defaults applied to overrides that leave a field empty.
const (
	defaultOverrideMaxComplexity = 5
	defaultOverrideTimeout       = 600 * time.Second
)

// DefaultPhaseConfigs returns the built-in phase table.
func DefaultPhaseConfigs() map[Phase]PhaseConfig {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return map[Phase]PhaseConfig{
		PhaseInitialization: {
			Name:               "Initialization",
			AllowedTasks:       []string{"system_setup", "configuration", "validation"},
			CompletionCriteria: []string{"team_leader_operational", "subsystems_initialized"},
			MaxComplexity:      3,
			Timeout:            sec(300),
		},
		PhaseResearch: {
			Name:               "Research Collection & Synthesis",
			AllowedTasks:       []string{"research", "analysis", "knowledge_synthesis"},
			CompletionCriteria: []string{"research_completed", "findings_synthesized"},
			MaxComplexity:      8,
			Timeout:            sec(1800),
		},
		PhasePlanning: {
			Name:               "Plan",
			AllowedTasks:       []string{"architecture", "design", "planning"},
			CompletionCriteria: []string{"implementation_plan_created", "architecture_approved"},
			MaxComplexity:      7,
			Timeout:            sec(1200),
		},
		PhaseContextPreparation: {
			Name:               "Context Preparation",
			AllowedTasks:       []string{"context_assembly", "validation", "documentation"},
			CompletionCriteria: []string{"context_prepared", "validation_passed"},
			MaxComplexity:      5,
			Timeout:            sec(600),
		},
		PhaseValidation: {
			Name:               "Validate",
			AllowedTasks:       []string{"validation", "risk_assessment", "scope_check"},
			CompletionCriteria: []string{"mock_risk_assessed", "scope_validated"},
			MaxComplexity:      6,
			Timeout:            sec(900),
		},
		PhaseImplementation: {
			Name:               "Implement",
			AllowedTasks:       []string{"development", "coding", "implementation"},
			CompletionCriteria: []string{"functional_implementation", "no_mocks"},
			MaxComplexity:      10,
			Timeout:            sec(3600),
		},
		PhaseVerification: {
			Name:               "Verify",
			AllowedTasks:       []string{"verification", "testing", "quality_check"},
			CompletionCriteria: []string{"independent_verification", "features_match_plan"},
			MaxComplexity:      8,
			Timeout:            sec(1800),
		},
		PhaseTesting: {
			Name:               "Test",
			AllowedTasks:       []string{"testing", "qa", "integration_testing"},
			CompletionCriteria: []string{"comprehensive_testing", "no_mocks_detected"},
			MaxComplexity:      9,
			Timeout:            sec(2400),
		},
		PhaseUserValueValidation: {
			Name:               "User Value Validation",
			AllowedTasks:       []string{"validation", "user_testing", "compliance_check"},
			CompletionCriteria: []string{"value_delivered", "technical_compliance"},
			MaxComplexity:      7,
			Timeout:            sec(1200),
		},
		PhaseDocumentation: {
			Name:               "Document",
			AllowedTasks:       []string{"documentation", "guides", "api_docs"},
			CompletionCriteria: []string{"documentation_created", "approved_features_only"},
			MaxComplexity:      5,
			Timeout:            sec(900),
		},
		PhasePreparation: {
			Name:               "Prepare",
			AllowedTasks:       []string{"preparation", "setup", "configuration"},
			CompletionCriteria: []string{"next_part_ready", "cleanup_completed"},
			MaxComplexity:      3,
			Timeout:            sec(300),
		},
	}
}

// ApplyOverrides returns the default table with the given overrides swapped in.
// Keys are phase names; an unknown name is a configuration error.
func ApplyOverrides(base map[Phase]PhaseConfig, overrides map[string]PhaseOverride) (map[Phase]PhaseConfig, error) {
	out := make(map[Phase]PhaseConfig, len(base))
	for p, c := range base {
		out[p] = c.clone()
	}
	for name, ov := range overrides {
		phase, err := ParsePhase(name)
		if err != nil {
			return nil, err
		}
		cfg := PhaseConfig{
			Name:               ov.Name,
			AllowedTasks:       append([]string(nil), ov.AllowedTasks...),
			CompletionCriteria: append([]string(nil), ov.CompletionCriteria...),
			MaxComplexity:      ov.MaxComplexity,
			Timeout:            time.Duration(ov.TimeoutSeconds) * time.Second,
		}
		if cfg.Name == "" {
			cfg.Name = phase.String()
		}
		if cfg.MaxComplexity <= 0 {
			cfg.MaxComplexity = defaultOverrideMaxComplexity
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = defaultOverrideTimeout
		}
		out[phase] = cfg
	}
	return out, nil
}
