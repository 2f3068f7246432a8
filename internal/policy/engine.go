package policy

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/metrics"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/rules"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

//go:embed policies/*.rego
var bundled embed.FS

// Engine evaluates phase completion criteria with OPA.
type Engine struct {
	config Config
	logger *zap.Logger
	// manual sign-offs short-circuit the policy
	manual rules.CriteriaEvaluator

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	version  string
	modules  int
	cache    *decisionCache
}

// Option configures an Engine.
type Option func(*Engine)

// WithManualSignOffs accepts a criterion whenever ev does, before consulting the policy.
func WithManualSignOffs(ev rules.CriteriaEvaluator) Option {
	return func(e *Engine) { e.manual = ev }
}

// NewEngine creates the engine and compiles its policies. In fail-open mode a
// load failure disables the engine instead of returning an error.
func NewEngine(config Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.normalized()
	e := &Engine{
		config: config,
		logger: logger,
		cache:  newDecisionCache(config.CacheSize, config.CacheTTL),
	}
	for _, opt := range opts {
		opt(e)
	}

	if config.Enabled {
		if err := e.LoadPolicies(context.Background()); err != nil {
			if config.FailClosed {
				return nil, err
			}
			logger.Warn("Failed to load criteria policies, running fail-open", zap.Error(err))
		}
	}
	return e, nil
}

// LoadPolicies (re)compiles every .rego module from the configured directory,
// or the bundled policy when no directory is set.
func (e *Engine) LoadPolicies(ctx context.Context) error {
	policies, err := e.readPolicies()
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrConfiguration, "POLICY_LOAD_FAILED", "failed to read criteria policies", err).
			WithDetail("path", e.config.Path)
	}
	if len(policies) == 0 {
		return sdkerrors.Configuration("POLICY_NOT_FOUND", "no criteria policies found").
			WithDetail("path", e.config.Path)
	}

	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)

	options := []func(*rego.Rego){rego.Query(e.config.Query)}
	for _, name := range names {
		options = append(options, rego.Module(name, policies[name]))
	}
	compiled, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return sdkerrors.Wrap(sdkerrors.ErrConfiguration, "POLICY_COMPILE_FAILED", "failed to compile criteria policies", err).
			WithDetail("path", e.config.Path)
	}

	version := policyVersion(names, policies)
	e.mu.Lock()
	e.compiled = &compiled
	e.version = version
	e.modules = len(policies)
	e.mu.Unlock()
	e.cache.Clear()

	e.logger.Info("Criteria policies loaded",
		zap.Int("policy_count", len(policies)),
		zap.String("query", e.config.Query),
		zap.String("version", version),
	)
	return nil
}

func (e *Engine) readPolicies() (map[string]string, error) {
	policies := make(map[string]string)
	if e.config.Path == "" {
		err := fs.WalkDir(bundled, "policies", func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(path, ".rego") {
				return err
			}
			content, err := bundled.ReadFile(path)
			if err != nil {
				return err
			}
			policies[strings.TrimSuffix(path, ".rego")] = string(content)
			return nil
		})
		return policies, err
	}

	err := filepath.WalkDir(e.config.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(e.config.Path, path)
		policies[strings.TrimSuffix(rel, ".rego")] = string(content)
		e.logger.Debug("Loaded policy file", zap.String("path", path))
		return nil
	})
	return policies, err
}

func policyVersion(names []string, policies map[string]string) string {
	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(policies[name]))
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// IsEnabled reports whether policies are compiled and evaluated.
func (e *Engine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config.Enabled && e.compiled != nil
}

// Mode returns the configured enforcement mode.
func (e *Engine) Mode() Mode { return e.config.Mode }

// Version identifies the loaded policy set; empty before a successful load.
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// CacheStats returns cumulative decision cache hits and misses.
func (e *Engine) CacheStats() (hits, misses int64) { return e.cache.Stats() }

// Satisfied implements rules.CriteriaEvaluator.
func (e *Engine) Satisfied(ctx context.Context, in rules.CriteriaInput) (bool, error) {
	if e.manual != nil {
		if ok, err := e.manual.Satisfied(ctx, in); err == nil && ok {
			metrics.PolicyEvaluations.WithLabelValues(in.Phase, "signed_off").Inc()
			return true, nil
		}
	}

	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()
	if !e.config.Enabled || compiled == nil {
		metrics.PolicyEvaluations.WithLabelValues(in.Phase, "skipped").Inc()
		return !e.config.FailClosed, nil
	}

	if ok, hit := e.cache.Get(in); hit {
		return e.apply(in, ok), nil
	}

	start := time.Now()
	results, err := compiled.Eval(ctx, rego.EvalInput(toInput(in)))
	if err != nil {
		metrics.PolicyEvaluations.WithLabelValues(in.Phase, "error").Inc()
		e.logger.Error("Criteria evaluation failed",
			zap.String("phase", in.Phase),
			zap.String("criterion", in.Criterion),
			zap.Error(err),
		)
		if e.config.FailClosed {
			return false, sdkerrors.Wrap(sdkerrors.ErrConfiguration, "POLICY_EVALUATION_FAILED", "criteria policy evaluation failed", err).
				WithDetail("criterion", in.Criterion)
		}
		return true, nil
	}

	ok := parseResults(results)
	e.cache.Set(in, ok)
	e.logger.Debug("Criterion evaluated",
		zap.String("phase", in.Phase),
		zap.String("criterion", in.Criterion),
		zap.Bool("satisfied", ok),
		zap.Duration("duration", time.Since(start)),
	)
	return e.apply(in, ok), nil
}

// apply records the decision and maps it through the enforcement mode.
func (e *Engine) apply(in rules.CriteriaInput, ok bool) bool {
	result := "unsatisfied"
	if ok {
		result = "satisfied"
	}
	metrics.PolicyEvaluations.WithLabelValues(in.Phase, result).Inc()
	if e.config.Mode == ModeDryRun {
		if !ok {
			e.logger.Info("Dry-run: criterion would block progression",
				zap.String("phase", in.Phase),
				zap.String("criterion", in.Criterion),
			)
		}
		return true
	}
	return ok
}

func toInput(in rules.CriteriaInput) map[string]interface{} {
	taskTypes := make([]interface{}, len(in.CompletedTaskTypes))
	for i, t := range in.CompletedTaskTypes {
		taskTypes[i] = t
	}
	agentTypes := make([]interface{}, len(in.AgentTypes))
	for i, t := range in.AgentTypes {
		agentTypes[i] = t
	}
	return map[string]interface{}{
		"phase":                in.Phase,
		"phase_name":           in.PhaseName,
		"criterion":            in.Criterion,
		"complexity_used":      in.ComplexityUsed,
		"complexity_budget":    in.ComplexityBudget,
		"tasks_completed":      in.TasksCompleted,
		"completed_task_types": taskTypes,
		"agent_types":          agentTypes,
	}
}

// parseResults accepts a bare boolean or an object with a "satisfied" field.
func parseResults(results rego.ResultSet) bool {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false
	}
	switch v := results[0].Expressions[0].Value.(type) {
	case bool:
		return v
	case map[string]interface{}:
		ok, _ := v["satisfied"].(bool)
		return ok
	}
	return false
}
