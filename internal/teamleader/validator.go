package teamleader

import (
	"strings"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/metrics"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

// Validation defaults.
const (
	DefaultMinContentLength = 10
	DefaultMinConfidence    = 0.3
)

// DefaultMockIndicators flag content that looks like a stub rather than work.
var DefaultMockIndicators = []string{"mock", "placeholder", "example", "todo", "not implemented"}

// ResultValidator decides whether an agent result is acceptable. It runs after
// the orchestrator has finished the task, so a rejected task stays completed
// in the task history; the entry gains result_rejected, rejection_code and
// rejection_reason metadata and the caller gets the validation error.
type ResultValidator interface {
	Validate(result *models.TaskResult) error
}

// ValidatorFunc adapts a function to ResultValidator.
type ValidatorFunc func(result *models.TaskResult) error

func (f ValidatorFunc) Validate(result *models.TaskResult) error { return f(result) }

// ValidationConfig tunes the HeuristicValidator.
type ValidationConfig struct {
	MinContentLength int      `mapstructure:"min_content_length"`
	MinConfidence    float64  `mapstructure:"min_confidence"`
	MockIndicators   []string `mapstructure:"mock_indicators"`
}

// HeuristicValidator rejects short, low-confidence or stub-like results.
type HeuristicValidator struct {
	minLength     int
	minConfidence float64
	indicators    []string
}

// NewHeuristicValidator fills zero fields with the defaults.
func NewHeuristicValidator(cfg ValidationConfig) *HeuristicValidator {
	v := &HeuristicValidator{
		minLength:     cfg.MinContentLength,
		minConfidence: cfg.MinConfidence,
	}
	if v.minLength <= 0 {
		v.minLength = DefaultMinContentLength
	}
	if v.minConfidence <= 0 {
		v.minConfidence = DefaultMinConfidence
	}
	indicators := cfg.MockIndicators
	if indicators == nil {
		indicators = DefaultMockIndicators
	}
	for _, ind := range indicators {
		if ind = strings.ToLower(strings.TrimSpace(ind)); ind != "" {
			v.indicators = append(v.indicators, ind)
		}
	}
	return v
}

func (v *HeuristicValidator) Validate(result *models.TaskResult) error {
	if result == nil {
		return reject("empty", "agent returned no result")
	}
	content := strings.TrimSpace(result.Content)
	if len(content) < v.minLength {
		return reject("too_short", "result content is too short").
			WithDetail("length", len(content)).
			WithDetail("min_length", v.minLength)
	}
	if result.ConfidenceScore < v.minConfidence {
		return reject("low_confidence", "result confidence is too low").
			WithDetail("confidence", result.ConfidenceScore).
			WithDetail("min_confidence", v.minConfidence)
	}
	lower := strings.ToLower(content)
	for _, ind := range v.indicators {
		if strings.Contains(lower, ind) {
			return reject("mock_indicator", "result looks like placeholder output").
				WithDetail("indicator", ind)
		}
	}
	return nil
}

func reject(reason, msg string) *sdkerrors.Error {
	metrics.ResultsRejected.WithLabelValues(reason).Inc()
	return sdkerrors.Validation("RESULT_REJECTED", msg).WithDetail("reason", reason)
}
