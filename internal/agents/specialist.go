// Package agents provides the specialist agents the team leader delegates to.
package agents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/mcp"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/orchestrator"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/prompts"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/registry"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

// Confidence assigned when the completer does not report one.
const (
	confidenceWithMCP    = 0.85
	confidenceWithoutMCP = 0.75
)

// MCPCaller is the subset of the MCP client a specialist needs.
type MCPCaller interface {
	Has(server string) bool
	Call(ctx context.Context, server, method string, params map[string]interface{}) (*mcp.Result, error)
}

// Config describes one specialist instance.
type Config struct {
	ID            string
	Type          string
	MaxConcurrent int
	MaxComplexity int
	Capabilities  []models.AgentCapability
	// Permissions, when set, must contain "task:<task_type>" for every task run.
	Permissions []string
	MaxTokens   int
	Temperature float64
}

// Specialist is an agent backed by a Completer and optional MCP servers.
type Specialist struct {
	cfg       Config
	completer Completer
	mcp       MCPCaller
	logger    *zap.Logger

	taskTypes map[string]struct{}

	mu           sync.Mutex
	status       models.AgentStatus
	current      map[string]struct{}
	metrics      models.AgentMetrics
	integrations map[string]bool
	startedAt    time.Time
}

// Option configures a Specialist.
type Option func(*Specialist)

// WithMCP lets the specialist consult MCP servers named by its capabilities.
func WithMCP(caller MCPCaller) Option { return func(s *Specialist) { s.mcp = caller } }

// NewSpecialist builds an offline specialist. Missing capabilities come from
// the default capability table of the agent type.
func NewSpecialist(cfg Config, completer Completer, logger *zap.Logger, opts ...Option) (*Specialist, error) {
	if cfg.Type == "" {
		return nil, sdkerrors.Configuration("AGENT_TYPE_REQUIRED", "agent type is required")
	}
	if completer == nil {
		return nil, sdkerrors.Configuration("COMPLETER_REQUIRED", "agent needs a completer").
			WithDetail("agent_type", cfg.Type)
	}
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("%s_%s", cfg.Type, uuid.New().String()[:8])
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MaxComplexity <= 0 {
		cfg.MaxComplexity = models.MaxComplexity
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = models.DefaultCapabilities()[cfg.Type]
	}
	if len(cfg.Capabilities) == 0 {
		return nil, sdkerrors.Configuration("AGENT_CAPABILITIES_REQUIRED", "agent type has no capabilities").
			WithDetail("agent_type", cfg.Type)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Specialist{
		cfg:          cfg,
		completer:    completer,
		logger:       logger.With(zap.String("agent_id", cfg.ID), zap.String("agent_type", cfg.Type)),
		taskTypes:    make(map[string]struct{}),
		status:       models.AgentStatusOffline,
		current:      make(map[string]struct{}),
		integrations: make(map[string]bool),
	}
	for _, t := range models.SupportedTaskTypes(cfg.Capabilities) {
		s.taskTypes[t] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Specialist) ID() string   { return s.cfg.ID }
func (s *Specialist) Type() string { return s.cfg.Type }

func (s *Specialist) Status() models.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Capabilities returns a copy of the advertised capabilities.
func (s *Specialist) Capabilities() []models.AgentCapability {
	return append([]models.AgentCapability(nil), s.cfg.Capabilities...)
}

// TaskTypes lists supported task types, sorted.
func (s *Specialist) TaskTypes() []string {
	out := make([]string, 0, len(s.taskTypes))
	for t := range s.taskTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Descriptor is the registry entry for this specialist.
func (s *Specialist) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		ID:            s.cfg.ID,
		Type:          s.cfg.Type,
		TaskTypes:     s.TaskTypes(),
		MaxLoad:       s.cfg.MaxConcurrent,
		MaxComplexity: s.cfg.MaxComplexity,
		Capabilities:  s.Capabilities(),
	}
}

// Metrics returns the agent's own running totals.
func (s *Specialist) Metrics() models.AgentMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics
	m.CurrentLoad = float64(len(s.current)) / float64(s.cfg.MaxConcurrent)
	return m
}

// Uptime is the time since Initialize, zero while offline.
func (s *Specialist) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Initialize brings an offline specialist online and records which MCP
// servers its capabilities can reach. Calling it again is a no-op.
func (s *Specialist) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.AgentStatusOffline {
		return nil
	}
	s.status = models.AgentStatusStarting

	for _, c := range s.cfg.Capabilities {
		if !c.RequiresMCP || c.MCPServer == "" {
			continue
		}
		available := s.mcp != nil && s.mcp.Has(c.MCPServer)
		s.integrations[c.MCPServer] = available
		if !available {
			s.logger.Warn("MCP server not configured, capability runs without it",
				zap.String("capability", c.Name),
				zap.String("server", c.MCPServer),
			)
		}
	}

	s.startedAt = time.Now().UTC()
	s.status = models.AgentStatusActive
	s.logger.Info("Agent initialized", zap.Int("capabilities", len(s.cfg.Capabilities)))
	return nil
}

// Shutdown takes the specialist offline. Running tasks finish normally.
func (s *Specialist) Shutdown() {
	s.mu.Lock()
	s.status = models.AgentStatusOffline
	s.mu.Unlock()
}

// SetMaintenance toggles maintenance; a maintained agent takes no new work.
func (s *Specialist) SetMaintenance(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.status = models.AgentStatusMaintenance
	} else if s.status == models.AgentStatusMaintenance {
		s.status = models.AgentStatusActive
	}
}

// ExecuteTask implements registry.Agent.
func (s *Specialist) ExecuteTask(ctx context.Context, spec models.TaskSpec, actx *models.AgentContext) (*models.TaskResult, error) {
	if err := s.admit(spec); err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := s.run(ctx, spec, actx)
	s.finish(spec.TaskID, err == nil, time.Since(start))
	if err != nil {
		s.logger.Warn("Task failed", zap.String("task_id", spec.TaskID), zap.Error(err))
		if sdkerrors.KindOf(err) == nil {
			err = sdkerrors.TaskExecution("AGENT_EXECUTION_FAILED", "task execution failed", err)
		}
		return nil, err
	}
	s.logger.Info("Task completed",
		zap.String("task_id", spec.TaskID),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// admit checks status, capacity, task type and permissions, then claims a slot.
func (s *Specialist) admit(spec models.TaskSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.Accepting() {
		return sdkerrors.TaskExecution("AGENT_NOT_ONLINE", "agent is not online", nil).
			WithDetail("agent_id", s.cfg.ID).
			WithDetail("status", string(s.status))
	}
	if len(s.current) >= s.cfg.MaxConcurrent {
		return sdkerrors.TaskExecution("AGENT_AT_CAPACITY", "agent has reached maximum concurrent tasks", nil).
			WithDetail("agent_id", s.cfg.ID).
			WithDetail("max_concurrent", s.cfg.MaxConcurrent)
	}
	if _, ok := s.taskTypes[spec.TaskType]; !ok {
		return sdkerrors.TaskExecution("TASK_TYPE_UNSUPPORTED", "task type not supported by agent", nil).
			WithDetail("agent_id", s.cfg.ID).
			WithDetail("task_type", spec.TaskType)
	}
	if s.cfg.Permissions != nil && !contains(s.cfg.Permissions, "task:"+spec.TaskType) {
		return sdkerrors.TaskExecution("PERMISSION_DENIED", "agent lacks permission for task type", nil).
			WithDetail("agent_id", s.cfg.ID).
			WithDetail("permission", "task:"+spec.TaskType)
	}
	s.current[spec.TaskID] = struct{}{}
	if len(s.current) >= s.cfg.MaxConcurrent {
		s.status = models.AgentStatusBusy
	}
	s.metrics.LastActivity = time.Now().UTC()
	return nil
}

func (s *Specialist) finish(taskID string, success bool, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.current, taskID)
	if s.status == models.AgentStatusBusy && len(s.current) < s.cfg.MaxConcurrent {
		s.status = models.AgentStatusActive
	}
	s.metrics.Record(success, elapsed)
}

func (s *Specialist) run(ctx context.Context, spec models.TaskSpec, actx *models.AgentContext) (*models.TaskResult, error) {
	capability := s.capabilityFor(spec.TaskType)
	metadata := map[string]interface{}{
		"agent_type": s.cfg.Type,
		"capability": capability.Name,
	}

	findings, sources, usedMCP := s.consult(ctx, spec, capability)
	if capability.RequiresMCP {
		metadata["mcp_used"] = usedMCP
		metadata["fallback_used"] = !usedMCP
	}
	orchestrator.ReportProgress(ctx, 0.3, "context gathered")

	req := CompletionRequest{
		TaskID:       spec.TaskID,
		AgentID:      s.cfg.ID,
		AgentType:    s.cfg.Type,
		TaskType:     spec.TaskType,
		SystemPrompt: s.systemPrompt(actx),
		Messages:     s.messages(spec, actx, findings),
		Context:      mcpContext(actx),
		MaxTokens:    s.cfg.MaxTokens,
		Temperature:  s.cfg.Temperature,
	}
	completion, err := s.completer.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	orchestrator.ReportProgress(ctx, 0.9, "completion received")

	confidence := completion.Confidence
	if confidence <= 0 {
		confidence = confidenceWithoutMCP
		if usedMCP {
			confidence = confidenceWithMCP
		}
	}
	if completion.Model != "" {
		metadata["model"] = completion.Model
	}
	if completion.TokensUsed > 0 {
		metadata["tokens_used"] = completion.TokensUsed
	}
	return &models.TaskResult{
		TaskID:          spec.TaskID,
		AgentID:         s.cfg.ID,
		Status:          models.TaskStatusCompleted,
		Content:         completion.Content,
		ConfidenceScore: confidence,
		Sources:         append(sources, completion.Sources...),
		Metadata:        metadata,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// capabilityFor picks the first capability supporting taskType, preferring
// ones with a reachable MCP server.
func (s *Specialist) capabilityFor(taskType string) models.AgentCapability {
	var fallback *models.AgentCapability
	for i, c := range s.cfg.Capabilities {
		if !contains(c.SupportedTaskTypes, taskType) {
			continue
		}
		if c.RequiresMCP && s.integrationAvailable(c.MCPServer) {
			return c
		}
		if fallback == nil {
			fallback = &s.cfg.Capabilities[i]
		}
	}
	if fallback != nil {
		return *fallback
	}
	return models.AgentCapability{Name: s.cfg.Type}
}

func (s *Specialist) integrationAvailable(server string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.integrations[server]
}

// consult asks the capability's MCP server for findings. Failures fall back
// to a completion without them.
func (s *Specialist) consult(ctx context.Context, spec models.TaskSpec, c models.AgentCapability) (string, []string, bool) {
	if !c.RequiresMCP || c.MCPServer == "" || s.mcp == nil || !s.integrationAvailable(c.MCPServer) {
		return "", nil, false
	}
	res, err := s.mcp.Call(ctx, c.MCPServer, c.Name, map[string]interface{}{
		"query":            spec.Description,
		"task_type":        spec.TaskType,
		"complexity_level": complexityLevel(spec.Complexity),
	})
	if err != nil {
		s.logger.Warn("MCP consultation failed, continuing without it",
			zap.String("task_id", spec.TaskID),
			zap.String("server", c.MCPServer),
			zap.Error(err),
		)
		orchestrator.LogEvent(ctx, "mcp_fallback", map[string]interface{}{"server": c.MCPServer})
		return "", nil, false
	}
	orchestrator.LogEvent(ctx, "mcp_consulted", map[string]interface{}{"server": c.MCPServer, "method": c.Name})
	return res.Text, structuredSources(res.Structured), true
}

func (s *Specialist) systemPrompt(actx *models.AgentContext) string {
	if actx != nil && actx.Prompt != nil && actx.Prompt.Content != "" {
		return actx.Prompt.Content
	}
	if tmpl, ok := prompts.DefaultTemplate(s.cfg.Type); ok {
		return string(tmpl)
	}
	return fmt.Sprintf("You are the %s specialist of a software development team.", s.cfg.Type)
}

func (s *Specialist) messages(spec models.TaskSpec, actx *models.AgentContext, findings string) []models.Message {
	var msgs []models.Message
	if actx != nil {
		msgs = append(msgs, actx.History...)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task type: %s\nComplexity: %d (%s)\n\n%s", spec.TaskType, spec.Complexity, complexityLevel(spec.Complexity), spec.Description)
	if findings != "" {
		fmt.Fprintf(&b, "\n\nFindings from external tools:\n%s", findings)
	}
	return append(msgs, models.Message{Role: "user", Content: b.String(), Timestamp: time.Now().UTC()})
}

func mcpContext(actx *models.AgentContext) map[string]interface{} {
	if actx == nil {
		return nil
	}
	return actx.MCPContext
}

func complexityLevel(complexity int) string {
	switch {
	case complexity <= 3:
		return "low"
	case complexity <= 7:
		return "medium"
	default:
		return "high"
	}
}

func structuredSources(v interface{}) []string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	raw, _ := m["sources"].([]interface{})
	var out []string
	for _, s := range raw {
		if str, ok := s.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
