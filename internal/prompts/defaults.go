package prompts

import (
	"embed"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

//go:embed defaults/*.md
var defaultTemplates embed.FS

// defaultFiles maps agent types to the bundled template seeded for them.
var defaultFiles = map[string]string{
	models.AgentTypeTeamLeader:       "defaults/team_leader.md",
	models.AgentTypeResearch:         "defaults/research_agent.md",
	models.AgentTypeCodebaseAnalyzer: "defaults/codebase_analyzer.md",
	models.AgentTypeFrontend:         "defaults/frontend_coder.md",
	models.AgentTypeBackend:          "defaults/backend_coder.md",
}

// DefaultTemplate returns the bundled prompt for an agent type.
func DefaultTemplate(agentType string) ([]byte, bool) {
	name, ok := defaultFiles[agentType]
	if !ok {
		return nil, false
	}
	data, err := defaultTemplates.ReadFile(name)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SeedDefaults writes the bundled prompts as {agent_type}.md when the
// directory holds no prompt files yet. It returns how many files were written.
func (m *Manager) SeedDefaults() (int, error) {
	existing, err := filepath.Glob(filepath.Join(m.cfg.Dir, "*"+promptExt))
	if err != nil {
		return 0, sdkerrors.Wrap(sdkerrors.ErrConfiguration, "PROMPTS_DIR_UNREADABLE", "failed to list prompts directory", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	agentTypes := make([]string, 0, len(defaultFiles))
	for agentType := range defaultFiles {
		agentTypes = append(agentTypes, agentType)
	}
	sort.Strings(agentTypes)

	written := 0
	for _, agentType := range agentTypes {
		data, ok := DefaultTemplate(agentType)
		if !ok {
			continue
		}
		target := m.genericPath(agentType)
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return written, sdkerrors.Wrap(sdkerrors.ErrConfiguration, "PROMPT_SEED_FAILED", "failed to write default prompt", err).
				WithDetail("path", target)
		}
		written++
	}
	m.logger.Info("Seeded default prompts", zap.String("dir", m.cfg.Dir), zap.Int("count", written))
	return written, nil
}
