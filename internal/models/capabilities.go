package models

// Agent types known to the default configuration.
const (
	AgentTypeTeamLeader       = "team_leader"
	AgentTypeResearch         = "research"
	AgentTypeCodebaseAnalyzer = "codebase_analyzer"
	AgentTypeFrontend         = "frontend"
	AgentTypeBackend          = "backend"
)

// DefaultCapabilities returns the built-in capability table keyed by agent type.
// Each call returns a fresh copy.
func DefaultCapabilities() map[string][]AgentCapability {
	return map[string][]AgentCapability{
		AgentTypeResearch: {
			{Name: "web_research", Description: "Search and collect information from public sources", RequiresMCP: true, MCPServer: "web_search", SupportedTaskTypes: []string{"research", "analysis"}},
			{Name: "competitive_analysis", Description: "Compare products, libraries and approaches", SupportedTaskTypes: []string{"research", "analysis"}},
			{Name: "knowledge_synthesis", Description: "Condense findings into actionable summaries", SupportedTaskTypes: []string{"knowledge_synthesis", "documentation"}},
		},
		AgentTypeCodebaseAnalyzer: {
			{Name: "security_analysis", Description: "Review code for security weaknesses", RequiresMCP: true, MCPServer: "code_analysis", SupportedTaskTypes: []string{"analysis", "risk_assessment", "verification"}},
			{Name: "performance_analysis", Description: "Identify performance bottlenecks", SupportedTaskTypes: []string{"analysis", "quality_check"}},
			{Name: "architecture_review", Description: "Assess structure and dependencies", SupportedTaskTypes: []string{"architecture", "design", "scope_check"}},
		},
		AgentTypeFrontend: {
			{Name: "ui_development", Description: "Build user interface features", SupportedTaskTypes: []string{"development", "coding", "implementation"}},
			{Name: "component_design", Description: "Design reusable UI components", SupportedTaskTypes: []string{"design", "implementation"}},
			{Name: "responsive_design", Description: "Adapt layouts across devices", SupportedTaskTypes: []string{"development", "testing"}},
		},
		AgentTypeBackend: {
			{Name: "api_development", Description: "Build service APIs", SupportedTaskTypes: []string{"development", "coding", "implementation", "api_development"}},
			{Name: "database_design", Description: "Model and migrate data stores", SupportedTaskTypes: []string{"design", "implementation"}},
			{Name: "system_integration", Description: "Connect services and external systems", SupportedTaskTypes: []string{"integration_testing", "implementation", "system_setup"}},
		},
	}
}

// SupportedTaskTypes flattens the task types of a capability list without duplicates.
func SupportedTaskTypes(caps []AgentCapability) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range caps {
		for _, t := range c.SupportedTaskTypes {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
