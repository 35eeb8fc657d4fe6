package a2a

import (
	"fmt"
	"net/url"
	"strings"

	a2ago "github.com/a2aproject/a2a-go/a2a"

	"github.com/Strob0t/agentwire/internal/domain/registry"
)

// AgentCard is the A2A protocol agent card.
type AgentCard = a2ago.AgentCard

// BuildAgentCard renders agent as an A2A agent card served under baseURL.
// Every registry capability becomes one skill.
func BuildAgentCard(baseURL string, agent *registry.Agent) *AgentCard {
	skills := make([]a2ago.AgentSkill, 0, len(agent.Capabilities))
	for _, c := range agent.Capabilities {
		skills = append(skills, a2ago.AgentSkill{
			ID:          c,
			Name:        skillName(c),
			Description: fmt.Sprintf("%s capability of %s agents", c, agent.Type),
			Tags:        []string{agent.Type, agent.Tenant, agent.Project},
			InputModes:  []string{"application/json"},
			OutputModes: []string{"application/json"},
		})
	}
	return &AgentCard{
		Name:               agent.AgentID,
		Description:        fmt.Sprintf("%s agent for %s/%s (%s)", agent.Type, agent.Tenant, agent.Project, agent.Status),
		URL:                strings.TrimRight(baseURL, "/") + "/a2a/agents/" + url.PathEscape(agent.AgentID),
		Version:            agent.Version,
		DefaultInputModes:  []string{"application/json"},
		DefaultOutputModes: []string{"application/json"},
		Skills:             skills,
	}
}

// skillName turns "context.read:test_results" into "context read test_results".
func skillName(capability string) string {
	return strings.NewReplacer(".", " ", ":", " ", "_", " ").Replace(capability)
}
