// Package a2a serves agent cards so agents on the fabric can be discovered
// over HTTP by A2A protocol clients.
package a2a

import (
	"context"

	"github.com/Strob0t/agentwire/internal/domain/registry"
)

// AgentLister returns the agents that discovery may show.
type AgentLister interface {
	ListDiscoverable(ctx context.Context, f registry.Filter) ([]registry.Agent, error)
}

// AgentList is the body of GET /a2a/agents.
type AgentList struct {
	Agents []*AgentCard `json:"agents"`
	Count  int          `json:"count"`
}
