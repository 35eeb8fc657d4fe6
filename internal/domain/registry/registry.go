// Package registry defines agents known to the fabric, the topics they
// use, and the lease rules that decide whether they are discoverable.
package registry

import (
	"fmt"
	"slices"
	"time"

	"github.com/Strob0t/agentwire/internal/domain"
)

// Status is an agent's health as seen by the registry.
type Status string

const (
	StatusStarting    Status = "STARTING"
	StatusHealthy     Status = "HEALTHY"
	StatusDegraded    Status = "DEGRADED"
	StatusUnavailable Status = "UNAVAILABLE"
)

// Role is how an agent uses a topic.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
	RoleBoth       Role = "both"
)

// Agent is a registered agent instance.
type Agent struct {
	AgentID       string         `json:"agent_id"`
	Type          string         `json:"type"`
	Version       string         `json:"version"`
	Tenant        string         `json:"tenant"`
	Project       string         `json:"project"`
	Capabilities  []string       `json:"capabilities"`
	Status        Status         `json:"status"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	LeaseUntil    time.Time      `json:"lease_until"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// AgentTopic links an agent to a topic it publishes or subscribes to.
type AgentTopic struct {
	AgentID string `json:"agent_id"`
	Topic   string `json:"topic"`
	Role    Role   `json:"role"`
}

// Filter narrows discovery. Empty fields match everything; set fields
// must all match.
type Filter struct {
	Capability string `json:"capability,omitempty"`
	Tenant     string `json:"tenant,omitempty"`
	Project    string `json:"project,omitempty"`
}

// Matches reports whether a satisfies every set field of f.
func (f Filter) Matches(a *Agent) bool {
	if f.Tenant != "" && a.Tenant != f.Tenant {
		return false
	}
	if f.Project != "" && a.Project != f.Project {
		return false
	}
	if f.Capability != "" && !slices.Contains(a.Capabilities, f.Capability) {
		return false
	}
	return true
}

// Discoverable reports whether a may be returned by discovery at now.
func (a *Agent) Discoverable(now time.Time) bool {
	return a.Status == StatusHealthy && !a.Expired(now)
}

// Expired reports whether a's lease has elapsed at now.
func (a *Agent) Expired(now time.Time) bool {
	return now.After(a.LeaseUntil)
}

// NextStatus computes the status after a heartbeat. A reported DEGRADED
// status is kept; any other heartbeat marks the agent HEALTHY, which also
// recovers agents whose lease had expired.
func NextStatus(current, reported Status) Status {
	if reported == StatusDegraded {
		return StatusDegraded
	}
	switch current {
	case StatusStarting, StatusDegraded, StatusUnavailable, StatusHealthy:
		return StatusHealthy
	}
	return current
}

// ApplyHeartbeat renews the lease at now and advances the status.
func (a *Agent) ApplyHeartbeat(now time.Time, lease time.Duration, reported Status) {
	a.LastHeartbeat = now
	a.LeaseUntil = now.Add(lease)
	a.Status = NextStatus(a.Status, reported)
}

var validStatuses = map[Status]bool{
	StatusStarting:    true,
	StatusHealthy:     true,
	StatusDegraded:    true,
	StatusUnavailable: true,
}

// ParseStatus returns the Status named by s, or an empty Status when s is
// empty.
func ParseStatus(s string) (Status, error) {
	if s == "" {
		return "", nil
	}
	st := Status(s)
	if !validStatuses[st] {
		return "", fmt.Errorf("invalid status %q: %w", s, domain.ErrValidation)
	}
	return st, nil
}

// Validate checks that an Agent has all required fields.
func (a *Agent) Validate() error {
	if a.AgentID == "" {
		return fmt.Errorf("agent_id is required: %w", domain.ErrValidation)
	}
	if a.Type == "" {
		return fmt.Errorf("type is required: %w", domain.ErrValidation)
	}
	if a.Tenant == "" || a.Project == "" {
		return fmt.Errorf("tenant and project are required: %w", domain.ErrValidation)
	}
	if a.Status != "" && !validStatuses[a.Status] {
		return fmt.Errorf("invalid status %q: %w", a.Status, domain.ErrValidation)
	}
	return nil
}

// Validate checks that an AgentTopic is complete.
func (t AgentTopic) Validate() error {
	if t.Topic == "" {
		return fmt.Errorf("topic is required: %w", domain.ErrValidation)
	}
	switch t.Role {
	case RolePublisher, RoleSubscriber, RoleBoth:
		return nil
	}
	return fmt.Errorf("invalid role %q: %w", t.Role, domain.ErrValidation)
}
