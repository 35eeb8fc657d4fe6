package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Strob0t/agentwire/internal/domain"
	"github.com/Strob0t/agentwire/internal/domain/envelope"
	"github.com/Strob0t/agentwire/internal/domain/registry"
	"github.com/Strob0t/agentwire/internal/port/database"
	"github.com/Strob0t/agentwire/internal/security"
)

// Capability grants required by the registry envelope handlers.
const (
	GrantRegistryHeartbeat = "registry.heartbeat"
	GrantRegistryDiscover  = "registry.discover"
)

// HeartbeatReport is what an agent reports with a heartbeat.
type HeartbeatReport struct {
	Status       registry.Status
	Capabilities []string
	Metrics      map[string]any
}

// RegistryService tracks agents and their leases.
type RegistryService struct {
	store  database.RegistryStore
	lease  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistryService creates a registry granting leases of the given length.
func NewRegistryService(store database.RegistryStore, lease time.Duration, logger *slog.Logger) *RegistryService {
	if logger == nil {
		logger = slog.Default()
	}
	if lease <= 0 {
		lease = 60 * time.Second
	}
	return &RegistryService{store: store, lease: lease, logger: logger, now: time.Now}
}

// Register records agent and replaces its topic links. The agent starts
// in STARTING unless a status is given, with a fresh lease.
func (s *RegistryService) Register(ctx context.Context, agent *registry.Agent, topics []registry.AgentTopic) error {
	if agent.Status == "" {
		agent.Status = registry.StatusStarting
	}
	if err := agent.Validate(); err != nil {
		return err
	}
	for i := range topics {
		topics[i].AgentID = agent.AgentID
		if err := topics[i].Validate(); err != nil {
			return fmt.Errorf("topic %d: %w", i, err)
		}
	}

	now := s.now().UTC()
	agent.LastHeartbeat = now
	agent.LeaseUntil = now.Add(s.lease)
	if err := s.store.UpsertAgent(ctx, agent); err != nil {
		return fmt.Errorf("register agent %s: %w", agent.AgentID, err)
	}
	if err := s.store.SetAgentTopics(ctx, agent.AgentID, topics); err != nil {
		return fmt.Errorf("register agent %s topics: %w", agent.AgentID, err)
	}
	s.logger.InfoContext(ctx, "agent registered", "agent_id", agent.AgentID, "type", agent.Type, "topics", len(topics))
	return nil
}

// Heartbeat renews agentID's lease. STARTING, DEGRADED and UNAVAILABLE
// agents become HEALTHY unless the report says DEGRADED. Unknown agents
// get domain.ErrNotFound.
func (s *RegistryService) Heartbeat(ctx context.Context, agentID string, report HeartbeatReport) (*registry.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	prev := agent.Status
	agent.ApplyHeartbeat(s.now().UTC(), s.lease, report.Status)
	if len(report.Capabilities) > 0 {
		agent.Capabilities = slices.Clone(report.Capabilities)
	}
	if report.Metrics != nil {
		if agent.Metadata == nil {
			agent.Metadata = make(map[string]any)
		}
		agent.Metadata["metrics"] = report.Metrics
	}
	if err := s.store.UpsertAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("heartbeat %s: %w", agentID, err)
	}
	if prev != agent.Status {
		s.logger.InfoContext(ctx, "agent status changed", "agent_id", agentID, "from", prev, "to", agent.Status)
	}
	return agent, nil
}

// MarkExpiredAgents sets agents whose lease elapsed to UNAVAILABLE and
// returns their IDs.
func (s *RegistryService) MarkExpiredAgents(ctx context.Context) ([]string, error) {
	ids, err := s.store.MarkExpired(ctx, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("mark expired agents: %w", err)
	}
	for _, id := range ids {
		s.logger.WarnContext(ctx, "agent lease expired", "agent_id", id)
	}
	return ids, nil
}

// ListDiscoverable returns the HEALTHY agents with a live lease that match
// every set field of f.
func (s *RegistryService) ListDiscoverable(ctx context.Context, f registry.Filter) ([]registry.Agent, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	now := s.now()
	out := make([]registry.Agent, 0, len(agents))
	for i := range agents {
		if agents[i].Discoverable(now) && f.Matches(&agents[i]) {
			out = append(out, agents[i])
		}
	}
	return out, nil
}

// Discover returns the IDs of discoverable agents matching f.
func (s *RegistryService) Discover(ctx context.Context, f registry.Filter) ([]envelope.AgentID, error) {
	agents, err := s.ListDiscoverable(ctx, f)
	if err != nil {
		return nil, err
	}
	ids := make([]envelope.AgentID, len(agents))
	for i := range agents {
		ids[i] = envelope.AgentID{ID: agents[i].AgentID, Type: agents[i].Type, Version: agents[i].Version}
	}
	return ids, nil
}

// Topics returns the topic links of agentID.
func (s *RegistryService) Topics(ctx context.Context, agentID string) ([]registry.AgentTopic, error) {
	return s.store.ListAgentTopics(ctx, agentID)
}

// RegisterHandlers routes registry envelopes to s.
func (s *RegistryService) RegisterHandlers(r *Router) {
	r.RegisterHandler(envelope.TypeRegistryHeartbeat, s.HandleHeartbeat, GrantRegistryHeartbeat)
	r.RegisterHandler(envelope.TypeRegistryDiscoveryRequest, s.HandleDiscovery, GrantRegistryDiscover)
}

// HandleHeartbeat applies a RegistryHeartbeat. An agent may only renew
// its own lease: the heartbeat must name the sender, the authenticated
// identity when there is one, and the tenant and project the agent is
// registered to. An agent heartbeating before it registered is
// registered from the envelope's sender.
func (s *RegistryService) HandleHeartbeat(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
	hb, ok := env.Payload.(*envelope.RegistryHeartbeat)
	if !ok {
		return nil, fmt.Errorf("heartbeat handler got %T", env.Payload)
	}
	if err := heartbeatOwner(ctx, env, hb.AgentID); err != nil {
		s.logger.WarnContext(ctx, "heartbeat rejected", "agent_id", hb.AgentID, "from", env.Meta.From.String(), "error", err)
		return nil, err
	}
	status, err := registry.ParseStatus(hb.Status)
	if err != nil {
		return nil, err
	}
	report := HeartbeatReport{Status: status, Capabilities: hb.Capabilities, Metrics: hb.Metrics}

	existing, err := s.store.GetAgent(ctx, hb.AgentID)
	switch {
	case err == nil:
		if existing.Tenant != env.Meta.Tenant || existing.Project != env.Meta.Project {
			err := &security.AuthError{
				Code:  security.CodeScopeMismatch,
				Token: security.KindIdentity,
				Err:   fmt.Errorf("agent %s is registered to %s/%s", hb.AgentID, existing.Tenant, existing.Project),
			}
			s.logger.WarnContext(ctx, "heartbeat rejected", "agent_id", hb.AgentID, "error", err)
			return nil, err
		}
		_, err = s.Heartbeat(ctx, hb.AgentID, report)
		return nil, err
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("heartbeat: %w", err)
	}

	agent := &registry.Agent{
		AgentID:      hb.AgentID,
		Type:         env.Meta.From.Type,
		Version:      env.Meta.From.Version,
		Tenant:       env.Meta.Tenant,
		Project:      env.Meta.Project,
		Capabilities: hb.Capabilities,
		Status:       registry.StatusStarting,
	}
	if err := s.Register(ctx, agent, nil); err != nil {
		return nil, err
	}
	_, err = s.Heartbeat(ctx, hb.AgentID, report)
	return nil, err
}

func heartbeatOwner(ctx context.Context, env *envelope.Envelope, agentID string) error {
	if agentID != env.Meta.From.ID {
		return &security.AuthError{
			Code:  security.CodeSubjectMismatch,
			Token: security.KindIdentity,
			Err:   fmt.Errorf("heartbeat for %s sent by %s", agentID, env.Meta.From.ID),
		}
	}
	if p, ok := security.PrincipalFrom(ctx); ok && p.Identity != nil && p.Identity.Subject != agentID {
		return &security.AuthError{
			Code:  security.CodeSubjectMismatch,
			Token: security.KindIdentity,
			Err:   fmt.Errorf("identity %s cannot heartbeat for %s", p.Identity.Subject, agentID),
		}
	}
	return nil
}

// HandleDiscovery answers a RegistryDiscoveryRequest. Filters left empty
// default to the requester's tenant and project.
func (s *RegistryService) HandleDiscovery(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
	req, ok := env.Payload.(*envelope.RegistryDiscoveryRequest)
	if !ok {
		return nil, fmt.Errorf("discovery handler got %T", env.Payload)
	}
	f := registry.Filter{Capability: req.Capability, Tenant: req.Tenant, Project: req.Project}
	if f.Tenant == "" {
		f.Tenant = env.Meta.Tenant
	}
	if f.Project == "" {
		f.Project = env.Meta.Project
	}
	ids, err := s.Discover(ctx, f)
	if err != nil {
		return nil, err
	}
	return &envelope.RegistryDiscoveryResponse{Agents: ids}, nil
}
