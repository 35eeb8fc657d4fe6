package service

import (
	"context"
	"fmt"

	"github.com/Strob0t/agentwire/internal/domain/envelope"
)

// DecisionEvent is the SystemEvent.Event value of decision notices.
const DecisionEvent = "decision"

// DecisionConfig wires a DecisionPublisher.
type DecisionConfig struct {
	// From is the publishing agent, normally the CMO.
	From envelope.AgentID
	// To are the notice recipients. Defaults to every agent.
	To      []envelope.AgentID
	Tenant  string
	Project string
	// Topic is where decisions are published.
	Topic string
}

// DecisionPublisher announces the orchestrator's final verdict on a trace
// as a SystemEvent. Notices go through the Messenger and therefore the
// pre-send gate.
type DecisionPublisher struct {
	messenger *Messenger
	cfg       DecisionConfig
}

// NewDecisionPublisher creates a DecisionPublisher.
func NewDecisionPublisher(messenger *Messenger, cfg DecisionConfig) *DecisionPublisher {
	if len(cfg.To) == 0 {
		cfg.To = []envelope.AgentID{{ID: "*", Type: "*"}}
	}
	return &DecisionPublisher{messenger: messenger, cfg: cfg}
}

// Approve publishes an approval of proposal.
func (p *DecisionPublisher) Approve(ctx context.Context, traceID string, proposal map[string]any, rationale string) (*envelope.Envelope, error) {
	return p.publish(ctx, traceID, &envelope.SystemEvent{
		Event:     DecisionEvent,
		Decision:  envelope.DecisionApprove,
		Summary:   "proposal approved",
		Proposal:  proposal,
		Rationale: rationale,
	})
}

// Reject publishes a rejection with the reasons for it.
func (p *DecisionPublisher) Reject(ctx context.Context, traceID, summary string, reasons []string) (*envelope.Envelope, error) {
	return p.publish(ctx, traceID, &envelope.SystemEvent{
		Event:    DecisionEvent,
		Decision: envelope.DecisionReject,
		Summary:  summary,
		Reasons:  reasons,
	})
}

// Defer publishes that a decision was postponed.
func (p *DecisionPublisher) Defer(ctx context.Context, traceID, summary, rationale string) (*envelope.Envelope, error) {
	return p.publish(ctx, traceID, &envelope.SystemEvent{
		Event:     DecisionEvent,
		Decision:  envelope.DecisionDefer,
		Summary:   summary,
		Rationale: rationale,
	})
}

func (p *DecisionPublisher) publish(ctx context.Context, traceID string, ev *envelope.SystemEvent) (*envelope.Envelope, error) {
	if traceID == "" {
		return nil, fmt.Errorf("publish %s decision: trace id is required", ev.Decision)
	}
	scope := envelope.Scope{Tenant: p.cfg.Tenant, Project: p.cfg.Project, TraceID: traceID}
	env := envelope.New(p.cfg.From, p.cfg.To, scope, ev)
	if _, err := p.messenger.Send(ctx, p.cfg.Topic, env); err != nil {
		return nil, fmt.Errorf("publish %s decision: %w", ev.Decision, err)
	}
	return env, nil
}
