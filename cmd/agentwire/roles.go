package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/agentwire/internal/config"
	"github.com/Strob0t/agentwire/internal/domain"
	"github.com/Strob0t/agentwire/internal/domain/checkpoint"
	"github.com/Strob0t/agentwire/internal/domain/envelope"
	"github.com/Strob0t/agentwire/internal/domain/registry"
	"github.com/Strob0t/agentwire/internal/port/messagequeue"
	"github.com/Strob0t/agentwire/internal/secrets"
	"github.com/Strob0t/agentwire/internal/service"
)

// Node roles.
const (
	roleRegistry = "registry"
	roleCMO      = "cmo"
	roleAgent    = "agent"
)

// cmoGraph identifies the runs recorded by the CMO role.
const (
	cmoGraphID      = "cmo.specialist_review"
	cmoGraphVersion = "1"
)

func selfAgent(cfg config.Agent) registry.Agent {
	return registry.Agent{
		AgentID:      cfg.ID,
		Type:         cfg.Type,
		Version:      cfg.Version,
		Tenant:       cfg.Tenant,
		Project:      cfg.Project,
		Capabilities: cfg.Capabilities,
		Status:       registry.StatusHealthy,
	}
}

// heartbeater renews this node's registry lease every interval. A
// registry node renews itself in process; other roles publish a
// RegistryHeartbeat to the registry topic.
type heartbeater struct {
	cfg       config.Agent
	registry  *service.RegistryService
	messenger *service.Messenger
	vault     *secrets.Vault
	logger    *slog.Logger
}

func (h *heartbeater) run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := h.beat(ctx); err != nil && ctx.Err() == nil {
			h.logger.WarnContext(ctx, "heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (h *heartbeater) beat(ctx context.Context) error {
	report := service.HeartbeatReport{Status: registry.StatusHealthy, Capabilities: h.cfg.Capabilities}
	if h.registry != nil {
		_, err := h.registry.Heartbeat(ctx, h.cfg.ID, report)
		return err
	}

	self := envelope.AgentID{ID: h.cfg.ID, Type: h.cfg.Type, Version: h.cfg.Version}
	to := []envelope.AgentID{{ID: "*", Type: roleRegistry}}
	env := envelope.New(self, to, envelope.Scope{Tenant: h.cfg.Tenant, Project: h.cfg.Project},
		&envelope.RegistryHeartbeat{
			AgentID:      h.cfg.ID,
			Status:       string(registry.StatusHealthy),
			Capabilities: h.cfg.Capabilities,
		},
		envelope.WithPriority(envelope.PriorityLow),
	)
	topic := messagequeue.Topic(h.cfg.Tenant, h.cfg.Project, h.cfg.Scope, messagequeue.SubjectRegistry)
	_, err := h.messenger.Send(h.vault.WithCredentials(ctx), topic, env)
	return err
}

// cmoHandlers closes the loop on specialist results: each result is
// checkpointed as a step of its trace and answered with a decision.
type cmoHandlers struct {
	store     service.CheckpointStore
	recorder  *service.CheckpointRecorder
	guard     *service.IdempotencyGuard
	decisions *service.DecisionPublisher
	vault     *secrets.Vault
	logger    *slog.Logger
}

func (c *cmoHandlers) register(r *service.Router) {
	r.RegisterHandler(envelope.TypeSpecialistResult, c.handleResult, "")
}

func (c *cmoHandlers) handleResult(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
	res, ok := env.Payload.(*envelope.SpecialistResult)
	if !ok {
		return nil, fmt.Errorf("specialist result handler got %T", env.Payload)
	}
	trace := env.Meta.TraceID

	run, err := c.store.GetRun(ctx, trace)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if _, err := c.recorder.StartRun(ctx, trace, cmoGraphID, cmoGraphVersion); err != nil && !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
	case err != nil:
		return nil, err
	case run.Status.Closed():
		c.logger.InfoContext(ctx, "specialist result for closed run ignored", "trace_id", trace, "status", run.Status)
		return nil, nil
	}

	// Each phase runs once per result; a redelivery resumes after the
	// last phase that completed.
	request := map[string]any{"reply_to": env.Meta.ReplyTo, "from": env.Meta.From.String(), "result": res}
	err = c.once(ctx, trace, "review_step", request, func(ctx context.Context) error {
		_, err := c.recorder.RecordStep(ctx, trace, service.StepRecord{
			NodeID:      "review_" + env.Meta.From.Type,
			Inputs:      map[string]any{"reply_to": env.Meta.ReplyTo, "from": env.Meta.From.String()},
			Outputs:     res,
			State:       map[string]any{"status": res.Status},
			NextEdge:    "decide",
			StartedAt:   env.Meta.TS,
			CompletedAt: time.Now().UTC(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	err = c.once(ctx, trace, "review_decision", request, func(ctx context.Context) error {
		out := c.vault.WithCredentials(ctx)
		if res.Status == envelope.StatusSuccess {
			_, err := c.decisions.Approve(out, trace, res.Proposal, "specialist reported success")
			return err
		}
		reason := "specialist failed"
		if res.Error != nil && res.Error.Message != "" {
			reason = res.Error.Message
		}
		_, err := c.decisions.Reject(out, trace, "proposal rejected", []string{reason})
		return err
	})
	if err != nil {
		return nil, err
	}

	status := checkpoint.RunCompleted
	if res.Status != envelope.StatusSuccess {
		status = checkpoint.RunFailed
	}
	return nil, c.recorder.FinishRun(ctx, trace, status)
}

func (c *cmoHandlers) once(ctx context.Context, trace, activity string, request any, fn func(context.Context) error) error {
	key, err := service.NewActivityKey(trace, 0, activity, request)
	if err != nil {
		return err
	}
	_, _, err = c.guard.Execute(ctx, key, request, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}
