package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	awotel "github.com/Strob0t/agentwire/internal/adapter/otel"
	"github.com/Strob0t/agentwire/internal/config"
	"github.com/Strob0t/agentwire/internal/domain/envelope"
	"github.com/Strob0t/agentwire/internal/domain/policy"
	policyport "github.com/Strob0t/agentwire/internal/port/policy"
)

// WireGate evaluates every envelope against the wire policy before it is
// sent and after it is received. It fails closed: when the evaluator
// errors or is missing the envelope is denied with
// policy.ReasonEvaluatorUnavailable.
type WireGate struct {
	evaluator policyport.Evaluator
	path      string
	disabled  bool
	metrics   *awotel.Metrics
	logger    *slog.Logger
}

// NewWireGate creates a gate that asks evaluator for the decision at
// cfg.Path. With cfg.Disabled every envelope is allowed and each bypass
// is logged.
func NewWireGate(evaluator policyport.Evaluator, cfg config.Policy, metrics *awotel.Metrics, logger *slog.Logger) *WireGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &WireGate{
		evaluator: evaluator,
		path:      cfg.Path,
		disabled:  cfg.Disabled,
		metrics:   metrics,
		logger:    logger,
	}
}

// CheckPreSend evaluates env before it is published.
func (g *WireGate) CheckPreSend(ctx context.Context, env *envelope.Envelope) (policy.Decision, error) {
	return g.check(ctx, env, policy.DirectionPreSend)
}

// CheckPostReceive evaluates env after it was received and validated.
func (g *WireGate) CheckPostReceive(ctx context.Context, env *envelope.Envelope) (policy.Decision, error) {
	return g.check(ctx, env, policy.DirectionPostReceive)
}

// check returns the decision and, for denials, a *policy.DeniedError.
func (g *WireGate) check(ctx context.Context, env *envelope.Envelope, dir policy.Direction) (policy.Decision, error) {
	if g.disabled {
		g.logger.WarnContext(ctx, "policy gate bypass",
			"direction", dir,
			"message_id", env.Meta.MessageID,
			"type", env.Meta.Type,
		)
		return policy.Allowed(), nil
	}

	ctx, span := awotel.StartGateSpan(ctx, string(dir), env.Meta.MessageID)
	start := time.Now()
	decision := g.evaluate(ctx, env, dir)
	g.metrics.ObserveGate(ctx, string(dir), time.Since(start).Seconds())

	if decision.Allow {
		awotel.EndSpan(span, nil)
		return decision, nil
	}

	denied := policy.NewDeniedError(dir, decision)
	awotel.EndSpan(span, denied)
	g.metrics.RecordPolicyDenial(ctx, string(dir), decision.Reason)
	g.logger.InfoContext(ctx, "policy denied envelope",
		"direction", dir,
		"message_id", env.Meta.MessageID,
		"type", env.Meta.Type,
		"reason", decision.Reason,
		"violations", decision.Violations,
	)
	return decision, denied
}

func (g *WireGate) evaluate(ctx context.Context, env *envelope.Envelope, dir policy.Direction) policy.Decision {
	if g.evaluator == nil {
		return policy.Denied(policy.ReasonEvaluatorUnavailable, "no policy evaluator configured")
	}
	d, err := g.evaluator.Evaluate(ctx, g.path, policy.Input{Envelope: env, Direction: dir})
	if err != nil {
		g.logger.ErrorContext(ctx, "policy evaluation failed", "direction", dir, "error", err)
		return policy.Denied(policy.ReasonEvaluatorUnavailable, err.Error())
	}
	if !d.Allow && d.Reason == "" {
		d.Reason = "denied"
	}
	return d
}

// IsDenied reports whether err carries a *policy.DeniedError.
func IsDenied(err error) bool {
	var de *policy.DeniedError
	return errors.As(err, &de)
}
