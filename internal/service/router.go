package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	awotel "github.com/Strob0t/agentwire/internal/adapter/otel"
	"github.com/Strob0t/agentwire/internal/domain/envelope"
	"github.com/Strob0t/agentwire/internal/logger"
	"github.com/Strob0t/agentwire/internal/port/messagequeue"
	"github.com/Strob0t/agentwire/internal/security"
)

// HandlerFunc handles one inbound envelope. A non-nil payload is sent back
// to the envelope's sender as a reply.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error)

// Route is a registered handler and the capability grant callers need.
type Route struct {
	Handler HandlerFunc
	// Grant is the capability required to invoke the handler, e.g.
	// "specialist.invoke:test_selection". Empty means identity only.
	Grant string
}

// ReplyTopicFunc chooses the topic a reply to req is published on.
type ReplyTopicFunc func(req *envelope.Envelope) string

// RouterConfig wires a Router. Verifier, Guard and Messenger are optional:
// without a verifier no authentication happens, without a guard handlers
// run on every delivery, and without a messenger replies are dropped.
type RouterConfig struct {
	Self       envelope.AgentID
	Gate       *WireGate
	Verifier   security.TokenVerifier
	Guard      *IdempotencyGuard
	Messenger  *Messenger
	Tracker    *envelope.Tracker
	ReplyTopic ReplyTopicFunc
	Metrics    *awotel.Metrics
	Logger     *slog.Logger
}

// Router validates, authenticates and policy-checks inbound envelopes and
// dispatches them by message type.
type Router struct {
	self       envelope.AgentID
	gate       *WireGate
	verifier   security.TokenVerifier
	guard      *IdempotencyGuard
	messenger  *Messenger
	tracker    *envelope.Tracker
	replyTopic ReplyTopicFunc
	metrics    *awotel.Metrics
	logger     *slog.Logger

	mu       sync.RWMutex
	routes   map[envelope.MessageType]Route
	fallback HandlerFunc
}

// NewRouter creates a Router. Unregistered types go to a default handler
// that logs and drops them.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		self:       cfg.Self,
		gate:       cfg.Gate,
		verifier:   cfg.Verifier,
		guard:      cfg.Guard,
		messenger:  cfg.Messenger,
		tracker:    cfg.Tracker,
		replyTopic: cfg.ReplyTopic,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		routes:     make(map[envelope.MessageType]Route),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracker == nil {
		r.tracker = envelope.NewTracker(0)
	}
	if r.replyTopic == nil {
		r.replyTopic = InboxTopic("a2a")
	}
	r.fallback = r.logUnhandled
	return r
}

// InboxTopic returns a ReplyTopicFunc that addresses the sender's agent
// type: <tenant>.<project>.<scope>.<sender type>.
func InboxTopic(scope string) ReplyTopicFunc {
	return func(req *envelope.Envelope) string {
		return messagequeue.Topic(req.Meta.Tenant, req.Meta.Project, scope, req.Meta.From.Type)
	}
}

// RegisterHandler routes envelopes of type t to fn. A non-empty grant is
// required from callers when the router has a verifier.
func (r *Router) RegisterHandler(t envelope.MessageType, fn HandlerFunc, grant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[t] = Route{Handler: fn, Grant: grant}
}

// SetDefault replaces the handler for unregistered types.
func (r *Router) SetDefault(fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

func (r *Router) route(t envelope.MessageType) Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.routes[t]; ok {
		return rt
	}
	return Route{Handler: r.fallback}
}

func (r *Router) logUnhandled(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
	r.logger.InfoContext(ctx, "no handler for message type", "type", env.Meta.Type, "from", env.Meta.From.String())
	return nil, nil
}

// Handle runs the inbound pipeline for one raw envelope: validation,
// duplicate and trace scope checks, authentication, the post-receive
// gate, idempotency for side-effecting types, then the handler. Errors
// for which IsTerminal is true must not be retried.
func (r *Router) Handle(ctx context.Context, raw []byte) (*envelope.Envelope, error) {
	env, err := envelope.Validate(raw)
	if err != nil {
		return nil, err
	}
	if err := r.tracker.Observe(env); err != nil {
		return env, err
	}
	ctx = logger.WithTrace(ctx, env.Meta.TraceID, env.Meta.MessageID)

	if err := r.dispatch(ctx, env); err != nil {
		if !IsTerminal(err) {
			// Let the redelivery through the duplicate check.
			r.tracker.Forget(env.Meta.MessageID)
		}
		return env, err
	}
	return env, nil
}

func (r *Router) dispatch(ctx context.Context, env *envelope.Envelope) error {
	rt := r.route(env.Meta.Type)

	if r.verifier != nil {
		p, err := security.Authenticate(ctx, r.verifier, env.Meta.Tenant, env.Meta.Project, rt.Grant)
		if err != nil {
			r.logger.WarnContext(ctx, "inbound authentication failed", "type", env.Meta.Type, "error", err)
			return err
		}
		ctx = security.WithPrincipal(ctx, p)
	}
	if r.gate != nil {
		if _, err := r.gate.CheckPostReceive(ctx, env); err != nil {
			return err
		}
	}

	if r.guard == nil || !env.Meta.Type.SideEffecting() {
		resp, err := r.handle(ctx, env, rt)
		if err != nil || resp == nil {
			return err
		}
		return r.reply(ctx, env, resp)
	}

	key, err := NewActivityKey(env.Meta.TraceID, StepIndexOf(env), string(env.Meta.Type), env.Payload)
	if err != nil {
		return err
	}
	var resp envelope.Payload
	stored, out, err := r.guard.Execute(ctx, key, env.Payload, func(ctx context.Context) (any, error) {
		p, err := r.handle(ctx, env, rt)
		if err != nil {
			return nil, err
		}
		resp = p
		return storedReply{Type: replyType(p), Payload: p}, nil
	})
	if err != nil {
		return err
	}
	if out.IsDuplicate {
		if len(stored) == 0 {
			r.logger.InfoContext(ctx, "duplicate side-effecting message still in progress", "type", env.Meta.Type)
			return nil
		}
		if resp, err = decodeReply(stored); err != nil {
			return fmt.Errorf("stored reply for %s: %w", env.Meta.Type, err)
		}
		r.logger.InfoContext(ctx, "duplicate side-effecting message answered from stored reply", "type", env.Meta.Type)
	}
	if resp == nil {
		return nil
	}
	// The activity is complete: a failed publish is retried from the
	// stored reply on redelivery.
	return r.reply(ctx, env, resp)
}

func (r *Router) handle(ctx context.Context, env *envelope.Envelope, rt Route) (envelope.Payload, error) {
	start := time.Now()
	resp, err := rt.Handler(ctx, env)
	r.metrics.ObserveHandler(ctx, string(env.Meta.Type), time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("handle %s: %w", env.Meta.Type, err)
	}
	return resp, nil
}

// storedReply is the response recorded for a side-effecting activity.
// A nil Payload means the handler sent no reply.
type storedReply struct {
	Type    envelope.MessageType `json:"type,omitempty"`
	Payload envelope.Payload     `json:"payload,omitempty"`
}

func replyType(p envelope.Payload) envelope.MessageType {
	if p == nil {
		return ""
	}
	return p.MessageType()
}

func decodeReply(data json.RawMessage) (envelope.Payload, error) {
	var raw struct {
		Type    envelope.MessageType `json:"type"`
		Payload json.RawMessage      `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.Type == "" {
		return nil, nil
	}
	p := envelope.NewPayload(raw.Type)
	if p == nil {
		return nil, fmt.Errorf("unknown message type %q", raw.Type)
	}
	if err := json.Unmarshal(raw.Payload, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Router) reply(ctx context.Context, req *envelope.Envelope, payload envelope.Payload) error {
	if r.messenger == nil {
		r.logger.WarnContext(ctx, "reply dropped, no messenger configured", "type", payload.MessageType())
		return nil
	}
	resp := envelope.Reply(req, r.self, payload)
	if _, err := r.messenger.Send(ctx, r.replyTopic(req), resp); err != nil {
		return fmt.Errorf("reply to %s: %w", req.Meta.MessageID, err)
	}
	return nil
}

// StepIndexOf returns the orchestrator step an envelope belongs to, taken
// from inputs["step_index"] of request payloads. It defaults to 0.
func StepIndexOf(env *envelope.Envelope) int {
	var inputs map[string]any
	switch p := env.Payload.(type) {
	case *envelope.TaskRequest:
		inputs = p.Inputs
	case *envelope.SpecialistInvocationRequest:
		inputs = p.Inputs
	}
	switch v := inputs["step_index"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// IsTerminal reports whether err means the message can never be processed:
// validation, authentication and policy failures.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	return envelope.IsValidationError(err) || security.IsAuthError(err) || IsDenied(err)
}
