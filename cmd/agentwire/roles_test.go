package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Strob0t/agentwire/internal/adapter/memqueue"
	"github.com/Strob0t/agentwire/internal/adapter/memstore"
	"github.com/Strob0t/agentwire/internal/config"
	"github.com/Strob0t/agentwire/internal/domain/checkpoint"
	"github.com/Strob0t/agentwire/internal/domain/envelope"
	"github.com/Strob0t/agentwire/internal/domain/registry"
	"github.com/Strob0t/agentwire/internal/resilience"
	"github.com/Strob0t/agentwire/internal/secrets"
	"github.com/Strob0t/agentwire/internal/service"
)

const decisionTopic = "wesign.qa.a2a.cmo.decisions"

func testAgentConfig() config.Agent {
	return config.Agent{
		ID:           "cmo-1",
		Type:         "cmo",
		Version:      "1.0.0",
		Tenant:       "wesign",
		Project:      "qa",
		Scope:        "a2a",
		Capabilities: []string{"orchestration"},
	}
}

func emptyVault(t *testing.T) *secrets.Vault {
	t.Helper()
	v, err := secrets.NewVault(func() (map[string]string, error) { return map[string]string{}, nil })
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func testMessenger(q *memqueue.Queue) *service.Messenger {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate := service.NewWireGate(nil, config.Policy{Disabled: true}, nil, log)
	return service.NewMessenger(q, gate, log)
}

func specialistResult(trace string, status envelope.ResultStatus) *envelope.Envelope {
	from := envelope.AgentID{ID: "spec-1", Type: "specialist", Version: "1.0.0"}
	to := []envelope.AgentID{{ID: "cmo-1", Type: "cmo"}}
	res := &envelope.SpecialistResult{Status: status, Proposal: map[string]any{"tests": []any{"login"}}}
	if status == envelope.StatusFailed {
		res.Proposal = nil
		res.Error = &envelope.ErrorInfo{Message: "budget exceeded"}
	}
	return envelope.New(from, to, envelope.Scope{Tenant: "wesign", Project: "qa", TraceID: trace}, res)
}

func newCMO(t *testing.T, q *memqueue.Queue, store *memstore.Store) *cmoHandlers {
	t.Helper()
	decisions := service.NewDecisionPublisher(testMessenger(q), service.DecisionConfig{
		From:    envelope.AgentID{ID: "cmo-1", Type: "cmo"},
		Tenant:  "wesign",
		Project: "qa",
		Topic:   decisionTopic,
	})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &cmoHandlers{
		store:     store,
		recorder:  service.NewCheckpointRecorder(store, nil, log),
		guard:     service.NewIdempotencyGuard(store, nil, time.Minute, nil, log),
		decisions: decisions,
		vault:     emptyVault(t),
		logger:    log,
	}
}

func decisionOf(t *testing.T, raw []byte) envelope.Decision {
	t.Helper()
	env, err := envelope.Validate(raw)
	if err != nil {
		t.Fatalf("decision envelope invalid: %v", err)
	}
	ev, ok := env.Payload.(*envelope.SystemEvent)
	if !ok {
		t.Fatalf("payload = %T, want *SystemEvent", env.Payload)
	}
	return ev.Decision
}

func TestCMOApprovesSuccessfulResult(t *testing.T) {
	q := memqueue.New()
	t.Cleanup(func() { _ = q.Close() })
	store := memstore.New()
	cmo := newCMO(t, q, store)
	ctx := context.Background()

	trace := envelope.NewTraceID()
	if _, err := cmo.handleResult(ctx, specialistResult(trace, envelope.StatusSuccess)); err != nil {
		t.Fatalf("handleResult: %v", err)
	}

	msgs := q.Messages(decisionTopic)
	if len(msgs) != 1 {
		t.Fatalf("decisions published = %d, want 1", len(msgs))
	}
	if d := decisionOf(t, msgs[0]); d != envelope.DecisionApprove {
		t.Errorf("decision = %q, want approve", d)
	}

	run, err := store.GetRun(ctx, trace)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != checkpoint.RunCompleted {
		t.Errorf("run status = %q, want completed", run.Status)
	}
	steps, _ := store.ListSteps(ctx, trace)
	if len(steps) != 1 || steps[0].NodeID != "review_specialist" {
		t.Errorf("steps = %+v", steps)
	}
}

func TestCMORejectsFailedResult(t *testing.T) {
	q := memqueue.New()
	t.Cleanup(func() { _ = q.Close() })
	store := memstore.New()
	cmo := newCMO(t, q, store)
	ctx := context.Background()

	trace := envelope.NewTraceID()
	if _, err := cmo.handleResult(ctx, specialistResult(trace, envelope.StatusFailed)); err != nil {
		t.Fatalf("handleResult: %v", err)
	}

	msgs := q.Messages(decisionTopic)
	if len(msgs) != 1 || decisionOf(t, msgs[0]) != envelope.DecisionReject {
		t.Fatalf("want one reject decision, got %d messages", len(msgs))
	}
	run, _ := store.GetRun(ctx, trace)
	if run == nil || run.Status != checkpoint.RunFailed {
		t.Errorf("run = %+v, want failed", run)
	}
}

func TestCMOResumesAfterDecisionPublishFailure(t *testing.T) {
	failed := false
	q := memqueue.New(
		memqueue.WithRetryPolicy(resilience.RetryPolicy{MaxAttempts: 1}),
		memqueue.WithFaults(func(topic string, _ int) error {
			if topic == decisionTopic && !failed {
				failed = true
				return errors.New("broker unavailable")
			}
			return nil
		}),
	)
	t.Cleanup(func() { _ = q.Close() })
	store := memstore.New()
	cmo := newCMO(t, q, store)
	ctx := context.Background()

	trace := envelope.NewTraceID()
	env := specialistResult(trace, envelope.StatusSuccess)
	if _, err := cmo.handleResult(ctx, env); err == nil {
		t.Fatal("expected the decision publish to fail")
	}
	if _, err := cmo.handleResult(ctx, env); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if n := len(q.Messages(decisionTopic)); n != 1 {
		t.Errorf("decisions published = %d, want 1", n)
	}
	if steps, _ := store.ListSteps(ctx, trace); len(steps) != 1 {
		t.Errorf("steps recorded = %d, want 1", len(steps))
	}
	run, _ := store.GetRun(ctx, trace)
	if run == nil || run.Status != checkpoint.RunCompleted {
		t.Errorf("run = %+v, want completed", run)
	}
}

func TestCMOIgnoresResultForClosedRun(t *testing.T) {
	q := memqueue.New()
	t.Cleanup(func() { _ = q.Close() })
	store := memstore.New()
	cmo := newCMO(t, q, store)
	ctx := context.Background()

	trace := envelope.NewTraceID()
	if _, err := cmo.handleResult(ctx, specialistResult(trace, envelope.StatusSuccess)); err != nil {
		t.Fatalf("handleResult: %v", err)
	}
	// A late result from another specialist on the finished run.
	late := specialistResult(trace, envelope.StatusFailed)
	if _, err := cmo.handleResult(ctx, late); err != nil {
		t.Fatalf("late result: %v", err)
	}

	if n := len(q.Messages(decisionTopic)); n != 1 {
		t.Errorf("decisions published = %d, want 1", n)
	}
	if steps, _ := store.ListSteps(ctx, trace); len(steps) != 1 {
		t.Errorf("steps recorded = %d, want 1", len(steps))
	}
	if cmo.recorder.Aborted(trace) {
		t.Error("recorder aborted the trace")
	}
	run, _ := store.GetRun(ctx, trace)
	if run == nil || run.Status != checkpoint.RunCompleted {
		t.Errorf("run = %+v, want completed", run)
	}
}

func TestHeartbeaterPublishesToRegistryTopic(t *testing.T) {
	q := memqueue.New()
	t.Cleanup(func() { _ = q.Close() })
	hb := &heartbeater{
		cfg:       testAgentConfig(),
		messenger: testMessenger(q),
		vault:     emptyVault(t),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	if err := hb.beat(context.Background()); err != nil {
		t.Fatalf("beat: %v", err)
	}
	msgs := q.Messages("wesign.qa.a2a.registry")
	if len(msgs) != 1 {
		t.Fatalf("heartbeats = %d, want 1", len(msgs))
	}
	env, err := envelope.Validate(msgs[0])
	if err != nil {
		t.Fatal(err)
	}
	hbPayload, ok := env.Payload.(*envelope.RegistryHeartbeat)
	if !ok || hbPayload.AgentID != "cmo-1" {
		t.Errorf("payload = %+v", env.Payload)
	}
}

func TestHeartbeaterRenewsLeaseInProcess(t *testing.T) {
	store := memstore.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := service.NewRegistryService(store, time.Minute, log)
	cfg := testAgentConfig()
	me := selfAgent(cfg)
	me.Status = registry.StatusStarting
	ctx := context.Background()
	if err := reg.Register(ctx, &me, nil); err != nil {
		t.Fatal(err)
	}

	hb := &heartbeater{cfg: cfg, registry: reg, logger: log}
	if err := hb.beat(ctx); err != nil {
		t.Fatalf("beat: %v", err)
	}
	got, err := store.GetAgent(ctx, cfg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != registry.StatusHealthy {
		t.Errorf("status = %q, want HEALTHY", got.Status)
	}
}
