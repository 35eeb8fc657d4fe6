package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Strob0t/agentwire/internal/config"
	"github.com/Strob0t/agentwire/internal/domain/policy"
	policyport "github.com/Strob0t/agentwire/internal/port/policy"
)

func TestWireGate_Allow(t *testing.T) {
	g := allowGate()
	env := taskEnvelope("", "wesign")

	d, err := g.CheckPreSend(context.Background(), env)
	if err != nil {
		t.Fatalf("CheckPreSend: %v", err)
	}
	if !d.Allow {
		t.Error("expected allow")
	}
	if _, err := g.CheckPostReceive(context.Background(), env); err != nil {
		t.Fatalf("CheckPostReceive: %v", err)
	}
}

func TestWireGate_TenantAllowList(t *testing.T) {
	g := gateWith(&policy.TenantAllowList{Tenants: []string{"wesign"}})

	if _, err := g.CheckPreSend(context.Background(), taskEnvelope("", "wesign")); err != nil {
		t.Fatalf("allowed tenant: %v", err)
	}

	d, err := g.CheckPreSend(context.Background(), taskEnvelope("", "other"))
	if !IsDenied(err) {
		t.Fatalf("expected denial, got %v", err)
	}
	if d.Allow {
		t.Error("decision should not allow")
	}
	var de *policy.DeniedError
	errors.As(err, &de)
	if de.Reason != policy.ReasonTenantNotAllowed {
		t.Errorf("reason = %q, want %q", de.Reason, policy.ReasonTenantNotAllowed)
	}
	if de.Direction != policy.DirectionPreSend {
		t.Errorf("direction = %q", de.Direction)
	}
}

func TestWireGate_FailsClosedOnEvaluatorError(t *testing.T) {
	failing := policyport.EvaluatorFunc(func(context.Context, string, policy.Input) (policy.Decision, error) {
		return policy.Decision{}, errors.New("opa: connection refused")
	})
	g := NewWireGate(failing, config.Policy{Path: "a2a/wire"}, nil, discardLogger())

	d, err := g.CheckPostReceive(context.Background(), taskEnvelope("", "wesign"))
	if !IsDenied(err) {
		t.Fatalf("expected denial, got %v", err)
	}
	if d.Reason != policy.ReasonEvaluatorUnavailable {
		t.Errorf("reason = %q, want %q", d.Reason, policy.ReasonEvaluatorUnavailable)
	}
}

func TestWireGate_NilEvaluatorDenies(t *testing.T) {
	g := NewWireGate(nil, config.Policy{}, nil, discardLogger())
	d, err := g.CheckPreSend(context.Background(), taskEnvelope("", "wesign"))
	if !IsDenied(err) || d.Reason != policy.ReasonEvaluatorUnavailable {
		t.Fatalf("expected evaluator_unavailable denial, got %+v / %v", d, err)
	}
}

func TestWireGate_EvaluatorPath(t *testing.T) {
	var gotPath string
	ev := policyport.EvaluatorFunc(func(_ context.Context, path string, in policy.Input) (policy.Decision, error) {
		gotPath = path
		if in.Direction != policy.DirectionPostReceive {
			t.Errorf("direction = %q", in.Direction)
		}
		return policy.Decision{Allow: false}, nil
	})
	g := NewWireGate(ev, config.Policy{Path: "a2a/wire/allow"}, nil, discardLogger())

	d, err := g.CheckPostReceive(context.Background(), taskEnvelope("", "wesign"))
	if !IsDenied(err) {
		t.Fatalf("expected denial, got %v", err)
	}
	if gotPath != "a2a/wire/allow" {
		t.Errorf("path = %q", gotPath)
	}
	if d.Reason == "" {
		t.Error("denial without reason should get a default reason")
	}
}

func TestWireGate_DisabledBypassIsLogged(t *testing.T) {
	logger, buf := bufferLogger()
	g := NewWireGate(policyport.EvaluatorFunc(func(context.Context, string, policy.Input) (policy.Decision, error) {
		t.Fatal("evaluator must not run while the gate is disabled")
		return policy.Decision{}, nil
	}), config.Policy{Disabled: true}, nil, logger)

	for range 2 {
		if _, err := g.CheckPreSend(context.Background(), taskEnvelope("", "other")); err != nil {
			t.Fatalf("disabled gate denied: %v", err)
		}
	}
	if n := strings.Count(buf.String(), "policy gate bypass"); n != 2 {
		t.Errorf("bypass logged %d times, want 2", n)
	}
	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Error("bypass should be logged at WARN")
	}
}
