package policy

import (
	"errors"
	"strings"
	"testing"

	"github.com/Strob0t/agentwire/internal/domain/envelope"
)

func input(tenant, project string, p envelope.Payload, prio envelope.Priority) Input {
	env := envelope.New(
		envelope.AgentID{ID: "cmo-1", Type: "cmo"},
		[]envelope.AgentID{{ID: "healer-1", Type: "specialist"}},
		envelope.Scope{Tenant: tenant, Project: project},
		p,
		envelope.WithPriority(prio),
	)
	return Input{Envelope: env, Direction: DirectionPreSend}
}

func task() envelope.Payload {
	return &envelope.TaskRequest{Task: "run", Inputs: map[string]any{}}
}

func TestTenantAllowList(t *testing.T) {
	p := &TenantAllowList{Tenants: []string{"wesign"}}

	if d := p.Evaluate(input("wesign", "app", task(), envelope.PriorityNormal)); !d.Allow {
		t.Errorf("wesign should be allowed: %+v", d)
	}

	d := p.Evaluate(input("wesign2", "app", task(), envelope.PriorityNormal))
	if d.Allow {
		t.Fatal("wesign2 should be denied")
	}
	if d.Reason != ReasonTenantNotAllowed {
		t.Errorf("reason = %q", d.Reason)
	}
	if len(d.Violations) != 1 || !strings.Contains(d.Violations[0], "wesign2") {
		t.Errorf("violations = %v", d.Violations)
	}
}

func TestFamilies(t *testing.T) {
	in := input("wesign", "app", task(), envelope.PriorityLow)

	tests := []struct {
		name  string
		p     Policy
		allow bool
	}{
		{"project allowed", &ProjectAllowList{Projects: []string{"app"}}, true},
		{"project denied", &ProjectAllowList{Projects: []string{"web"}}, false},
		{"type allowed", &TypeAllowList{Types: []envelope.MessageType{envelope.TypeTaskRequest}}, true},
		{"type denied", &TypeAllowList{Types: []envelope.MessageType{envelope.TypeMemoryEvent}}, false},
		{"priority low ok", &MinPriority{Min: envelope.PriorityLow}, true},
		{"priority too low", &MinPriority{Min: envelope.PriorityNormal}, false},
		{"allow all", AllowAll{}, true},
		{"deny all", DenyAll{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Evaluate(in).Allow; got != tt.allow {
				t.Errorf("%s allow = %v, want %v", tt.p.Name(), got, tt.allow)
			}
		})
	}
}

func TestAllOfCollectsViolations(t *testing.T) {
	p := &AllOf{Policies: []Policy{
		&TenantAllowList{Tenants: []string{"acme"}},
		AllowAll{},
		&ProjectAllowList{Projects: []string{"web"}},
	}}
	d := p.Evaluate(input("wesign", "app", task(), envelope.PriorityNormal))
	if d.Allow {
		t.Fatal("expected deny")
	}
	if d.Reason != ReasonTenantNotAllowed {
		t.Errorf("reason = %q, want first denial", d.Reason)
	}
	if len(d.Violations) != 2 {
		t.Errorf("violations = %v, want 2", d.Violations)
	}
}

func TestAnyOf(t *testing.T) {
	in := input("wesign", "app", task(), envelope.PriorityNormal)

	p := &AnyOf{Policies: []Policy{DenyAll{}, &TenantAllowList{Tenants: []string{"wesign"}}}}
	if !p.Evaluate(in).Allow {
		t.Error("one allowing member should allow")
	}

	p = &AnyOf{Policies: []Policy{DenyAll{}, &TenantAllowList{Tenants: []string{"acme"}}}}
	d := p.Evaluate(in)
	if d.Allow || d.Reason != ReasonNoAlternativeAllowed {
		t.Errorf("decision = %+v", d)
	}

	if (&AnyOf{}).Evaluate(in).Allow {
		t.Error("empty any_of should deny")
	}
}

func TestConditional(t *testing.T) {
	p := &Conditional{
		When: Condition{Field: FieldType, Equals: string(envelope.TypeTaskRequest)},
		Then: &MinPriority{Min: envelope.PriorityHigh},
	}

	if p.Evaluate(input("t", "p", task(), envelope.PriorityNormal)).Allow {
		t.Error("task request below high should be denied")
	}
	if !p.Evaluate(input("t", "p", task(), envelope.PriorityHigh)).Allow {
		t.Error("high task request should be allowed")
	}
	mem := &envelope.MemoryEvent{Event: "upsert", Key: "k"}
	if !p.Evaluate(input("t", "p", mem, envelope.PriorityLow)).Allow {
		t.Error("non-matching type with nil else should be allowed")
	}

	p.Else = DenyAll{}
	if p.Evaluate(input("t", "p", mem, envelope.PriorityLow)).Allow {
		t.Error("else branch should apply")
	}
}

func TestConditionIn(t *testing.T) {
	c := Condition{Field: FieldTenant, In: []string{"a", "b"}}
	if !c.Matches(input("b", "p", task(), "")) {
		t.Error("b should match")
	}
	if c.Matches(input("c", "p", task(), "")) {
		t.Error("c should not match")
	}
	dir := Condition{Field: FieldDirection, Equals: string(DirectionPreSend)}
	if !dir.Matches(input("a", "p", task(), "")) {
		t.Error("direction should match")
	}
}

func TestPresets(t *testing.T) {
	for _, name := range PresetNames() {
		if _, ok := Preset(name); !ok {
			t.Errorf("preset %q not found", name)
		}
	}
	if _, ok := Preset("nope"); ok {
		t.Error("unknown preset found")
	}

	p, _ := Preset(PresetNoBroadcast)
	ev := &envelope.SystemEvent{Event: "decision", Decision: envelope.DecisionApprove}
	if p.Evaluate(input("t", "p", ev, "")).Allow {
		t.Error("system events should be denied by no-system-events")
	}
}

func TestDeniedError(t *testing.T) {
	err := error(NewDeniedError(DirectionPostReceive, Denied(ReasonTenantNotAllowed, "tenant x")))
	var de *DeniedError
	if !errors.As(err, &de) {
		t.Fatal("expected *DeniedError")
	}
	if de.Direction != DirectionPostReceive {
		t.Errorf("direction = %s", de.Direction)
	}
	if !strings.Contains(err.Error(), "tenant x") {
		t.Errorf("error text = %q", err.Error())
	}
}
