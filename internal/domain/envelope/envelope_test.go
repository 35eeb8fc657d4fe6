package envelope

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

var (
	cmo        = AgentID{ID: "cmo-1", Type: "cmo", Version: "1.0.0"}
	specialist = AgentID{ID: "healer-1", Type: "specialist", Version: "2.1.0"}
	scope      = Scope{Tenant: "wesign", Project: "app", TraceID: "4bf92f3577b34da6a3ce929d0e0e4736"}
)

func float64Ptr(v float64) *float64 { return &v }
func int64Ptr(v int64) *int64       { return &v }

func invocation() *SpecialistInvocationRequest {
	return &SpecialistInvocationRequest{
		Task:   "heal_selector",
		Inputs: map[string]any{"selector": "#submit", "page": "login"},
		Budget: Budget{MaxMinutes: float64Ptr(5), MaxCostCents: int64Ptr(50)},
	}
}

func samplePayloads() []Payload {
	return []Payload{
		&TaskRequest{Task: "run_suite", Inputs: map[string]any{"suite": "smoke"}},
		&TaskResult{Status: StatusSuccess, Result: map[string]any{"passed": "true"}},
		&TaskResult{Status: StatusFailed, Error: &ErrorInfo{Code: "timeout", Message: "suite timed out", Retryable: true}},
		&MemoryEvent{Event: "upsert", Key: "selector:#submit", Value: "button.primary", Tags: []string{"ui"}},
		&ContextRequest{Query: "recent failures", Slices: []string{"test_results"}, MaxTokens: 2000},
		&ContextResult{Slices: []ContextSlice{{Name: "test_results", Content: "3 failed"}}},
		invocation(),
		&SpecialistResult{Status: StatusSuccess, Proposal: map[string]any{"selector": "button.primary"}},
		&SpecialistResult{Status: StatusFailed, Error: &ErrorInfo{Message: "no candidate"}},
		&RegistryHeartbeat{AgentID: "healer-1", Status: "HEALTHY", Capabilities: []string{"heal"}},
		&RegistryDiscoveryRequest{Capability: "heal", Tenant: "wesign"},
		&RegistryDiscoveryResponse{Agents: []AgentID{specialist}},
		&SystemEvent{Event: "decision", Decision: DecisionApprove, Summary: "apply fix", Reasons: []string{"confident"}},
		&SpecialistEventNotification{Event: "progress", Specialist: "healer-1"},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, p := range samplePayloads() {
		t.Run(string(p.MessageType()), func(t *testing.T) {
			env := New(cmo, []AgentID{specialist}, scope, p, WithPriority(PriorityHigh))
			data, err := Marshal(env)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := Validate(data)
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if !reflect.DeepEqual(got, env) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, env)
			}
		})
	}
}

func TestNewDefaults(t *testing.T) {
	env := New(cmo, []AgentID{specialist}, Scope{Tenant: "wesign", Project: "app"}, invocation())

	if env.Meta.A2AVersion != ProtocolVersion {
		t.Errorf("version = %q", env.Meta.A2AVersion)
	}
	if !messageIDPattern.MatchString(env.Meta.MessageID) {
		t.Errorf("message id %q not 32 hex chars", env.Meta.MessageID)
	}
	if env.Meta.TraceID == "" {
		t.Error("trace id should be generated")
	}
	if env.Meta.Priority != PriorityNormal {
		t.Errorf("priority = %q, want normal", env.Meta.Priority)
	}
	if env.Meta.Type != TypeSpecialistInvocationRequest {
		t.Errorf("type = %q", env.Meta.Type)
	}
}

func TestReply(t *testing.T) {
	req := New(cmo, []AgentID{specialist}, scope, invocation())
	resp := Reply(req, specialist, &SpecialistResult{Status: StatusSuccess, Proposal: map[string]any{"x": "y"}})

	if resp.Meta.ReplyTo != req.Meta.MessageID {
		t.Errorf("reply_to = %q, want %q", resp.Meta.ReplyTo, req.Meta.MessageID)
	}
	if resp.Meta.TraceID != req.Meta.TraceID || resp.Meta.Tenant != "wesign" || resp.Meta.Project != "app" {
		t.Errorf("reply left the request scope: %+v", resp.Meta)
	}
	if len(resp.Meta.To) != 1 || resp.Meta.To[0] != cmo {
		t.Errorf("reply should address the requester, got %v", resp.Meta.To)
	}
	if resp.Meta.MessageID == req.Meta.MessageID {
		t.Error("reply must have its own message id")
	}
}

// rawEnvelope returns a valid envelope as a generic map so tests can
// remove or corrupt individual fields.
func rawEnvelope(t *testing.T) map[string]any {
	t.Helper()
	env := New(cmo, []AgentID{specialist}, scope, invocation())
	data, err := Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func validateMap(t *testing.T, m map[string]any) error {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Validate(data)
	return err
}

func wantCode(t *testing.T, err error, code Code, field string) {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if ve.Code != code {
		t.Errorf("code = %s, want %s (%v)", ve.Code, code, err)
	}
	if field != "" && ve.Field != field {
		t.Errorf("field = %s, want %s", ve.Field, field)
	}
}

func TestValidateMissingField(t *testing.T) {
	for _, field := range requiredMeta {
		t.Run(field, func(t *testing.T) {
			m := rawEnvelope(t)
			delete(m["meta"].(map[string]any), field)
			wantCode(t, validateMap(t, m), CodeMissingField, "meta."+field)
		})
	}

	t.Run("meta", func(t *testing.T) {
		m := rawEnvelope(t)
		delete(m, "meta")
		wantCode(t, validateMap(t, m), CodeMissingField, "meta")
	})
	t.Run("payload", func(t *testing.T) {
		m := rawEnvelope(t)
		delete(m, "payload")
		wantCode(t, validateMap(t, m), CodeMissingField, "payload")
	})
	t.Run("empty string counts as missing", func(t *testing.T) {
		m := rawEnvelope(t)
		m["meta"].(map[string]any)["tenant"] = ""
		wantCode(t, validateMap(t, m), CodeMissingField, "meta.tenant")
	})
}

func TestValidateChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(meta, payload map[string]any)
		code   Code
	}{
		{"version", func(meta, _ map[string]any) { meta["a2a_version"] = "2.0" }, CodeUnsupportedVersion},
		{"message id uppercase", func(meta, _ map[string]any) { meta["message_id"] = strings.Repeat("A", 32) }, CodeInvalidMessageID},
		{"message id with dashes", func(meta, _ map[string]any) {
			meta["message_id"] = "4bf92f35-77b3-4da6-a3ce-929d0e0e4736"
		}, CodeInvalidMessageID},
		{"timestamp", func(meta, _ map[string]any) { meta["ts"] = "yesterday" }, CodeInvalidTimestamp},
		{"recipients", func(meta, _ map[string]any) { meta["to"] = []any{} }, CodeEmptyRecipients},
		{"type", func(meta, _ map[string]any) { meta["type"] = "Gossip" }, CodeUnknownType},
		{"priority", func(meta, _ map[string]any) { meta["priority"] = "urgent" }, CodeInvalidPriority},
		{"payload missing required", func(_, payload map[string]any) { delete(payload, "task") }, CodePayloadSchema},
		{"budget without cost bound", func(_, payload map[string]any) {
			payload["budget"] = map[string]any{"max_minutes": 5}
		}, CodePayloadSchema},
		{"payload of another type", func(meta, _ map[string]any) { meta["type"] = "ContextResult" }, CodePayloadSchema},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := rawEnvelope(t)
			tt.mutate(m["meta"].(map[string]any), m["payload"].(map[string]any))
			wantCode(t, validateMap(t, m), tt.code, "")
		})
	}
}

func TestValidateOrder(t *testing.T) {
	m := rawEnvelope(t)
	meta := m["meta"].(map[string]any)
	meta["a2a_version"] = "0.9"
	meta["message_id"] = "nope"
	meta["ts"] = "bad"
	meta["to"] = []any{}
	meta["type"] = "Gossip"

	wantCode(t, validateMap(t, m), CodeUnsupportedVersion, "")

	meta["a2a_version"] = ProtocolVersion
	wantCode(t, validateMap(t, m), CodeInvalidMessageID, "")

	meta["message_id"] = NewMessageID()
	wantCode(t, validateMap(t, m), CodeInvalidTimestamp, "")

	meta["ts"] = time.Now().UTC().Format(time.RFC3339)
	wantCode(t, validateMap(t, m), CodeEmptyRecipients, "")

	meta["to"] = []any{map[string]any{"id": "x", "type": "specialist"}}
	wantCode(t, validateMap(t, m), CodeUnknownType, "")
}

func TestValidateInvalidJSON(t *testing.T) {
	_, err := Validate([]byte(`{"meta": `))
	wantCode(t, err, CodeInvalidJSON, "")
}

func TestValidateDefaultsPriority(t *testing.T) {
	m := rawEnvelope(t)
	delete(m["meta"].(map[string]any), "priority")

	data, _ := json.Marshal(m)
	env, err := Validate(data)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if env.Meta.Priority != PriorityNormal {
		t.Errorf("priority = %q, want normal", env.Meta.Priority)
	}
}

func TestSpecialistResultConditionalFields(t *testing.T) {
	bad := []Payload{
		&SpecialistResult{Status: StatusSuccess},
		&SpecialistResult{Status: StatusFailed, Proposal: map[string]any{"a": "b"}},
	}
	for _, p := range bad {
		env := New(specialist, []AgentID{cmo}, scope, p)
		if err := Check(env); err == nil {
			t.Errorf("expected schema error for %+v", p)
		}
	}
}

func TestEmptyResultSurvivesReencoding(t *testing.T) {
	for _, p := range []Payload{
		&SpecialistResult{Status: StatusSuccess, Proposal: map[string]any{}},
		&TaskResult{Status: StatusSuccess, Result: map[string]any{}},
	} {
		data, err := Encode(New(specialist, []AgentID{cmo}, scope, p))
		if err != nil {
			t.Fatalf("encode %s: %v", p.MessageType(), err)
		}
		env, err := Validate(data)
		if err != nil {
			t.Fatalf("validate %s: %v", p.MessageType(), err)
		}
		if _, err := Encode(env); err != nil {
			t.Errorf("re-encode %s: %v", p.MessageType(), err)
		}
	}
}

func TestCheckRejectsTypeMismatch(t *testing.T) {
	env := New(cmo, []AgentID{specialist}, scope, invocation())
	env.Meta.Type = TypeTaskRequest
	wantCode(t, Check(env), CodePayloadSchema, "payload")
}

func TestUnmarshalEnvelope(t *testing.T) {
	env := New(cmo, []AgentID{specialist}, scope, invocation())
	data, _ := Marshal(env)

	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	req, ok := got.Payload.(*SpecialistInvocationRequest)
	if !ok {
		t.Fatalf("payload type = %T", got.Payload)
	}
	if req.Task != "heal_selector" || *req.Budget.MaxMinutes != 5 {
		t.Errorf("payload = %+v", req)
	}
}

func TestPriorityRank(t *testing.T) {
	if !(PriorityLow.Rank() < PriorityNormal.Rank() && PriorityNormal.Rank() < PriorityHigh.Rank()) {
		t.Error("priorities out of order")
	}
	if Priority("urgent").Rank() != -1 {
		t.Error("unknown priority should rank -1")
	}
}

func TestSideEffecting(t *testing.T) {
	for _, typ := range Types {
		want := typ == TypeTaskRequest || typ == TypeSpecialistInvocationRequest || typ == TypeMemoryEvent
		if got := typ.SideEffecting(); got != want {
			t.Errorf("%s.SideEffecting() = %v, want %v", typ, got, want)
		}
	}
}
