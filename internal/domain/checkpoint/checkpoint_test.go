package checkpoint

import (
	"errors"
	"testing"

	"github.com/Strob0t/agentwire/internal/domain"
)

func TestHashIgnoresVolatileKeys(t *testing.T) {
	a := map[string]any{
		"selector": "#submit",
		"ts":       "2026-01-01T00:00:00Z",
		"nested":   map[string]any{"started_at": "x", "value": 1},
	}
	b := map[string]any{
		"selector": "#submit",
		"ts":       "2027-06-30T12:00:00Z",
		"nested":   map[string]any{"started_at": "y", "value": 1},
	}

	ha, err := Hash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Errorf("hashes differ only by volatile keys: %s != %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("hash length = %d, want 64", len(ha))
	}
}

func TestHashDetectsSemanticChange(t *testing.T) {
	ha, _ := Hash(map[string]any{"selector": "#submit"})
	hb, _ := Hash(map[string]any{"selector": "#cancel"})
	if ha == hb {
		t.Error("different inputs produced equal hashes")
	}
}

func TestHashStructAndMapAgree(t *testing.T) {
	type input struct {
		Selector  string `json:"selector"`
		MessageID string `json:"message_id"`
	}
	hs, _ := Hash(input{Selector: "#submit", MessageID: "abc"})
	hm, _ := Hash(map[string]any{"selector": "#submit"})
	if hs != hm {
		t.Errorf("struct and map encodings should hash equal: %s != %s", hs, hm)
	}
}

func TestHashKeepsNumberText(t *testing.T) {
	canon, err := Canonical(map[string]any{"n": 10000000000000001})
	if err != nil {
		t.Fatal(err)
	}
	if string(canon) != `{"n":10000000000000001}` {
		t.Errorf("canonical = %s", canon)
	}
}

func TestHashUnencodable(t *testing.T) {
	if _, err := Hash(map[string]any{"ch": make(chan int)}); err == nil {
		t.Error("expected error for unencodable value")
	}
}

func TestRunStatusClosed(t *testing.T) {
	if RunRunning.Closed() {
		t.Error("running is not closed")
	}
	for _, s := range []RunStatus{RunCompleted, RunFailed, RunCancelled} {
		if !s.Closed() {
			t.Errorf("%s should be closed", s)
		}
	}
}

func TestValidate(t *testing.T) {
	run := &Run{TraceID: "t1", GraphID: "g", Status: RunRunning}
	if err := run.Validate(); err != nil {
		t.Errorf("valid run: %v", err)
	}
	run.Status = "paused"
	if err := run.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}

	step := &Step{TraceID: "t1", StepIndex: -1, NodeID: "n", StateHash: "h"}
	if err := step.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("negative step index: %v", err)
	}

	key := ActivityKey{TraceID: "t1", StepIndex: 0, ActivityType: "invoke"}
	if err := key.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("missing request hash: %v", err)
	}
}
