package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/agentwire/internal/adapter/policyfile"
	"github.com/Strob0t/agentwire/internal/config"
	"github.com/Strob0t/agentwire/internal/domain/envelope"
	"github.com/Strob0t/agentwire/internal/domain/policy"
	"github.com/Strob0t/agentwire/internal/port/cache"
)

var (
	cmoID  = envelope.AgentID{ID: "cmo-1", Type: "cmo", Version: "1.0.0"}
	specID = envelope.AgentID{ID: "spec-1", Type: "specialist", Version: "1.0.0"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bufferLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func gateWith(p policy.Policy) *WireGate {
	return NewWireGate(policyfile.Static(p), config.Policy{Path: "a2a/wire"}, nil, discardLogger())
}

func allowGate() *WireGate { return gateWith(policy.AllowAll{}) }

func float64Ptr(v float64) *float64 { return &v }

func invocationPayload() *envelope.SpecialistInvocationRequest {
	return &envelope.SpecialistInvocationRequest{
		Task:   "select_tests",
		Inputs: map[string]any{"changed_files": []any{"login.go"}, "step_index": 1},
		Budget: envelope.Budget{MaxMinutes: float64Ptr(5), MaxCostUSD: float64Ptr(0.5)},
	}
}

func taskEnvelope(traceID, tenant string) *envelope.Envelope {
	return envelope.New(cmoID, []envelope.AgentID{specID},
		envelope.Scope{Tenant: tenant, Project: "qa", TraceID: traceID},
		&envelope.TaskRequest{Task: "run_suite", Inputs: map[string]any{"suite": "smoke"}},
	)
}

func mustMarshal(t *testing.T, env *envelope.Envelope) []byte {
	t.Helper()
	raw, err := envelope.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

// eventually polls cond until it holds or the timeout elapses.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

type mapCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

var _ cache.Cache = (*mapCache)(nil)

func newMapCache() *mapCache { return &mapCache{m: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = append([]byte(nil), value...)
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
	return nil
}

func (c *mapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
