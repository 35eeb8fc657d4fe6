package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/agentwire/internal/domain"
	"github.com/Strob0t/agentwire/internal/domain/checkpoint"
	"github.com/Strob0t/agentwire/internal/domain/registry"
)

func TestRunCannotReopen(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.CreateRun(ctx, &checkpoint.Run{TraceID: "t", Status: checkpoint.RunRunning})
	if err := s.FinishRun(ctx, "t", checkpoint.RunCompleted, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.FinishRun(ctx, "t", checkpoint.RunRunning, time.Now()); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestActivityFirstWriterWins(t *testing.T) {
	s := New()
	key := checkpoint.ActivityKey{TraceID: "t", ActivityType: "TaskRequest", RequestHash: "h"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, _ := s.InsertActivity(context.Background(), &checkpoint.Activity{ActivityKey: key})
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if inserted != 1 {
		t.Fatalf("inserted = %d, want 1", inserted)
	}

	_ = s.CompleteActivity(context.Background(), key, json.RawMessage(`{"ok":true}`))
	existing, ok, _ := s.InsertActivity(context.Background(), &checkpoint.Activity{ActivityKey: key})
	if ok || existing == nil || string(existing.ResponseData) != `{"ok":true}` {
		t.Errorf("existing = %+v, inserted = %v", existing, ok)
	}
}

func TestReleaseOnlyIncomplete(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := checkpoint.ActivityKey{TraceID: "t", ActivityType: "MemoryEvent", RequestHash: "h"}

	_, _, _ = s.InsertActivity(ctx, &checkpoint.Activity{ActivityKey: key})
	_ = s.ReleaseActivity(ctx, key)
	if _, ok, _ := s.InsertActivity(ctx, &checkpoint.Activity{ActivityKey: key}); !ok {
		t.Fatal("released key should be insertable")
	}
	_ = s.CompleteActivity(ctx, key, json.RawMessage(`1`))
	_ = s.ReleaseActivity(ctx, key)
	if _, ok, _ := s.InsertActivity(ctx, &checkpoint.Activity{ActivityKey: key}); ok {
		t.Error("completed activity was released")
	}
}

func TestStepsSortedAndUnique(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.CreateRun(ctx, &checkpoint.Run{TraceID: "t", Status: checkpoint.RunRunning})
	for _, i := range []int{2, 0, 1} {
		if err := s.AppendStep(ctx, &checkpoint.Step{TraceID: "t", StepIndex: i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AppendStep(ctx, &checkpoint.Step{TraceID: "t", StepIndex: 1}); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	steps, _ := s.ListSteps(ctx, "t")
	for i, st := range steps {
		if st.StepIndex != i {
			t.Fatalf("steps out of order: %+v", steps)
		}
	}
}

func TestAppendStepRequiresRun(t *testing.T) {
	s := New()
	err := s.AppendStep(context.Background(), &checkpoint.Step{TraceID: "missing", StepIndex: 0})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkExpired(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	_ = s.UpsertAgent(ctx, &registry.Agent{AgentID: "a", Status: registry.StatusHealthy, LeaseUntil: now.Add(-time.Second)})
	_ = s.UpsertAgent(ctx, &registry.Agent{AgentID: "b", Status: registry.StatusHealthy, LeaseUntil: now.Add(time.Minute)})

	ids, err := s.MarkExpired(ctx, now)
	if err != nil || len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("MarkExpired = %v, %v", ids, err)
	}
	if ids, _ := s.MarkExpired(ctx, now); len(ids) != 0 {
		t.Errorf("already unavailable agents reported again: %v", ids)
	}
}

func TestFailWrites(t *testing.T) {
	s := New()
	s.FailWrites = errors.New("disk full")
	if err := s.AppendStep(context.Background(), &checkpoint.Step{TraceID: "t"}); err == nil {
		t.Error("expected injected failure")
	}
}
