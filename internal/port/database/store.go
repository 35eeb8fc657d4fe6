// Package database defines the persistence ports (interfaces).
package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Strob0t/agentwire/internal/domain/checkpoint"
	"github.com/Strob0t/agentwire/internal/domain/registry"
)

// CheckpointStore persists runs and their append-only steps.
type CheckpointStore interface {
	// CreateRun inserts a run. domain.ErrConflict if the trace exists.
	CreateRun(ctx context.Context, run *checkpoint.Run) error
	// GetRun returns domain.ErrNotFound for unknown traces.
	GetRun(ctx context.Context, traceID string) (*checkpoint.Run, error)
	// FinishRun closes a running run. domain.ErrConflict if it is
	// already closed, domain.ErrNotFound if it does not exist.
	FinishRun(ctx context.Context, traceID string, status checkpoint.RunStatus, completedAt time.Time) error
	// AppendStep inserts a step. domain.ErrConflict if the index is taken.
	AppendStep(ctx context.Context, step *checkpoint.Step) error
	// ListSteps returns the steps of a trace ordered by step_index.
	ListSteps(ctx context.Context, traceID string) ([]checkpoint.Step, error)
}

// ActivityStore persists side-effecting activities keyed by their
// idempotency key. Uniqueness of the key is enforced by the store.
type ActivityStore interface {
	// InsertActivity records a first attempt. When the key already exists
	// nothing is written and the existing record is returned with
	// inserted=false. Concurrent callers see exactly one inserted=true.
	InsertActivity(ctx context.Context, a *checkpoint.Activity) (existing *checkpoint.Activity, inserted bool, err error)
	// CompleteActivity stores the response of a recorded activity.
	CompleteActivity(ctx context.Context, key checkpoint.ActivityKey, response json.RawMessage) error
	// ReleaseActivity deletes a recorded activity that has no response
	// yet, so a failed attempt can be retried. Completed activities are
	// never released.
	ReleaseActivity(ctx context.Context, key checkpoint.ActivityKey) error
	// ListActivities returns a trace's activities ordered by step index
	// and timestamp.
	ListActivities(ctx context.Context, traceID string) ([]checkpoint.Activity, error)
}

// TraceReader is the read side used by replay.
type TraceReader interface {
	GetRun(ctx context.Context, traceID string) (*checkpoint.Run, error)
	ListSteps(ctx context.Context, traceID string) ([]checkpoint.Step, error)
	ListActivities(ctx context.Context, traceID string) ([]checkpoint.Activity, error)
}

// RegistryStore persists agents, their topics and leases.
type RegistryStore interface {
	// UpsertAgent inserts or replaces an agent record.
	UpsertAgent(ctx context.Context, a *registry.Agent) error
	// GetAgent returns domain.ErrNotFound for unknown agents.
	GetAgent(ctx context.Context, agentID string) (*registry.Agent, error)
	ListAgents(ctx context.Context) ([]registry.Agent, error)
	// SetAgentTopics replaces the topic links of an agent.
	SetAgentTopics(ctx context.Context, agentID string, topics []registry.AgentTopic) error
	ListAgentTopics(ctx context.Context, agentID string) ([]registry.AgentTopic, error)
	// MarkExpired sets every agent whose lease ended before now and which
	// is not already UNAVAILABLE to UNAVAILABLE. It returns the IDs changed.
	MarkExpired(ctx context.Context, now time.Time) ([]string, error)
}

// Store is everything the daemon persists.
type Store interface {
	CheckpointStore
	ActivityStore
	RegistryStore
}
