// Package checkpoint defines the durable record of an orchestrator
// execution: runs, their append-only steps, and the side-effecting
// activities performed inside each step.
package checkpoint

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Closed reports whether s is a terminal status.
func (s RunStatus) Closed() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Run is one execution of a graph, identified by its trace id.
type Run struct {
	TraceID      string     `json:"trace_id"`
	GraphID      string     `json:"graph_id"`
	GraphVersion string     `json:"graph_version"`
	Status       RunStatus  `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Step is the checkpoint of one node execution. Steps of a trace are
// keyed by (trace_id, step_index) and only ever appended.
type Step struct {
	TraceID     string    `json:"trace_id"`
	StepIndex   int       `json:"step_index"`
	NodeID      string    `json:"node_id"`
	StateHash   string    `json:"state_hash"`
	InputHash   string    `json:"input_hash"`
	OutputHash  string    `json:"output_hash"`
	NextEdge    string    `json:"next_edge,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`
}

// ActivityKey uniquely identifies a side-effecting activity. A second
// attempt with the same key is a duplicate.
type ActivityKey struct {
	TraceID      string `json:"trace_id"`
	StepIndex    int    `json:"step_index"`
	ActivityType string `json:"activity_type"`
	RequestHash  string `json:"request_hash"`
}

// Activity is a recorded side effect with its request and, once
// completed, its response.
type Activity struct {
	ActivityKey
	RequestData  json.RawMessage `json:"request_data"`
	ResponseData json.RawMessage `json:"response_data,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Completed reports whether the activity's response has been stored.
func (a *Activity) Completed() bool {
	return len(a.ResponseData) > 0
}
