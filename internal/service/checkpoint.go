package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	awotel "github.com/Strob0t/agentwire/internal/adapter/otel"
	"github.com/Strob0t/agentwire/internal/domain"
	"github.com/Strob0t/agentwire/internal/domain/checkpoint"
	"github.com/Strob0t/agentwire/internal/domain/envelope"
	"github.com/Strob0t/agentwire/internal/port/database"
)

// ErrCheckpointFatal marks a failed checkpoint write. The recorder stops
// accepting writes for the affected trace: a run whose history has gaps
// cannot be replayed.
var ErrCheckpointFatal = errors.New("checkpoint write failed")

// CheckpointStore is what the recorder persists to.
type CheckpointStore interface {
	database.CheckpointStore
	database.ActivityStore
}

// StepRecord is one node execution as seen by the orchestrator. Inputs,
// Outputs and State are hashed; they are not stored.
type StepRecord struct {
	NodeID      string
	Inputs      any
	Outputs     any
	State       any
	NextEdge    string
	StartedAt   time.Time
	CompletedAt time.Time
}

// CheckpointRecorder records runs, steps and activities of orchestrator
// executions.
type CheckpointRecorder struct {
	store   CheckpointStore
	guard   *IdempotencyGuard
	metrics *awotel.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	next    map[string]int
	aborted map[string]error
}

// NewCheckpointRecorder creates a recorder writing to store.
func NewCheckpointRecorder(store CheckpointStore, metrics *awotel.Metrics, logger *slog.Logger) *CheckpointRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointRecorder{
		store:   store,
		guard:   NewIdempotencyGuard(store, nil, 0, metrics, logger),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		next:    make(map[string]int),
		aborted: make(map[string]error),
	}
}

// StartRun opens a run. An empty traceID gets a fresh one.
func (r *CheckpointRecorder) StartRun(ctx context.Context, traceID, graphID, graphVersion string) (*checkpoint.Run, error) {
	if traceID == "" {
		traceID = envelope.NewTraceID()
	}
	run := &checkpoint.Run{
		TraceID:      traceID,
		GraphID:      graphID,
		GraphVersion: graphVersion,
		Status:       checkpoint.RunRunning,
		StartedAt:    r.now().UTC(),
	}
	if err := run.Validate(); err != nil {
		return nil, err
	}

	ctx, span := awotel.StartCheckpointSpan(ctx, "start_run", traceID)
	err := r.store.CreateRun(ctx, run)
	awotel.EndSpan(span, err)
	if errors.Is(err, domain.ErrConflict) {
		return nil, fmt.Errorf("start run %s: %w", traceID, err)
	}
	if err != nil {
		return nil, r.abort(ctx, traceID, fmt.Errorf("create run: %w", err))
	}

	r.mu.Lock()
	r.next[traceID] = 0
	r.mu.Unlock()
	return run, nil
}

// RecordStep appends the next step of traceID. Step indexes increase by
// one from 0; a recorder resuming an existing trace continues after its
// last stored step.
func (r *CheckpointRecorder) RecordStep(ctx context.Context, traceID string, rec StepRecord) (*checkpoint.Step, error) {
	if err := r.check(traceID); err != nil {
		return nil, err
	}

	step, err := r.buildStep(traceID, rec)
	if err != nil {
		return nil, err
	}
	idx, err := r.reserveIndex(ctx, traceID)
	if err != nil {
		return nil, err
	}
	step.StepIndex = idx
	if err := step.Validate(); err != nil {
		return nil, err
	}

	ctx, span := awotel.StartCheckpointSpan(ctx, "append_step", traceID)
	err = r.store.AppendStep(ctx, step)
	awotel.EndSpan(span, err)
	if err != nil {
		return nil, r.abort(ctx, traceID, fmt.Errorf("append step %d: %w", idx, err))
	}
	r.metrics.RecordStep(ctx, step.NodeID)
	return step, nil
}

func (r *CheckpointRecorder) buildStep(traceID string, rec StepRecord) (*checkpoint.Step, error) {
	stateHash, err := checkpoint.Hash(rec.State)
	if err != nil {
		return nil, fmt.Errorf("hash state: %w", err)
	}
	inputHash, err := checkpoint.Hash(rec.Inputs)
	if err != nil {
		return nil, fmt.Errorf("hash inputs: %w", err)
	}
	outputHash, err := checkpoint.Hash(rec.Outputs)
	if err != nil {
		return nil, fmt.Errorf("hash outputs: %w", err)
	}

	completed := rec.CompletedAt
	if completed.IsZero() {
		completed = r.now()
	}
	started := rec.StartedAt
	if started.IsZero() {
		started = completed
	}
	return &checkpoint.Step{
		TraceID:     traceID,
		NodeID:      rec.NodeID,
		StateHash:   stateHash,
		InputHash:   inputHash,
		OutputHash:  outputHash,
		NextEdge:    rec.NextEdge,
		StartedAt:   started.UTC(),
		CompletedAt: completed.UTC(),
		DurationMS:  completed.Sub(started).Milliseconds(),
	}, nil
}

func (r *CheckpointRecorder) reserveIndex(ctx context.Context, traceID string) (int, error) {
	r.mu.Lock()
	idx, ok := r.next[traceID]
	if ok {
		r.next[traceID] = idx + 1
		r.mu.Unlock()
		return idx, nil
	}
	r.mu.Unlock()

	steps, err := r.store.ListSteps(ctx, traceID)
	if err != nil {
		return 0, r.abort(ctx, traceID, fmt.Errorf("load steps: %w", err))
	}
	idx = 0
	if n := len(steps); n > 0 {
		idx = steps[n-1].StepIndex + 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.next[traceID]; ok && cur > idx {
		idx = cur
	}
	r.next[traceID] = idx + 1
	return idx, nil
}

// RecordActivity records a completed side effect of a step. Recording the
// same activity twice is a no-op reported as a duplicate.
func (r *CheckpointRecorder) RecordActivity(ctx context.Context, traceID string, stepIndex int, activityType string, request, response any) (Outcome, error) {
	if err := r.check(traceID); err != nil {
		return Outcome{}, err
	}
	key, err := NewActivityKey(traceID, stepIndex, activityType, request)
	if err != nil {
		return Outcome{}, err
	}

	ctx, span := awotel.StartCheckpointSpan(ctx, "record_activity", traceID)
	out, err := r.guard.CheckAndRecord(ctx, key, request)
	if err == nil && !out.IsDuplicate {
		err = r.guard.Complete(ctx, key, response)
	}
	awotel.EndSpan(span, err)
	if err != nil {
		return Outcome{}, r.abort(ctx, traceID, err)
	}
	return out, nil
}

// FinishRun closes the run with status.
func (r *CheckpointRecorder) FinishRun(ctx context.Context, traceID string, status checkpoint.RunStatus) error {
	if !status.Closed() {
		return fmt.Errorf("finish run %s: %q is not a closing status", traceID, status)
	}
	if err := r.check(traceID); err != nil {
		return err
	}

	ctx, span := awotel.StartCheckpointSpan(ctx, "finish_run", traceID)
	err := r.store.FinishRun(ctx, traceID, status, r.now().UTC())
	awotel.EndSpan(span, err)
	if err != nil {
		return r.abort(ctx, traceID, fmt.Errorf("finish run: %w", err))
	}

	r.mu.Lock()
	delete(r.next, traceID)
	r.mu.Unlock()
	return nil
}

// Aborted reports whether writes for traceID have been stopped.
func (r *CheckpointRecorder) Aborted(traceID string) bool {
	return r.check(traceID) != nil
}

func (r *CheckpointRecorder) check(traceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cause, ok := r.aborted[traceID]; ok {
		return fmt.Errorf("%w: trace %s aborted: %w", ErrCheckpointFatal, traceID, cause)
	}
	return nil
}

func (r *CheckpointRecorder) abort(ctx context.Context, traceID string, cause error) error {
	r.mu.Lock()
	r.aborted[traceID] = cause
	delete(r.next, traceID)
	r.mu.Unlock()

	r.logger.ErrorContext(ctx, "checkpoint write failed, recording aborted", "trace_id", traceID, "error", cause)
	return fmt.Errorf("%w: trace %s: %w", ErrCheckpointFatal, traceID, cause)
}
