package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/Strob0t/agentwire/internal/domain"
	"github.com/Strob0t/agentwire/internal/domain/checkpoint"
	"github.com/Strob0t/agentwire/internal/port/database"
)

// VerifyUnsupported is the status of every verification report.
// Re-executing a trace needs the graph engine, which is not part of
// the fabric.
const VerifyUnsupported = "verification unsupported"

// ReplayStep is a recorded step with the activities performed in it.
type ReplayStep struct {
	checkpoint.Step
	Activities []checkpoint.Activity `json:"activities,omitempty"`
}

// ReplayResult is the recorded history of a trace.
type ReplayResult struct {
	Run   *checkpoint.Run `json:"run"`
	Steps []ReplayStep    `json:"steps"`
}

// FieldMismatch is one differing field of a step pair.
type FieldMismatch struct {
	Field string `json:"field"`
	A     string `json:"a"`
	B     string `json:"b"`
}

// StepComparison compares the steps with the same index in two traces.
// Missing names the trace ("a" or "b") that has no step at this index.
type StepComparison struct {
	StepIndex  int             `json:"step_index"`
	Match      bool            `json:"match"`
	Missing    string          `json:"missing,omitempty"`
	Mismatches []FieldMismatch `json:"mismatches,omitempty"`
}

// CompareReport is the result of comparing two traces step by step.
type CompareReport struct {
	TraceA       string            `json:"trace_a"`
	TraceB       string            `json:"trace_b"`
	TotalSteps   int               `json:"total_steps"`
	MatchedSteps int               `json:"matched_steps"`
	MatchPercent float64           `json:"match_percent"`
	Steps        []StepComparison  `json:"steps"`
	Divergence   *ReplayDivergence `json:"divergence,omitempty"`
}

// Err returns the divergence as an error, or nil when the traces match.
func (r *CompareReport) Err() error {
	if r == nil || r.Divergence == nil {
		return nil
	}
	return r.Divergence
}

// ReplayDivergence reports that two traces did not execute identically.
type ReplayDivergence struct {
	TraceA          string `json:"trace_a"`
	TraceB          string `json:"trace_b"`
	FirstStep       int    `json:"first_step"`
	MismatchedSteps int    `json:"mismatched_steps"`
	TotalSteps      int    `json:"total_steps"`
}

func (d *ReplayDivergence) Error() string {
	return fmt.Sprintf("replay divergence between %s and %s: %d of %d steps differ, first at step %d",
		d.TraceA, d.TraceB, d.MismatchedSteps, d.TotalSteps, d.FirstStep)
}

// VerifyReport is the outcome of Verify.
type VerifyReport struct {
	TraceID   string `json:"trace_id"`
	Supported bool   `json:"supported"`
	Status    string `json:"status"`
	Steps     int    `json:"steps"`
}

// ReplayService reads recorded traces back for audit and debugging. It
// never re-executes anything.
type ReplayService struct {
	store database.TraceReader
}

// NewReplayService creates a new ReplayService.
func NewReplayService(store database.TraceReader) *ReplayService {
	return &ReplayService{store: store}
}

// Replay returns the steps of traceID ordered by step index, each with its
// activities. With upTo set, only steps 0..*upTo are returned.
func (s *ReplayService) Replay(ctx context.Context, traceID string, upTo *int) (*ReplayResult, error) {
	if upTo != nil && *upTo < 0 {
		return nil, fmt.Errorf("replay %s: up_to must be non-negative: %w", traceID, domain.ErrValidation)
	}
	run, err := s.store.GetRun(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	steps, err := s.store.ListSteps(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("replay load steps: %w", err)
	}
	activities, err := s.store.ListActivities(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("replay load activities: %w", err)
	}

	byStep := make(map[int][]checkpoint.Activity)
	for i := range activities {
		byStep[activities[i].StepIndex] = append(byStep[activities[i].StepIndex], activities[i])
	}

	result := &ReplayResult{Run: run, Steps: make([]ReplayStep, 0, len(steps))}
	for i := range steps {
		if upTo != nil && steps[i].StepIndex > *upTo {
			break
		}
		result.Steps = append(result.Steps, ReplayStep{Step: steps[i], Activities: byStep[steps[i].StepIndex]})
	}
	return result, nil
}

// Compare aligns the steps of traces a and b by step index. A step that
// exists in only one trace counts as a mismatch. When any step differs the
// report carries a *ReplayDivergence.
func (s *ReplayService) Compare(ctx context.Context, a, b string) (*CompareReport, error) {
	stepsA, err := s.loadSteps(ctx, a)
	if err != nil {
		return nil, err
	}
	stepsB, err := s.loadSteps(ctx, b)
	if err != nil {
		return nil, err
	}
	return CompareSteps(a, b, stepsA, stepsB), nil
}

func (s *ReplayService) loadSteps(ctx context.Context, traceID string) ([]checkpoint.Step, error) {
	if _, err := s.store.GetRun(ctx, traceID); err != nil {
		return nil, fmt.Errorf("compare: %w", err)
	}
	steps, err := s.store.ListSteps(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("compare load steps %s: %w", traceID, err)
	}
	return steps, nil
}

// CompareSteps builds a CompareReport from two step lists. Two empty
// traces match completely.
func CompareSteps(traceA, traceB string, a, b []checkpoint.Step) *CompareReport {
	indexA := make(map[int]*checkpoint.Step, len(a))
	indexB := make(map[int]*checkpoint.Step, len(b))
	var indexes []int
	for i := range a {
		indexA[a[i].StepIndex] = &a[i]
		indexes = append(indexes, a[i].StepIndex)
	}
	for i := range b {
		if _, ok := indexA[b[i].StepIndex]; !ok {
			indexes = append(indexes, b[i].StepIndex)
		}
		indexB[b[i].StepIndex] = &b[i]
	}
	slices.Sort(indexes)
	indexes = slices.Compact(indexes)

	report := &CompareReport{TraceA: traceA, TraceB: traceB, TotalSteps: len(indexes), Steps: make([]StepComparison, 0, len(indexes))}
	first := -1
	for _, idx := range indexes {
		cmp := compareStep(idx, indexA[idx], indexB[idx])
		if cmp.Match {
			report.MatchedSteps++
		} else if first < 0 {
			first = idx
		}
		report.Steps = append(report.Steps, cmp)
	}

	if report.TotalSteps == 0 {
		report.MatchPercent = 100
	} else {
		report.MatchPercent = float64(report.MatchedSteps) / float64(report.TotalSteps) * 100
	}
	if first >= 0 {
		report.Divergence = &ReplayDivergence{
			TraceA:          traceA,
			TraceB:          traceB,
			FirstStep:       first,
			MismatchedSteps: report.TotalSteps - report.MatchedSteps,
			TotalSteps:      report.TotalSteps,
		}
	}
	return report
}

func compareStep(idx int, a, b *checkpoint.Step) StepComparison {
	switch {
	case a == nil:
		return StepComparison{StepIndex: idx, Missing: "a"}
	case b == nil:
		return StepComparison{StepIndex: idx, Missing: "b"}
	}

	var mm []FieldMismatch
	for _, f := range []struct{ name, a, b string }{
		{"node_id", a.NodeID, b.NodeID},
		{"state_hash", a.StateHash, b.StateHash},
		{"input_hash", a.InputHash, b.InputHash},
		{"output_hash", a.OutputHash, b.OutputHash},
	} {
		if f.a != f.b {
			mm = append(mm, FieldMismatch{Field: f.name, A: f.a, B: f.b})
		}
	}
	return StepComparison{StepIndex: idx, Match: len(mm) == 0, Mismatches: mm}
}

// Verify would re-execute traceID and check it reproduces the recorded
// hashes. That needs the graph engine, so the report is always
// unsupported; it is never reported as verified.
func (s *ReplayService) Verify(ctx context.Context, traceID string) (*VerifyReport, error) {
	if _, err := s.store.GetRun(ctx, traceID); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	steps, err := s.store.ListSteps(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("verify load steps: %w", err)
	}
	return &VerifyReport{TraceID: traceID, Supported: false, Status: VerifyUnsupported, Steps: len(steps)}, nil
}
