package checkpoint

import (
	"fmt"

	"github.com/Strob0t/agentwire/internal/domain"
)

var validStatuses = map[RunStatus]bool{
	RunRunning:   true,
	RunCompleted: true,
	RunFailed:    true,
	RunCancelled: true,
}

// Validate checks that a Run has all required fields and valid values.
func (r *Run) Validate() error {
	if r.TraceID == "" {
		return fmt.Errorf("trace_id is required: %w", domain.ErrValidation)
	}
	if r.GraphID == "" {
		return fmt.Errorf("graph_id is required: %w", domain.ErrValidation)
	}
	if !validStatuses[r.Status] {
		return fmt.Errorf("invalid status %q: %w", r.Status, domain.ErrValidation)
	}
	return nil
}

// Validate checks that a Step has all required fields.
func (s *Step) Validate() error {
	if s.TraceID == "" {
		return fmt.Errorf("trace_id is required: %w", domain.ErrValidation)
	}
	if s.StepIndex < 0 {
		return fmt.Errorf("step_index must be non-negative: %w", domain.ErrValidation)
	}
	if s.NodeID == "" {
		return fmt.Errorf("node_id is required: %w", domain.ErrValidation)
	}
	if s.StateHash == "" {
		return fmt.Errorf("state_hash is required: %w", domain.ErrValidation)
	}
	return nil
}

// Validate checks that an ActivityKey is complete.
func (k ActivityKey) Validate() error {
	if k.TraceID == "" {
		return fmt.Errorf("trace_id is required: %w", domain.ErrValidation)
	}
	if k.StepIndex < 0 {
		return fmt.Errorf("step_index must be non-negative: %w", domain.ErrValidation)
	}
	if k.ActivityType == "" {
		return fmt.Errorf("activity_type is required: %w", domain.ErrValidation)
	}
	if k.RequestHash == "" {
		return fmt.Errorf("request_hash is required: %w", domain.ErrValidation)
	}
	return nil
}
