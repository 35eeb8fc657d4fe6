// Package policy defines the port through which the wire gate consults a
// policy engine.
package policy

import (
	"context"

	"github.com/Strob0t/agentwire/internal/domain/policy"
)

// Evaluator decides whether an envelope may cross the wire. path names the
// policy to evaluate, e.g. "a2a/wire". An error means no decision could be
// made; callers must treat it as a denial.
type Evaluator interface {
	Evaluate(ctx context.Context, path string, in policy.Input) (policy.Decision, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, path string, in policy.Input) (policy.Decision, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, path string, in policy.Input) (policy.Decision, error) {
	return f(ctx, path, in)
}
