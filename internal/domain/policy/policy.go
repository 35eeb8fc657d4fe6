// Package policy defines the wire policy model: the input evaluated for
// every envelope crossing the fabric, the resulting decision, and the
// local policy families that can produce it.
package policy

import (
	"fmt"
	"strings"

	"github.com/Strob0t/agentwire/internal/domain/envelope"
)

// Direction tells the policy on which side of the wire it runs.
type Direction string

const (
	DirectionPreSend     Direction = "pre_send"
	DirectionPostReceive Direction = "post_receive"
)

// Input is the document a policy evaluates.
type Input struct {
	Envelope  *envelope.Envelope `json:"envelope"`
	Direction Direction          `json:"direction"`
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allow      bool     `json:"allow"`
	Reason     string   `json:"reason,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// Allowed returns an allowing decision.
func Allowed() Decision { return Decision{Allow: true} }

// Denied returns a denying decision with the given reason and violations.
func Denied(reason string, violations ...string) Decision {
	return Decision{Reason: reason, Violations: violations}
}

// Reasons used by the built-in policies and the gate.
const (
	ReasonEvaluatorUnavailable = "evaluator_unavailable"
	ReasonTenantNotAllowed     = "tenant_not_allowed"
	ReasonProjectNotAllowed    = "project_not_allowed"
	ReasonTypeNotAllowed       = "type_not_allowed"
	ReasonPriorityTooLow       = "priority_too_low"
	ReasonDenyAll              = "deny_all"
	ReasonNoAlternativeAllowed = "no_alternative_allowed"
)

// Policy evaluates an Input locally.
type Policy interface {
	Name() string
	Evaluate(in Input) Decision
}

// DeniedError is returned when the gate refuses an envelope.
type DeniedError struct {
	Direction  Direction
	Reason     string
	Violations []string
}

func (e *DeniedError) Error() string {
	msg := fmt.Sprintf("policy denied %s: %s", e.Direction, e.Reason)
	if len(e.Violations) > 0 {
		msg += " (" + strings.Join(e.Violations, "; ") + ")"
	}
	return msg
}

// NewDeniedError converts a denying decision into an error.
func NewDeniedError(dir Direction, d Decision) *DeniedError {
	return &DeniedError{Direction: dir, Reason: d.Reason, Violations: d.Violations}
}
