package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Strob0t/agentwire/internal/domain/envelope"
)

// TenantAllowList allows envelopes whose tenant is listed.
type TenantAllowList struct {
	Tenants []string
}

func (p *TenantAllowList) Name() string { return "tenant_allow_list" }

func (p *TenantAllowList) Evaluate(in Input) Decision {
	t := in.Envelope.Meta.Tenant
	if slices.Contains(p.Tenants, t) {
		return Allowed()
	}
	return Denied(ReasonTenantNotAllowed, fmt.Sprintf("tenant %q is not in [%s]", t, strings.Join(p.Tenants, ", ")))
}

// ProjectAllowList allows envelopes whose project is listed.
type ProjectAllowList struct {
	Projects []string
}

func (p *ProjectAllowList) Name() string { return "project_allow_list" }

func (p *ProjectAllowList) Evaluate(in Input) Decision {
	pr := in.Envelope.Meta.Project
	if slices.Contains(p.Projects, pr) {
		return Allowed()
	}
	return Denied(ReasonProjectNotAllowed, fmt.Sprintf("project %q is not in [%s]", pr, strings.Join(p.Projects, ", ")))
}

// TypeAllowList allows envelopes whose message type is listed.
type TypeAllowList struct {
	Types []envelope.MessageType
}

func (p *TypeAllowList) Name() string { return "type_allow_list" }

func (p *TypeAllowList) Evaluate(in Input) Decision {
	t := in.Envelope.Meta.Type
	if slices.Contains(p.Types, t) {
		return Allowed()
	}
	return Denied(ReasonTypeNotAllowed, fmt.Sprintf("message type %s is not allowed", t))
}

// MinPriority allows envelopes at or above a priority.
type MinPriority struct {
	Min envelope.Priority
}

func (p *MinPriority) Name() string { return "min_priority" }

func (p *MinPriority) Evaluate(in Input) Decision {
	got := in.Envelope.Meta.Priority
	if got.Rank() >= p.Min.Rank() {
		return Allowed()
	}
	if got == "" {
		got = envelope.PriorityNormal
	}
	return Denied(ReasonPriorityTooLow, fmt.Sprintf("priority %s is below %s", got, p.Min))
}

// AllowAll allows every envelope.
type AllowAll struct{}

func (AllowAll) Name() string            { return "allow_all" }
func (AllowAll) Evaluate(Input) Decision { return Allowed() }

// DenyAll denies every envelope.
type DenyAll struct{}

func (DenyAll) Name() string { return "deny_all" }
func (DenyAll) Evaluate(Input) Decision {
	return Denied(ReasonDenyAll, "all traffic is denied")
}

// Preset names accepted in policy files.
const (
	PresetOpen        = "open"
	PresetLockdown    = "lockdown"
	PresetHighOnly    = "high-priority-only"
	PresetNoBroadcast = "no-system-events"
)

// Preset returns the built-in policy with the given name.
func Preset(name string) (Policy, bool) {
	switch name {
	case PresetOpen:
		return AllowAll{}, true
	case PresetLockdown:
		return DenyAll{}, true
	case PresetHighOnly:
		return &MinPriority{Min: envelope.PriorityHigh}, true
	case PresetNoBroadcast:
		allowed := make([]envelope.MessageType, 0, len(envelope.Types))
		for _, t := range envelope.Types {
			if t != envelope.TypeSystemEvent {
				allowed = append(allowed, t)
			}
		}
		return &TypeAllowList{Types: allowed}, true
	}
	return nil, false
}

// PresetNames lists the built-in preset names.
func PresetNames() []string {
	return []string{PresetOpen, PresetLockdown, PresetHighOnly, PresetNoBroadcast}
}
