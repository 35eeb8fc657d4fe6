package policy

import (
	"fmt"
	"slices"

	"github.com/Strob0t/agentwire/internal/domain/envelope"
)

// AllOf allows only when every member allows. Violations of all denying
// members are reported; the reason is the first denying member's.
type AllOf struct {
	Policies []Policy
}

func (p *AllOf) Name() string { return "all_of" }

func (p *AllOf) Evaluate(in Input) Decision {
	var denied *Decision
	var violations []string
	for _, member := range p.Policies {
		d := member.Evaluate(in)
		if d.Allow {
			continue
		}
		if denied == nil {
			denied = &d
		}
		violations = append(violations, d.Violations...)
	}
	if denied == nil {
		return Allowed()
	}
	return Denied(denied.Reason, violations...)
}

// AnyOf allows when at least one member allows. An empty AnyOf denies.
type AnyOf struct {
	Policies []Policy
}

func (p *AnyOf) Name() string { return "any_of" }

func (p *AnyOf) Evaluate(in Input) Decision {
	var violations []string
	for _, member := range p.Policies {
		d := member.Evaluate(in)
		if d.Allow {
			return d
		}
		violations = append(violations, d.Violations...)
	}
	return Denied(ReasonNoAlternativeAllowed, violations...)
}

// Field names a meta attribute a Condition can test.
type Field string

const (
	FieldTenant    Field = "tenant"
	FieldProject   Field = "project"
	FieldType      Field = "type"
	FieldPriority  Field = "priority"
	FieldDirection Field = "direction"
)

// Condition tests one field against a value or a set of values.
type Condition struct {
	Field  Field    `json:"field" yaml:"field"`
	Equals string   `json:"equals,omitempty" yaml:"equals,omitempty"`
	In     []string `json:"in,omitempty" yaml:"in,omitempty"`
}

// Matches reports whether in satisfies the condition.
func (c Condition) Matches(in Input) bool {
	v := c.value(in)
	if c.Equals != "" && v == c.Equals {
		return true
	}
	return slices.Contains(c.In, v)
}

func (c Condition) value(in Input) string {
	m := in.Envelope.Meta
	switch c.Field {
	case FieldTenant:
		return m.Tenant
	case FieldProject:
		return m.Project
	case FieldType:
		return string(m.Type)
	case FieldPriority:
		if m.Priority == "" {
			return string(envelope.PriorityNormal)
		}
		return string(m.Priority)
	case FieldDirection:
		return string(in.Direction)
	}
	return ""
}

func (c Condition) String() string {
	if c.Equals != "" {
		return fmt.Sprintf("%s == %q", c.Field, c.Equals)
	}
	return fmt.Sprintf("%s in %v", c.Field, c.In)
}

// Conditional applies Then when the condition matches and Else otherwise.
// A nil Else allows.
type Conditional struct {
	When Condition
	Then Policy
	Else Policy
}

func (p *Conditional) Name() string { return "conditional(" + p.When.String() + ")" }

func (p *Conditional) Evaluate(in Input) Decision {
	if p.When.Matches(in) {
		return p.Then.Evaluate(in)
	}
	if p.Else == nil {
		return Allowed()
	}
	return p.Else.Evaluate(in)
}
