package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Strob0t/agentwire/internal/domain/envelope"
)

// Kind names a policy family in a Spec.
type Kind string

const (
	KindTenantAllowList  Kind = "tenant_allow_list"
	KindProjectAllowList Kind = "project_allow_list"
	KindTypeAllowList    Kind = "type_allow_list"
	KindMinPriority      Kind = "min_priority"
	KindAllowAll         Kind = "allow_all"
	KindDenyAll          Kind = "deny_all"
	KindAllOf            Kind = "all_of"
	KindAnyOf            Kind = "any_of"
	KindConditional      Kind = "conditional"
	KindPreset           Kind = "preset"
)

// Spec is the declarative form of a policy, as written in YAML:
//
//	kind: all_of
//	policies:
//	  - kind: tenant_allow_list
//	    values: [wesign]
//	  - kind: conditional
//	    when: {field: type, equals: SpecialistInvocationRequest}
//	    then: {kind: min_priority, priority: normal}
type Spec struct {
	Kind     Kind       `json:"kind" yaml:"kind"`
	Values   []string   `json:"values,omitempty" yaml:"values,omitempty"`
	Priority string     `json:"priority,omitempty" yaml:"priority,omitempty"`
	Preset   string     `json:"preset,omitempty" yaml:"preset,omitempty"`
	Policies []Spec     `json:"policies,omitempty" yaml:"policies,omitempty"`
	When     *Condition `json:"when,omitempty" yaml:"when,omitempty"`
	Then     *Spec      `json:"then,omitempty" yaml:"then,omitempty"`
	Else     *Spec      `json:"else,omitempty" yaml:"else,omitempty"`
}

// Compile validates s and builds the Policy it describes.
func Compile(s *Spec) (Policy, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return compile(s), nil
}

// compile assumes s has been validated.
func compile(s *Spec) Policy {
	switch s.Kind {
	case KindTenantAllowList:
		return &TenantAllowList{Tenants: s.Values}
	case KindProjectAllowList:
		return &ProjectAllowList{Projects: s.Values}
	case KindTypeAllowList:
		types := make([]envelope.MessageType, len(s.Values))
		for i, v := range s.Values {
			types[i] = envelope.MessageType(v)
		}
		return &TypeAllowList{Types: types}
	case KindMinPriority:
		return &MinPriority{Min: envelope.Priority(s.Priority)}
	case KindAllowAll:
		return AllowAll{}
	case KindDenyAll:
		return DenyAll{}
	case KindAllOf:
		return &AllOf{Policies: compileAll(s.Policies)}
	case KindAnyOf:
		return &AnyOf{Policies: compileAll(s.Policies)}
	case KindConditional:
		c := &Conditional{When: *s.When, Then: compile(s.Then)}
		if s.Else != nil {
			c.Else = compile(s.Else)
		}
		return c
	case KindPreset:
		p, _ := Preset(s.Preset)
		return p
	}
	return DenyAll{}
}

func compileAll(specs []Spec) []Policy {
	out := make([]Policy, len(specs))
	for i := range specs {
		out[i] = compile(&specs[i])
	}
	return out
}

// Parse decodes a YAML policy document and compiles it.
func Parse(data []byte) (Policy, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	p, err := Compile(&s)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	return p, nil
}

// LoadFromFile reads and compiles a YAML policy file.
func LoadFromFile(path string) (Policy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied policy path
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}
