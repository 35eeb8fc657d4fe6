package policy

import (
	"fmt"

	"github.com/Strob0t/agentwire/internal/domain/envelope"
)

// Validate checks that a Spec is well-formed, recursively.
func (s *Spec) Validate() error {
	switch s.Kind {
	case KindTenantAllowList, KindProjectAllowList:
		if len(s.Values) == 0 {
			return fmt.Errorf("policy: %s requires values", s.Kind)
		}
	case KindTypeAllowList:
		if len(s.Values) == 0 {
			return fmt.Errorf("policy: %s requires values", s.Kind)
		}
		for _, v := range s.Values {
			if !envelope.MessageType(v).Valid() {
				return fmt.Errorf("policy: unknown message type %q", v)
			}
		}
	case KindMinPriority:
		if !envelope.Priority(s.Priority).Valid() {
			return fmt.Errorf("policy: invalid priority %q", s.Priority)
		}
	case KindAllowAll, KindDenyAll:
	case KindAllOf, KindAnyOf:
		if len(s.Policies) == 0 {
			return fmt.Errorf("policy: %s requires policies", s.Kind)
		}
		for i := range s.Policies {
			if err := s.Policies[i].Validate(); err != nil {
				return fmt.Errorf("%s[%d]: %w", s.Kind, i, err)
			}
		}
	case KindConditional:
		if s.When == nil {
			return fmt.Errorf("policy: conditional requires when")
		}
		if err := s.When.Validate(); err != nil {
			return err
		}
		if s.Then == nil {
			return fmt.Errorf("policy: conditional requires then")
		}
		if err := s.Then.Validate(); err != nil {
			return fmt.Errorf("then: %w", err)
		}
		if s.Else != nil {
			if err := s.Else.Validate(); err != nil {
				return fmt.Errorf("else: %w", err)
			}
		}
	case KindPreset:
		if _, ok := Preset(s.Preset); !ok {
			return fmt.Errorf("policy: unknown preset %q", s.Preset)
		}
	case "":
		return fmt.Errorf("policy: kind is required")
	default:
		return fmt.Errorf("policy: unknown kind %q", s.Kind)
	}
	return nil
}

// Validate checks that a Condition names a known field and a value.
func (c *Condition) Validate() error {
	switch c.Field {
	case FieldTenant, FieldProject, FieldType, FieldPriority, FieldDirection:
	default:
		return fmt.Errorf("policy: unknown condition field %q", c.Field)
	}
	if c.Equals == "" && len(c.In) == 0 {
		return fmt.Errorf("policy: condition on %s needs equals or in", c.Field)
	}
	return nil
}
