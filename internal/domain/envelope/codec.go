package envelope

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON decodes the payload into the concrete type named by
// meta.type. It performs no validation; use Validate for untrusted input.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw struct {
		Meta    Meta            `json:"meta"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Meta.Priority == "" {
		raw.Meta.Priority = PriorityNormal
	}
	p := NewPayload(raw.Meta.Type)
	if p == nil {
		return fmt.Errorf("unknown message type %q", raw.Meta.Type)
	}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		if err := json.Unmarshal(raw.Payload, p); err != nil {
			return fmt.Errorf("payload %s: %w", raw.Meta.Type, err)
		}
	}
	e.Meta, e.Payload = raw.Meta, p
	return nil
}

// Marshal encodes env to its wire form.
func Marshal(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Check verifies that an envelope built in process satisfies the same
// rules as a received one, so nothing invalid is ever sent.
func Check(env *Envelope) error {
	_, err := Encode(env)
	return err
}

// Encode checks env and returns its wire form.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil || env.Payload == nil {
		return nil, &ValidationError{Code: CodeMissingField, Field: "payload", Message: "payload is required"}
	}
	if env.Payload.MessageType() != env.Meta.Type {
		return nil, &ValidationError{
			Code:    CodePayloadSchema,
			Field:   "payload",
			Message: fmt.Sprintf("payload is %s but meta.type is %s", env.Payload.MessageType(), env.Meta.Type),
		}
	}
	data, err := Marshal(env)
	if err != nil {
		return nil, &ValidationError{Code: CodeInvalidJSON, Message: err.Error()}
	}
	if _, err := Validate(data); err != nil {
		return nil, err
	}
	return data, nil
}
