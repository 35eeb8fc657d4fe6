package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Code classifies a validation failure.
type Code string

const (
	CodeMissingField       Code = "missing_field"
	CodeUnsupportedVersion Code = "unsupported_version"
	CodeInvalidMessageID   Code = "invalid_message_id"
	CodeInvalidTimestamp   Code = "invalid_timestamp"
	CodeEmptyRecipients    Code = "empty_recipients"
	CodeUnknownType        Code = "unknown_type"
	CodePayloadSchema      Code = "payload_schema"
	CodeInvalidJSON        Code = "invalid_json"
	CodeInvalidPriority    Code = "invalid_priority"
	CodeDuplicateMessageID Code = "duplicate_message_id"
	CodeTraceScopeMismatch Code = "trace_scope_mismatch"
)

// ValidationError reports why an envelope was rejected.
type ValidationError struct {
	Code    Code
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("envelope %s (%s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("envelope %s: %s", e.Code, e.Message)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var messageIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// requiredMeta lists the meta fields checked for presence, in order.
var requiredMeta = []string{
	"a2a_version", "message_id", "trace_id", "ts", "from", "to", "tenant", "project", "type",
}

// Validate parses raw and applies the envelope rules in a fixed order,
// returning the first failure as a *ValidationError:
// required meta fields, protocol version, message id format, timestamp,
// recipients, message type, priority, then the payload schema.
func Validate(raw []byte) (*Envelope, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, &ValidationError{Code: CodeInvalidJSON, Message: err.Error()}
	}

	metaRaw, ok := top["meta"]
	if !ok || isNull(metaRaw) {
		return nil, missing("meta")
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, &ValidationError{Code: CodeInvalidJSON, Field: "meta", Message: "meta must be an object"}
	}

	for _, field := range requiredMeta {
		v, ok := meta[field]
		if !ok || isNull(v) || bytes.Equal(bytes.TrimSpace(v), []byte(`""`)) {
			return nil, missing("meta." + field)
		}
	}

	var m Meta
	if err := decodeMetaStrings(meta, &m); err != nil {
		return nil, err
	}

	if m.A2AVersion != ProtocolVersion {
		return nil, &ValidationError{
			Code:    CodeUnsupportedVersion,
			Field:   "meta.a2a_version",
			Message: fmt.Sprintf("a2a_version %q is not supported, want %q", m.A2AVersion, ProtocolVersion),
		}
	}

	if !messageIDPattern.MatchString(m.MessageID) {
		return nil, &ValidationError{
			Code:    CodeInvalidMessageID,
			Field:   "meta.message_id",
			Message: "message_id must be 32 lowercase hex characters",
		}
	}

	var tsRaw string
	_ = json.Unmarshal(meta["ts"], &tsRaw)
	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		return nil, &ValidationError{Code: CodeInvalidTimestamp, Field: "meta.ts", Message: "ts must be an RFC 3339 timestamp"}
	}
	m.TS = ts.UTC()

	if err := json.Unmarshal(meta["from"], &m.From); err != nil || m.From.ID == "" || m.From.Type == "" {
		return nil, missing("meta.from")
	}
	if err := json.Unmarshal(meta["to"], &m.To); err != nil {
		return nil, &ValidationError{Code: CodeEmptyRecipients, Field: "meta.to", Message: "to must be a list of agent ids"}
	}
	if len(m.To) == 0 {
		return nil, &ValidationError{Code: CodeEmptyRecipients, Field: "meta.to", Message: "to must name at least one recipient"}
	}
	for i, r := range m.To {
		if r.ID == "" || r.Type == "" {
			return nil, missing(fmt.Sprintf("meta.to[%d]", i))
		}
	}

	if !m.Type.Valid() {
		return nil, &ValidationError{Code: CodeUnknownType, Field: "meta.type", Message: fmt.Sprintf("unknown message type %q", m.Type)}
	}

	if !m.Priority.Valid() {
		return nil, &ValidationError{
			Code:    CodeInvalidPriority,
			Field:   "meta.priority",
			Message: fmt.Sprintf("priority %q must be low, normal or high", m.Priority),
		}
	}

	payloadRaw, ok := top["payload"]
	if !ok || isNull(payloadRaw) {
		return nil, missing("payload")
	}
	if err := validatePayload(m.Type, payloadRaw); err != nil {
		return nil, &ValidationError{Code: CodePayloadSchema, Field: "payload", Message: err.Error()}
	}
	p := NewPayload(m.Type)
	if err := json.Unmarshal(payloadRaw, p); err != nil {
		return nil, &ValidationError{Code: CodePayloadSchema, Field: "payload", Message: err.Error()}
	}

	return &Envelope{Meta: m, Payload: p}, nil
}

// decodeMetaStrings fills the string-typed meta fields and rejects
// values of the wrong JSON type.
func decodeMetaStrings(meta map[string]json.RawMessage, m *Meta) error {
	fields := []struct {
		name string
		dst  *string
	}{
		{"a2a_version", &m.A2AVersion},
		{"message_id", &m.MessageID},
		{"trace_id", &m.TraceID},
		{"tenant", &m.Tenant},
		{"project", &m.Project},
		{"type", (*string)(&m.Type)},
		{"priority", (*string)(&m.Priority)},
		{"reply_to", &m.ReplyTo},
	}
	for _, f := range fields {
		v, ok := meta[f.name]
		if !ok || isNull(v) {
			continue
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return &ValidationError{Code: CodeInvalidJSON, Field: "meta." + f.name, Message: "must be a string"}
		}
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	return nil
}

func missing(field string) *ValidationError {
	return &ValidationError{Code: CodeMissingField, Field: field, Message: field + " is required"}
}

func isNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
