// Package envelope defines the A2A message envelope exchanged between
// agents: routing metadata plus a typed payload, and the validation rules
// every envelope must satisfy before it is routed.
package envelope

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the only a2a_version this fabric accepts.
const ProtocolVersion = "1.0"

// MessageType discriminates the payload carried by an envelope.
type MessageType string

const (
	TypeTaskRequest                 MessageType = "TaskRequest"
	TypeTaskResult                  MessageType = "TaskResult"
	TypeMemoryEvent                 MessageType = "MemoryEvent"
	TypeContextRequest              MessageType = "ContextRequest"
	TypeContextResult               MessageType = "ContextResult"
	TypeSpecialistInvocationRequest MessageType = "SpecialistInvocationRequest"
	TypeSpecialistResult            MessageType = "SpecialistResult"
	TypeRegistryHeartbeat           MessageType = "RegistryHeartbeat"
	TypeRegistryDiscoveryRequest    MessageType = "RegistryDiscoveryRequest"
	TypeRegistryDiscoveryResponse   MessageType = "RegistryDiscoveryResponse"
	TypeSystemEvent                 MessageType = "SystemEvent"
	TypeSpecialistEventNotification MessageType = "SpecialistEventNotification"
)

// Types lists every known message type in a stable order.
var Types = []MessageType{
	TypeTaskRequest,
	TypeTaskResult,
	TypeMemoryEvent,
	TypeContextRequest,
	TypeContextResult,
	TypeSpecialistInvocationRequest,
	TypeSpecialistResult,
	TypeRegistryHeartbeat,
	TypeRegistryDiscoveryRequest,
	TypeRegistryDiscoveryResponse,
	TypeSystemEvent,
	TypeSpecialistEventNotification,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	_, ok := payloadFactories[t]
	return ok
}

// SideEffecting reports whether handling a message of this type may
// cause effects that must not be repeated on redelivery.
func (t MessageType) SideEffecting() bool {
	switch t {
	case TypeTaskRequest, TypeSpecialistInvocationRequest, TypeMemoryEvent:
		return true
	}
	return false
}

// Priority orders messages for policy checks. The zero value is treated
// as PriorityNormal.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank returns 0, 1, 2 for low, normal, high and -1 for unknown values.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal, "":
		return 1
	case PriorityHigh:
		return 2
	}
	return -1
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool { return p.Rank() >= 0 && p != "" }

// AgentID identifies one agent instance on the fabric.
type AgentID struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
}

func (a AgentID) String() string {
	s := a.Type + "/" + a.ID
	if a.Version != "" {
		s += "@" + a.Version
	}
	return s
}

// Meta is the routing metadata of an envelope.
type Meta struct {
	A2AVersion string      `json:"a2a_version"`
	MessageID  string      `json:"message_id"`
	TraceID    string      `json:"trace_id"`
	TS         time.Time   `json:"ts"`
	From       AgentID     `json:"from"`
	To         []AgentID   `json:"to"`
	Tenant     string      `json:"tenant"`
	Project    string      `json:"project"`
	Type       MessageType `json:"type"`
	Priority   Priority    `json:"priority"`
	ReplyTo    string      `json:"reply_to,omitempty"`
}

// Envelope is one A2A message. Payload's concrete type always matches
// Meta.Type for envelopes produced by New, Reply, or Validate.
type Envelope struct {
	Meta    Meta    `json:"meta"`
	Payload Payload `json:"payload"`
}

// NewMessageID returns a fresh 32-character lowercase hex identifier.
func NewMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewTraceID returns a fresh identifier for a logical workflow.
func NewTraceID() string {
	return NewMessageID()
}

// Scope places an envelope in a tenant, project and trace.
type Scope struct {
	Tenant  string
	Project string
	TraceID string
}

// Option customizes an envelope built by New or Reply.
type Option func(*Meta)

// WithPriority sets the envelope priority.
func WithPriority(p Priority) Option {
	return func(m *Meta) { m.Priority = p }
}

// WithReplyTo sets the message ID this envelope answers.
func WithReplyTo(messageID string) Option {
	return func(m *Meta) { m.ReplyTo = messageID }
}

// WithTimestamp overrides the creation time.
func WithTimestamp(ts time.Time) Option {
	return func(m *Meta) { m.TS = ts.UTC() }
}

// New builds an envelope for payload addressed from one agent to others.
// A fresh trace ID is generated when scope.TraceID is empty.
func New(from AgentID, to []AgentID, scope Scope, payload Payload, opts ...Option) *Envelope {
	traceID := scope.TraceID
	if traceID == "" {
		traceID = NewTraceID()
	}
	m := Meta{
		A2AVersion: ProtocolVersion,
		MessageID:  NewMessageID(),
		TraceID:    traceID,
		TS:         time.Now().UTC().Truncate(time.Millisecond),
		From:       from,
		To:         append([]AgentID(nil), to...),
		Tenant:     scope.Tenant,
		Project:    scope.Project,
		Type:       payload.MessageType(),
		Priority:   PriorityNormal,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return &Envelope{Meta: m, Payload: payload}
}

// Reply builds a response to req: addressed to its sender, in the same
// trace, tenant and project, with reply_to set to req's message ID.
func Reply(req *Envelope, from AgentID, payload Payload, opts ...Option) *Envelope {
	scope := Scope{Tenant: req.Meta.Tenant, Project: req.Meta.Project, TraceID: req.Meta.TraceID}
	prio := req.Meta.Priority
	if prio == "" {
		prio = PriorityNormal
	}
	opts = append([]Option{WithReplyTo(req.Meta.MessageID), WithPriority(prio)}, opts...)
	return New(from, []AgentID{req.Meta.From}, scope, payload, opts...)
}
