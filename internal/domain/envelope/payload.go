package envelope

// Payload is the closed set of message bodies. Each implementation
// reports the MessageType it belongs to.
type Payload interface {
	MessageType() MessageType
	isPayload()
}

// ResultStatus is the outcome reported by result payloads.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
)

// ErrorInfo describes a failure reported inside a result payload.
type ErrorInfo struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Budget bounds a specialist invocation. At least one time bound and one
// cost bound must be present.
type Budget struct {
	MaxMinutes    *float64 `json:"max_minutes,omitempty"`
	MaxDurationMS *int64   `json:"max_duration_ms,omitempty"`
	MaxCostUSD    *float64 `json:"max_cost_usd,omitempty"`
	MaxCostCents  *int64   `json:"max_cost_cents,omitempty"`
}

// TaskRequest asks an agent to perform a task.
type TaskRequest struct {
	Task        string         `json:"task"`
	Inputs      map[string]any `json:"inputs"`
	Budget      *Budget        `json:"budget,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

// TaskResult answers a TaskRequest.
type TaskResult struct {
	Status ResultStatus   `json:"status"`
	Result map[string]any `json:"result,omitzero"`
	Error  *ErrorInfo     `json:"error,omitempty"`
}

// MemoryEvent records a change to shared agent memory.
type MemoryEvent struct {
	Event string   `json:"event"`
	Key   string   `json:"key"`
	Value any      `json:"value,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// ContextRequest asks the context service for named slices.
type ContextRequest struct {
	Query     string   `json:"query"`
	Slices    []string `json:"slices,omitempty"`
	MaxTokens int      `json:"max_tokens,omitempty"`
}

// ContextSlice is one named piece of context.
type ContextSlice struct {
	Name    string `json:"name"`
	Content any    `json:"content"`
	Tokens  int    `json:"tokens,omitempty"`
}

// ContextResult answers a ContextRequest.
type ContextResult struct {
	Slices []ContextSlice `json:"slices"`
}

// SpecialistInvocationRequest asks a specialist agent for a proposal.
type SpecialistInvocationRequest struct {
	Task    string         `json:"task"`
	Inputs  map[string]any `json:"inputs"`
	Budget  Budget         `json:"budget"`
	Context map[string]any `json:"context,omitempty"`
}

// SpecialistResult answers a SpecialistInvocationRequest. A successful
// result carries a proposal or result; a failed one carries an error.
type SpecialistResult struct {
	Status   ResultStatus   `json:"status"`
	Proposal map[string]any `json:"proposal,omitzero"`
	Result   map[string]any `json:"result,omitzero"`
	Error    *ErrorInfo     `json:"error,omitempty"`
	Metrics  map[string]any `json:"metrics,omitempty"`
}

// RegistryHeartbeat renews an agent's lease.
type RegistryHeartbeat struct {
	AgentID      string         `json:"agent_id"`
	Status       string         `json:"status,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
}

// RegistryDiscoveryRequest queries the registry for healthy agents.
type RegistryDiscoveryRequest struct {
	Capability string `json:"capability,omitempty"`
	Tenant     string `json:"tenant,omitempty"`
	Project    string `json:"project,omitempty"`
}

// RegistryDiscoveryResponse lists agents matching a discovery request.
type RegistryDiscoveryResponse struct {
	Agents []AgentID `json:"agents"`
}

// Decision is the CMO verdict on a specialist proposal.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionDefer   Decision = "defer"
)

// SystemEvent announces fabric-level events such as decisions.
type SystemEvent struct {
	Event     string         `json:"event"`
	Decision  Decision       `json:"decision,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Proposal  map[string]any `json:"proposal,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
	Reasons   []string       `json:"reasons,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// SpecialistEventNotification reports progress from a specialist.
type SpecialistEventNotification struct {
	Event      string         `json:"event"`
	Specialist string         `json:"specialist"`
	Data       map[string]any `json:"data,omitempty"`
}

func (*TaskRequest) MessageType() MessageType                 { return TypeTaskRequest }
func (*TaskResult) MessageType() MessageType                  { return TypeTaskResult }
func (*MemoryEvent) MessageType() MessageType                 { return TypeMemoryEvent }
func (*ContextRequest) MessageType() MessageType              { return TypeContextRequest }
func (*ContextResult) MessageType() MessageType               { return TypeContextResult }
func (*SpecialistInvocationRequest) MessageType() MessageType { return TypeSpecialistInvocationRequest }
func (*SpecialistResult) MessageType() MessageType            { return TypeSpecialistResult }
func (*RegistryHeartbeat) MessageType() MessageType           { return TypeRegistryHeartbeat }
func (*RegistryDiscoveryRequest) MessageType() MessageType    { return TypeRegistryDiscoveryRequest }
func (*RegistryDiscoveryResponse) MessageType() MessageType   { return TypeRegistryDiscoveryResponse }
func (*SystemEvent) MessageType() MessageType                 { return TypeSystemEvent }
func (*SpecialistEventNotification) MessageType() MessageType { return TypeSpecialistEventNotification }

func (*TaskRequest) isPayload()                 {}
func (*TaskResult) isPayload()                  {}
func (*MemoryEvent) isPayload()                 {}
func (*ContextRequest) isPayload()              {}
func (*ContextResult) isPayload()               {}
func (*SpecialistInvocationRequest) isPayload() {}
func (*SpecialistResult) isPayload()            {}
func (*RegistryHeartbeat) isPayload()           {}
func (*RegistryDiscoveryRequest) isPayload()    {}
func (*RegistryDiscoveryResponse) isPayload()   {}
func (*SystemEvent) isPayload()                 {}
func (*SpecialistEventNotification) isPayload() {}

var payloadFactories = map[MessageType]func() Payload{
	TypeTaskRequest:                 func() Payload { return &TaskRequest{} },
	TypeTaskResult:                  func() Payload { return &TaskResult{} },
	TypeMemoryEvent:                 func() Payload { return &MemoryEvent{} },
	TypeContextRequest:              func() Payload { return &ContextRequest{} },
	TypeContextResult:               func() Payload { return &ContextResult{} },
	TypeSpecialistInvocationRequest: func() Payload { return &SpecialistInvocationRequest{} },
	TypeSpecialistResult:            func() Payload { return &SpecialistResult{} },
	TypeRegistryHeartbeat:           func() Payload { return &RegistryHeartbeat{} },
	TypeRegistryDiscoveryRequest:    func() Payload { return &RegistryDiscoveryRequest{} },
	TypeRegistryDiscoveryResponse:   func() Payload { return &RegistryDiscoveryResponse{} },
	TypeSystemEvent:                 func() Payload { return &SystemEvent{} },
	TypeSpecialistEventNotification: func() Payload { return &SpecialistEventNotification{} },
}

// NewPayload returns an empty payload value for t, or nil if t is unknown.
func NewPayload(t MessageType) Payload {
	f, ok := payloadFactories[t]
	if !ok {
		return nil
	}
	return f()
}
