package envelope

import (
	"fmt"
	"sync"
)

const defaultTrackerCapacity = 10000

type traceScope struct {
	tenant  string
	project string
}

// Tracker remembers recently seen message ids and the tenant/project each
// trace was first observed in. It rejects duplicate message ids and trace
// scope changes. Memory is bounded: the oldest entries are evicted first.
type Tracker struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]int // message id -> slot in seenRing
	seenRing []string
	seenNext int
	traces   map[string]traceScope
	order    []string
	orderPos int
}

// NewTracker creates a Tracker remembering up to capacity message ids and
// traces. A non-positive capacity selects the default of 10000.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = defaultTrackerCapacity
	}
	return &Tracker{
		capacity: capacity,
		seen:     make(map[string]int, capacity),
		seenRing: make([]string, capacity),
		traces:   make(map[string]traceScope, capacity),
		order:    make([]string, capacity),
	}
}

// Observe records env and returns a *ValidationError if its message id was
// already seen or its trace was seen under another tenant or project.
func (t *Tracker) Observe(env *Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.seen[env.Meta.MessageID]; dup {
		return &ValidationError{
			Code:    CodeDuplicateMessageID,
			Field:   "meta.message_id",
			Message: fmt.Sprintf("message_id %s was already seen", env.Meta.MessageID),
		}
	}

	scope := traceScope{tenant: env.Meta.Tenant, project: env.Meta.Project}
	if prev, ok := t.traces[env.Meta.TraceID]; ok {
		if prev != scope {
			return &ValidationError{
				Code:  CodeTraceScopeMismatch,
				Field: "meta.tenant",
				Message: fmt.Sprintf("trace %s belongs to %s/%s, got %s/%s",
					env.Meta.TraceID, prev.tenant, prev.project, scope.tenant, scope.project),
			}
		}
	} else {
		if old := t.order[t.orderPos]; old != "" {
			delete(t.traces, old)
		}
		t.order[t.orderPos] = env.Meta.TraceID
		t.orderPos = (t.orderPos + 1) % t.capacity
		t.traces[env.Meta.TraceID] = scope
	}

	if old := t.seenRing[t.seenNext]; old != "" && t.seen[old] == t.seenNext {
		delete(t.seen, old)
	}
	t.seenRing[t.seenNext] = env.Meta.MessageID
	t.seen[env.Meta.MessageID] = t.seenNext
	t.seenNext = (t.seenNext + 1) % t.capacity
	return nil
}

// Forget removes a message id so a redelivery of the same message can be
// processed again, e.g. after its handler failed.
func (t *Tracker) Forget(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot, ok := t.seen[messageID]; ok {
		t.seenRing[slot] = ""
		delete(t.seen, messageID)
	}
}
