package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/agentwire/internal/domain/envelope"
	"github.com/Strob0t/agentwire/internal/port/messagequeue"
)

// Messenger is the outbound path: every envelope passes the pre-send gate
// before it is published.
type Messenger struct {
	queue  messagequeue.Queue
	gate   *WireGate
	logger *slog.Logger
}

// NewMessenger creates a Messenger publishing to queue through gate.
func NewMessenger(queue messagequeue.Queue, gate *WireGate, logger *slog.Logger) *Messenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messenger{queue: queue, gate: gate, logger: logger}
}

// Send validates env, checks it against the pre-send policy and publishes
// it to topic. A denial is returned as *policy.DeniedError and nothing is
// published.
func (m *Messenger) Send(ctx context.Context, topic string, env *envelope.Envelope) (string, error) {
	if env == nil {
		return "", &envelope.ValidationError{Code: envelope.CodeMissingField, Field: "envelope", Message: "envelope is required"}
	}
	if err := envelope.Check(env); err != nil {
		return "", fmt.Errorf("send %s: %w", env.Meta.Type, err)
	}
	if _, err := m.gate.CheckPreSend(ctx, env); err != nil {
		return "", fmt.Errorf("send %s: %w", env.Meta.Type, err)
	}
	id, err := m.queue.Publish(ctx, topic, env)
	if err != nil {
		return "", fmt.Errorf("send %s: %w", env.Meta.Type, err)
	}
	m.logger.DebugContext(ctx, "envelope sent",
		"topic", topic,
		"message_id", id,
		"trace_id", env.Meta.TraceID,
		"type", env.Meta.Type,
	)
	return id, nil
}
