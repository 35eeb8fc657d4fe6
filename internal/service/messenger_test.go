package service

import (
	"context"
	"testing"

	"github.com/Strob0t/agentwire/internal/adapter/memqueue"
	"github.com/Strob0t/agentwire/internal/domain/envelope"
)

func TestMessenger_SendNilEnvelope(t *testing.T) {
	q := memqueue.New()
	defer q.Close()
	m := NewMessenger(q, allowGate(), discardLogger())

	_, err := m.Send(context.Background(), specialistInbox, nil)
	if !envelope.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n := len(q.Messages(specialistInbox)); n != 0 {
		t.Errorf("published %d messages", n)
	}
}

func TestMessenger_SendPublishes(t *testing.T) {
	q := memqueue.New()
	defer q.Close()
	m := NewMessenger(q, allowGate(), discardLogger())

	env := taskEnvelope("", "wesign")
	id, err := m.Send(context.Background(), specialistInbox, env)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != env.Meta.MessageID {
		t.Errorf("id = %q, want %q", id, env.Meta.MessageID)
	}
	if n := len(q.Messages(specialistInbox)); n != 1 {
		t.Errorf("published %d messages, want 1", n)
	}
}
