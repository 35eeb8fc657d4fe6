package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/agentwire/internal/adapter/memqueue"
	"github.com/Strob0t/agentwire/internal/domain/envelope"
	"github.com/Strob0t/agentwire/internal/domain/policy"
	"github.com/Strob0t/agentwire/internal/port/messagequeue"
)

const specialistInbox = "wesign.qa.a2a.specialist"

func runConsumer(t *testing.T, q *memqueue.Queue, r *Router, group, topic string) {
	t.Helper()
	c := NewConsumer(q, r, 4, messagequeue.SubscribeOptions{
		ConsumerGroup: group,
		StartFrom:     messagequeue.StartAll,
		MaxDeliver:    3,
		AckWait:       time.Second,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, topic) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("consumer Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("consumer did not stop")
		}
	})
}

func TestConsumer_DeniedMessageIsDeadLettered(t *testing.T) {
	q := memqueue.New()
	defer q.Close()
	r := NewRouter(RouterConfig{Self: specID, Gate: gateWith(policy.DenyAll{}), Logger: discardLogger()})
	var calls atomic.Int32
	r.RegisterHandler(envelope.TypeTaskRequest, func(context.Context, *envelope.Envelope) (envelope.Payload, error) {
		calls.Add(1)
		return nil, nil
	}, "")
	runConsumer(t, q, r, "specialists", specialistInbox)

	if _, err := q.Publish(context.Background(), specialistInbox, taskEnvelope("", "wesign")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	eventually(t, 5*time.Second, func() bool {
		dls, _ := q.DeadLetters(specialistInbox)
		return len(dls) == 1
	}, "denied message never reached the dead-letter topic")

	dls, _ := q.DeadLetters(specialistInbox)
	if !strings.Contains(dls[0].Error, policy.ReasonDenyAll) {
		t.Errorf("dead letter error = %q", dls[0].Error)
	}
	if dls[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (terminal errors are not retried)", dls[0].Attempts)
	}
	if calls.Load() != 0 {
		t.Error("handler ran for a denied message")
	}
}

func TestConsumer_RedeliversAfterFailure(t *testing.T) {
	q := memqueue.New()
	defer q.Close()
	r := NewRouter(RouterConfig{Self: specID, Gate: allowGate(), Logger: discardLogger()})
	var calls atomic.Int32
	r.RegisterHandler(envelope.TypeTaskRequest, func(context.Context, *envelope.Envelope) (envelope.Payload, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return nil, nil
	}, "")
	runConsumer(t, q, r, "specialists", specialistInbox)

	if _, err := q.Publish(context.Background(), specialistInbox, taskEnvelope("", "wesign")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	eventually(t, 5*time.Second, func() bool { return calls.Load() == 2 }, "message was not redelivered")
	// Give a stray third delivery a chance to show up.
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", calls.Load())
	}
	if dls, _ := q.DeadLetters(specialistInbox); len(dls) != 0 {
		t.Errorf("dead letters = %d, want 0", len(dls))
	}
}

func TestConsumer_PoisonMessageExhaustsAttempts(t *testing.T) {
	q := memqueue.New()
	defer q.Close()
	r := NewRouter(RouterConfig{Self: specID, Gate: allowGate(), Logger: discardLogger()})
	var calls atomic.Int32
	r.RegisterHandler(envelope.TypeTaskRequest, func(context.Context, *envelope.Envelope) (envelope.Payload, error) {
		calls.Add(1)
		return nil, errors.New("always fails")
	}, "")
	runConsumer(t, q, r, "specialists", specialistInbox)

	if _, err := q.Publish(context.Background(), specialistInbox, taskEnvelope("", "wesign")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	eventually(t, 5*time.Second, func() bool {
		dls, _ := q.DeadLetters(specialistInbox)
		return len(dls) == 1
	}, "poison message never dead-lettered")
	if n := calls.Load(); n != 3 {
		t.Errorf("handler calls = %d, want 3 (MaxDeliver)", n)
	}
}
