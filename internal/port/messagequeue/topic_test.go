package messagequeue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/Strob0t/agentwire/internal/security"
)

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		topic   string
		wantErr bool
	}{
		{"qa.wesign.test.specialists.healing.invoke", false},
		{"acme.web.a2a.decisions", false},
		{"acme.web.a2a.cmo.dlq", false},
		{"acme.web.a2a", true},
		{"acme..a2a.cmo", true},
		{"acme.web.a2a.cmo.*", true},
		{"acme.web.a2a.>", true},
		{"acme.web.a 2a.cmo", true},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTopic(%q) error = %v, wantErr %v", tt.topic, err, tt.wantErr)
			}
		})
	}
}

func TestTopicHelpers(t *testing.T) {
	topic := Topic("qa", "wesign", "test", "specialists", "healing", "invoke")
	if topic != "qa.wesign.test.specialists.healing.invoke" {
		t.Fatalf("Topic = %q", topic)
	}
	dlq := DLQTopic(topic)
	if !IsDLQ(dlq) || IsDLQ(topic) {
		t.Errorf("IsDLQ mismatch for %q", dlq)
	}
	if err := ValidateTopic(dlq); err != nil {
		t.Errorf("dlq topic invalid: %v", err)
	}
}

func TestWithDefaults(t *testing.T) {
	o := SubscribeOptions{ConsumerGroup: "cmo"}.WithDefaults()
	if o.MaxPending != DefaultMaxPending || o.MaxDeliver != DefaultMaxDeliver || o.AckWait != DefaultAckWait {
		t.Errorf("defaults not applied: %+v", o)
	}
	if o.StartFrom != StartNew {
		t.Errorf("StartFrom = %q, want %q", o.StartFrom, StartNew)
	}
	if o.ConsumerName != "cmo" {
		t.Errorf("ConsumerName = %q, want group name", o.ConsumerName)
	}
}

func TestHeadersCarryCredentials(t *testing.T) {
	ctx := security.WithCredentials(context.Background(), security.Credentials{
		Identity:     "id-token",
		Capabilities: []string{"cap-a", "cap-b"},
	})
	h := HeadersFromContext(ctx)
	if h.Get(HeaderIdentity) != "id-token" {
		t.Errorf("identity header = %q", h.Get(HeaderIdentity))
	}

	creds, ok := security.CredentialsFrom(ContextWithHeaders(context.Background(), h))
	if !ok {
		t.Fatal("credentials not restored")
	}
	if creds.Identity != "id-token" || len(creds.Capabilities) != 2 {
		t.Errorf("restored credentials = %+v", creds)
	}
}

func TestContextWithoutCredentials(t *testing.T) {
	if _, ok := security.CredentialsFrom(ContextWithHeaders(context.Background(), Headers{})); ok {
		t.Error("empty headers must not attach credentials")
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("send: %w", &TransportError{Op: "publish", Topic: "a.b.c.d", Attempts: 3, Err: cause})

	var te *TransportError
	if !errors.As(err, &te) || te.Attempts != 3 {
		t.Fatalf("errors.As failed: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not unwrapped")
	}
}

func TestNewDeadLetter(t *testing.T) {
	opts := SubscribeOptions{ConsumerGroup: "g", ConsumerName: "c"}
	dl := NewDeadLetter("a.b.c.d", []byte(`{"meta":{}}`), errors.New("boom"), 5, opts)
	if string(dl.Envelope) != `{"meta":{}}` || dl.Raw != "" {
		t.Errorf("json body should be kept as envelope: %+v", dl)
	}
	if dl.Error != "boom" || dl.Attempts != 5 || dl.ConsumerGroup != "g" {
		t.Errorf("unexpected dead letter: %+v", dl)
	}

	bad := NewDeadLetter("a.b.c.d", []byte("not json"), nil, 1, opts)
	if bad.Envelope != nil || !strings.Contains(bad.Raw, "not json") {
		t.Errorf("non-json body should be kept raw: %+v", bad)
	}
}
