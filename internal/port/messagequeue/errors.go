package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrStopped is returned by operations on a stopped subscription or a
// closed queue.
var ErrStopped = errors.New("messagequeue: stopped")

// TransportError is returned when the transport could not complete an
// operation after exhausting its retry budget.
type TransportError struct {
	Op       string
	Topic    string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s failed after %d attempt(s): %v", e.Op, e.Topic, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DeadLetter is the document published to a DLQ topic.
type DeadLetter struct {
	Topic         string          `json:"topic"`
	Envelope      json.RawMessage `json:"envelope,omitempty"`
	Raw           string          `json:"raw,omitempty"`
	Error         string          `json:"error"`
	Attempts      int             `json:"attempts"`
	FailedAt      time.Time       `json:"failed_at"`
	ConsumerGroup string          `json:"consumer_group"`
	ConsumerName  string          `json:"consumer_name"`
}

// NewDeadLetter describes a message that could not be processed.
func NewDeadLetter(topic string, data []byte, cause error, attempts int, opts SubscribeOptions) DeadLetter {
	msg := "dead-lettered"
	if cause != nil {
		msg = cause.Error()
	}
	dl := DeadLetter{
		Topic:         topic,
		Error:         msg,
		Attempts:      attempts,
		FailedAt:      time.Now().UTC(),
		ConsumerGroup: opts.ConsumerGroup,
		ConsumerName:  opts.ConsumerName,
	}
	if json.Valid(data) {
		dl.Envelope = append(json.RawMessage(nil), data...)
	} else {
		dl.Raw = string(data)
	}
	return dl
}
