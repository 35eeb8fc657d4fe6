// Package messagequeue defines the transport port (interface) of the fabric.
package messagequeue

import (
	"context"
	"time"

	"github.com/Strob0t/agentwire/internal/domain/envelope"
)

// Start positions for a consumer group created for the first time.
const (
	StartNew = "new" // only messages published after the group is created
	StartAll = "all" // everything still retained in the stream
)

// Defaults applied by SubscribeOptions.WithDefaults.
const (
	DefaultMaxPending = 1000
	DefaultMaxDeliver = 5
	DefaultAckWait    = 30 * time.Second
)

// Queue is the port interface for publishing and subscribing to envelopes.
type Queue interface {
	// Publish sends env to topic and returns its message ID. Transient
	// failures are retried with backoff before a *TransportError is returned.
	Publish(ctx context.Context, topic string, env *envelope.Envelope) (string, error)

	// Subscribe joins the consumer group in opts and streams its share of
	// the messages on topic. The subscription ends when ctx is cancelled
	// or Stop is called.
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions) (Subscription, error)

	// Close shuts down the transport.
	Close() error
}

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// ConsumerGroup is the durable group name. Consumers sharing a group
	// receive disjoint message sets.
	ConsumerGroup string
	// ConsumerName identifies this member in logs and dead letters.
	ConsumerName string
	// MaxPending pauses polling once this many deliveries are unsettled.
	MaxPending int
	// StartFrom is StartNew or StartAll; it only matters when the group
	// does not exist yet.
	StartFrom string
	// MaxDeliver is the number of delivery attempts before a message is
	// dead-lettered.
	MaxDeliver int
	// AckWait is how long a delivery may stay unsettled before it is
	// redelivered.
	AckWait time.Duration
}

// WithDefaults returns o with zero fields replaced by their defaults.
func (o SubscribeOptions) WithDefaults() SubscribeOptions {
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = DefaultMaxDeliver
	}
	if o.AckWait <= 0 {
		o.AckWait = DefaultAckWait
	}
	if o.StartFrom == "" {
		o.StartFrom = StartNew
	}
	if o.ConsumerName == "" {
		o.ConsumerName = o.ConsumerGroup
	}
	return o
}

// Delivery is one message handed to a consumer. Exactly one of Ack, Nak
// or Term must be called.
type Delivery interface {
	// Data is the raw envelope bytes.
	Data() []byte
	Topic() string
	// Headers carries credentials and trace context.
	Headers() Headers
	// Attempt is 1 for the first delivery.
	Attempt() int
	// Ack settles the delivery as processed.
	Ack() error
	// Nak asks for redelivery. Once the attempt budget is spent the
	// message is dead-lettered with err as the failure.
	Nak(err error) error
	// Term dead-letters the message immediately.
	Term(err error) error
}

// Subscription is a cancellable stream of deliveries.
type Subscription interface {
	// Deliveries is closed when the subscription stops.
	Deliveries() <-chan Delivery
	// Pending returns the number of unsettled deliveries.
	Pending() int
	// Paused reports whether polling is suspended by backpressure.
	Paused() bool
	Stop()
}
