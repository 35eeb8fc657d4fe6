package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentwire"

// Metrics holds the fabric's metric instruments. A nil *Metrics records
// nothing, so components can be built without telemetry in tests.
type Metrics struct {
	Published       metric.Int64Counter
	Delivered       metric.Int64Counter
	Acked           metric.Int64Counter
	Redelivered     metric.Int64Counter
	DeadLettered    metric.Int64Counter
	PolicyDenials   metric.Int64Counter
	Duplicates      metric.Int64Counter
	StepsRecorded   metric.Int64Counter
	CacheHits       metric.Int64Counter
	CacheMisses     metric.Int64Counter
	GateLatency     metric.Float64Histogram
	HandlerDuration metric.Float64Histogram
}

type counterSpec struct {
	dst  *metric.Int64Counter
	name string
	desc string
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}

	counters := []counterSpec{
		{&m.Published, "agentwire.messages.published", "Envelopes published"},
		{&m.Delivered, "agentwire.messages.delivered", "Deliveries handed to consumers"},
		{&m.Acked, "agentwire.messages.acked", "Deliveries acknowledged"},
		{&m.Redelivered, "agentwire.messages.redelivered", "Deliveries handed back for retry"},
		{&m.DeadLettered, "agentwire.messages.dead_lettered", "Messages routed to a DLQ"},
		{&m.PolicyDenials, "agentwire.policy.denials", "Envelopes refused by the policy gate"},
		{&m.Duplicates, "agentwire.idempotency.duplicates", "Side-effecting activities served from the record"},
		{&m.StepsRecorded, "agentwire.checkpoint.steps", "Execution steps checkpointed"},
		{&m.CacheHits, "agentwire.cache.hits", "Idempotency cache hits"},
		{&m.CacheMisses, "agentwire.cache.misses", "Idempotency cache misses"},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = ctr
	}

	var err error
	m.GateLatency, err = meter.Float64Histogram("agentwire.policy.latency_seconds",
		metric.WithDescription("Policy gate evaluation latency in seconds"))
	if err != nil {
		return nil, err
	}
	m.HandlerDuration, err = meter.Float64Histogram("agentwire.handler.duration_seconds",
		metric.WithDescription("Inbound handler duration in seconds"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPublished counts one publish to topic.
func (m *Metrics) RecordPublished(ctx context.Context, topic string) {
	if m != nil {
		m.add(ctx, m.Published, attribute.String("topic", topic))
	}
}

// RecordDelivered counts one delivery for a consumer group.
func (m *Metrics) RecordDelivered(ctx context.Context, topic, group string) {
	if m != nil {
		m.add(ctx, m.Delivered, attribute.String("topic", topic), attribute.String("group", group))
	}
}

// RecordAcked counts one acknowledged delivery.
func (m *Metrics) RecordAcked(ctx context.Context, topic, group string) {
	if m != nil {
		m.add(ctx, m.Acked, attribute.String("topic", topic), attribute.String("group", group))
	}
}

// RecordRedelivered counts one delivery returned for retry.
func (m *Metrics) RecordRedelivered(ctx context.Context, topic, group string) {
	if m != nil {
		m.add(ctx, m.Redelivered, attribute.String("topic", topic), attribute.String("group", group))
	}
}

// RecordDeadLettered counts one message routed to a DLQ.
func (m *Metrics) RecordDeadLettered(ctx context.Context, topic, group string) {
	if m != nil {
		m.add(ctx, m.DeadLettered, attribute.String("topic", topic), attribute.String("group", group))
	}
}

// RecordPolicyDenial counts one refused envelope.
func (m *Metrics) RecordPolicyDenial(ctx context.Context, direction, reason string) {
	if m != nil {
		m.add(ctx, m.PolicyDenials, attribute.String("direction", direction), attribute.String("reason", reason))
	}
}

// RecordDuplicate counts one duplicate activity.
func (m *Metrics) RecordDuplicate(ctx context.Context, activityType string) {
	if m != nil {
		m.add(ctx, m.Duplicates, attribute.String("activity_type", activityType))
	}
}

// RecordStep counts one checkpointed step.
func (m *Metrics) RecordStep(ctx context.Context, nodeID string) {
	if m != nil {
		m.add(ctx, m.StepsRecorded, attribute.String("node_id", nodeID))
	}
}

// RecordCache counts a cache lookup for the given tier.
func (m *Metrics) RecordCache(ctx context.Context, tier string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.add(ctx, m.CacheHits, attribute.String("tier", tier))
		return
	}
	m.add(ctx, m.CacheMisses, attribute.String("tier", tier))
}

// ObserveGate records one gate evaluation.
func (m *Metrics) ObserveGate(ctx context.Context, direction string, seconds float64) {
	if m == nil || m.GateLatency == nil {
		return
	}
	m.GateLatency.Record(ctx, seconds, metric.WithAttributes(attribute.String("direction", direction)))
}

// ObserveHandler records one handler invocation.
func (m *Metrics) ObserveHandler(ctx context.Context, msgType string, seconds float64) {
	if m == nil || m.HandlerDuration == nil {
		return
	}
	m.HandlerDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("type", msgType)))
}
