// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	awotel "github.com/Strob0t/agentwire/internal/adapter/otel"
	"github.com/Strob0t/agentwire/internal/config"
	"github.com/Strob0t/agentwire/internal/domain/envelope"
	"github.com/Strob0t/agentwire/internal/port/messagequeue"
	"github.com/Strob0t/agentwire/internal/resilience"
)

// Queue implements messagequeue.Queue using NATS JetStream. Topics map to
// subjects under a common prefix captured by one stream; consumer groups
// are durable pull consumers on that stream.
type Queue struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  string
	prefix  string
	retry   resilience.RetryPolicy
	metrics *awotel.Metrics
	log     *slog.Logger
}

// Compile-time interface check.
var _ messagequeue.Queue = (*Queue)(nil)

// Option configures a Queue.
type Option func(*Queue)

// WithRetryPolicy overrides the publish retry policy.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(q *Queue) { q.retry = p }
}

// WithMetrics records transport metrics.
func WithMetrics(m *awotel.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, cfg config.NATS, opts ...Option) (*Queue, error) {
	q := &Queue{
		stream: cfg.Stream,
		prefix: cfg.SubjectPrefix,
		retry:  resilience.DefaultRetryPolicy,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("agentwire"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				q.log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			q.log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		MaxAge:     cfg.MaxAge,
		Duplicates: cfg.DupeWindow,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	q.nc, q.js = nc, js
	q.log.Info("nats connected", "url", cfg.URL, "stream", cfg.Stream)
	return q, nil
}

func (q *Queue) subject(topic string) string {
	return q.prefix + "." + topic
}

// Publish sends env to topic. The message ID doubles as the JetStream
// Nats-Msg-Id, so a retried publish is stored once.
func (q *Queue) Publish(ctx context.Context, topic string, env *envelope.Envelope) (string, error) {
	if err := messagequeue.ValidateTopic(topic); err != nil {
		return "", err
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return "", err
	}
	id := env.Meta.MessageID

	ctx, span := awotel.StartPublishSpan(ctx, topic, id, string(env.Meta.Type))
	headers := messagequeue.HeadersFromContext(ctx)
	msg := &nats.Msg{
		Subject: q.subject(topic),
		Data:    data,
		Header:  nats.Header(headers),
	}
	msg.Header.Set(messagequeue.HeaderMessageID, id)
	msg.Header.Set(messagequeue.HeaderTraceID, env.Meta.TraceID)

	_, attempts, err := resilience.Retry(ctx, q.retry, func() (*jetstream.PubAck, error) {
		return q.js.PublishMsg(ctx, msg, jetstream.WithMsgID(id))
	})
	awotel.EndSpan(span, err)
	if err != nil {
		return "", &messagequeue.TransportError{Op: "publish", Topic: topic, Attempts: attempts, Err: err}
	}
	q.metrics.RecordPublished(ctx, topic)
	return id, nil
}

// durableName derives a consumer name from group and topic. Durable names
// may not contain '.', so topics sharing a group get distinct consumers.
func durableName(group, topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(group + "__" + topic)
}

// Subscribe binds to the durable consumer for opts.ConsumerGroup on topic,
// creating it at the position given by opts.StartFrom if it does not exist.
func (q *Queue) Subscribe(ctx context.Context, topic string, opts messagequeue.SubscribeOptions) (messagequeue.Subscription, error) {
	if opts.ConsumerGroup == "" {
		return nil, fmt.Errorf("nats subscribe %s: consumer group is required", topic)
	}
	opts = opts.WithDefaults()
	name := durableName(opts.ConsumerGroup, topic)

	cons, err := q.js.Consumer(ctx, q.stream, name)
	if errors.Is(err, jetstream.ErrConsumerNotFound) {
		deliver := jetstream.DeliverNewPolicy
		if opts.StartFrom == messagequeue.StartAll {
			deliver = jetstream.DeliverAllPolicy
		}
		cons, err = q.js.CreateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
			Durable:       name,
			FilterSubject: q.subject(topic),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       opts.AckWait,
			DeliverPolicy: deliver,
			MaxAckPending: opts.MaxPending,
			// Attempts are counted here so the DLQ record carries the
			// failure; the server never drops a message on its own.
			MaxDeliver: -1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("nats consumer %s: %w", name, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		q:      q,
		topic:  topic,
		cons:   cons,
		opts:   opts,
		window: resilience.NewWindow(opts.MaxPending),
		out:    make(chan messagequeue.Delivery),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)

	q.log.Info("nats subscribed", "topic", topic, "consumer", name, "member", opts.ConsumerName)
	return s, nil
}

// deadLetter publishes a DeadLetter record to the topic's DLQ subject.
func (q *Queue) deadLetter(ctx context.Context, topic string, data []byte, cause error, attempts int, opts messagequeue.SubscribeOptions) error {
	dl := messagequeue.NewDeadLetter(topic, data, cause, attempts, opts)
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	dlq := messagequeue.DLQTopic(topic)
	_, _, err = resilience.Retry(ctx, q.retry, func() (*jetstream.PubAck, error) {
		return q.js.Publish(ctx, q.subject(dlq), body)
	})
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", dlq, err)
	}
	q.metrics.RecordDeadLettered(ctx, topic, opts.ConsumerGroup)
	q.log.Warn("message dead-lettered",
		"topic", topic,
		"group", opts.ConsumerGroup,
		"consumer", opts.ConsumerName,
		"attempts", attempts,
		"error", dl.Error,
	)
	return nil
}

// KeyValue returns (or creates) a JetStream KeyValue bucket with the given TTL.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	return kv, nil
}

// IsConnected reports whether the underlying connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc != nil && q.nc.IsConnected()
}

// Drain gracefully drains the connection before closing.
func (q *Queue) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}
