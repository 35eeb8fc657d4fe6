// Package memqueue implements the message queue port in process. It keeps
// the semantics of the JetStream adapter (durable consumer groups, ack
// wait, redelivery, dead-lettering and publish dedupe by message ID) for
// dev mode and tests.
package memqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	awotel "github.com/Strob0t/agentwire/internal/adapter/otel"
	"github.com/Strob0t/agentwire/internal/domain/envelope"
	"github.com/Strob0t/agentwire/internal/port/messagequeue"
	"github.com/Strob0t/agentwire/internal/resilience"
)

// FaultFunc lets tests inject publish failures. attempt starts at 1.
type FaultFunc func(topic string, attempt int) error

// Option configures a Queue.
type Option func(*Queue)

// WithRetryPolicy overrides the publish retry policy.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(q *Queue) { q.retry = p }
}

// WithFaults installs a publish fault injector.
func WithFaults(f FaultFunc) Option {
	return func(q *Queue) { q.faults = f }
}

// WithMetrics records transport metrics.
func WithMetrics(m *awotel.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

type message struct {
	seq     int
	id      string
	data    []byte
	headers messagequeue.Headers
}

type inflight struct {
	attempt  int
	deadline time.Time
}

type group struct {
	name       string
	next       int // index of the next never-delivered message
	maxDeliver int
	ackWait    time.Duration
	attempts   map[int]int
	inflight   map[int]*inflight
	retry      []int // seqs ready for redelivery, oldest first
}

type topicLog struct {
	msgs   []*message
	ids    map[string]struct{}
	groups map[string]*group
	wake   chan struct{}
}

// Queue is an in-process implementation of messagequeue.Queue.
type Queue struct {
	mu      sync.Mutex
	topics  map[string]*topicLog
	closed  bool
	done    chan struct{}
	retry   resilience.RetryPolicy
	faults  FaultFunc
	metrics *awotel.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// Compile-time interface check.
var _ messagequeue.Queue = (*Queue)(nil)

// New creates an empty in-process queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		topics: make(map[string]*topicLog),
		done:   make(chan struct{}),
		retry:  resilience.DefaultRetryPolicy,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// topic must be called with q.mu held.
func (q *Queue) topic(name string) *topicLog {
	t, ok := q.topics[name]
	if !ok {
		t = &topicLog{
			ids:    make(map[string]struct{}),
			groups: make(map[string]*group),
			wake:   make(chan struct{}),
		}
		q.topics[name] = t
	}
	return t
}

// notify must be called with q.mu held.
func (t *topicLog) notify() {
	close(t.wake)
	t.wake = make(chan struct{})
}

// Publish appends env to topic. A message ID already published to the
// topic is accepted without appending a second copy.
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
	headers[messagequeue.HeaderMessageID] = []string{id}
	headers[messagequeue.HeaderTraceID] = []string{env.Meta.TraceID}
	n := 0
	_, attempts, err := resilience.Retry(ctx, q.retry, func() (struct{}, error) {
		n++
		return struct{}{}, q.append(topic, id, data, headers, n)
	})
	awotel.EndSpan(span, err)
	if err != nil {
		return "", &messagequeue.TransportError{Op: "publish", Topic: topic, Attempts: attempts, Err: err}
	}
	q.metrics.RecordPublished(ctx, topic)
	return id, nil
}

func (q *Queue) append(topic, id string, data []byte, headers messagequeue.Headers, attempt int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return resilience.Permanent(messagequeue.ErrStopped)
	}
	if q.faults != nil {
		if err := q.faults(topic, attempt); err != nil {
			return err
		}
	}
	t := q.topic(topic)
	if id != "" {
		if _, dup := t.ids[id]; dup {
			return nil
		}
		t.ids[id] = struct{}{}
	}
	t.msgs = append(t.msgs, &message{seq: len(t.msgs), id: id, data: data, headers: headers})
	t.notify()
	return nil
}

// publishRaw appends a non-envelope document, such as a dead letter.
// Must be called with q.mu held.
func (q *Queue) publishRaw(topic string, data []byte) {
	t := q.topic(topic)
	t.msgs = append(t.msgs, &message{seq: len(t.msgs), data: data, headers: messagequeue.Headers{}})
	t.notify()
}

// Messages returns a copy of every message body on topic, in order.
func (q *Queue) Messages(topic string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[topic]
	if !ok {
		return nil
	}
	out := make([][]byte, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = append([]byte(nil), m.data...)
	}
	return out
}

// DeadLetters decodes the dead letters recorded for topic.
func (q *Queue) DeadLetters(topic string) ([]messagequeue.DeadLetter, error) {
	var out []messagequeue.DeadLetter
	for _, raw := range q.Messages(messagequeue.DLQTopic(topic)) {
		var dl messagequeue.DeadLetter
		if err := json.Unmarshal(raw, &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Subscribe joins opts.ConsumerGroup on topic, creating the group at the
// position selected by opts.StartFrom if it does not exist yet.
func (q *Queue) Subscribe(ctx context.Context, topic string, opts messagequeue.SubscribeOptions) (messagequeue.Subscription, error) {
	if opts.ConsumerGroup == "" {
		return nil, fmt.Errorf("memqueue subscribe %s: consumer group is required", topic)
	}
	opts = opts.WithDefaults()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, messagequeue.ErrStopped
	}
	t := q.topic(topic)
	g, ok := t.groups[opts.ConsumerGroup]
	if !ok {
		g = &group{
			name:     opts.ConsumerGroup,
			attempts: make(map[int]int),
			inflight: make(map[int]*inflight),
		}
		if opts.StartFrom == messagequeue.StartNew {
			g.next = len(t.msgs)
		}
		t.groups[opts.ConsumerGroup] = g
	}
	g.maxDeliver = opts.MaxDeliver
	g.ackWait = opts.AckWait
	q.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		q:      q,
		topic:  topic,
		group:  g,
		opts:   opts,
		window: resilience.NewWindow(opts.MaxPending),
		out:    make(chan messagequeue.Delivery),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	go func() {
		select {
		case <-q.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	q.log.Info("memqueue subscribed", "topic", topic, "group", opts.ConsumerGroup, "consumer", opts.ConsumerName)
	return s, nil
}

// claim returns the next message for g: a redelivery first, then an
// expired in-flight message, then a new one. It dead-letters messages
// whose attempt budget is spent. When nothing is ready it returns the
// channel to wait on and the earliest in-flight deadline.
// Must be called with q.mu held.
func (q *Queue) claim(topic string, t *topicLog, g *group, opts messagequeue.SubscribeOptions) (*message, int, <-chan struct{}, time.Time) {
	now := q.now()
	var expired []int
	for seq, f := range g.inflight {
		if !now.Before(f.deadline) {
			expired = append(expired, seq)
		}
	}
	slices.Sort(expired)
	for _, seq := range expired {
		delete(g.inflight, seq)
		g.retry = append(g.retry, seq)
	}

	for len(g.retry) > 0 {
		seq := g.retry[0]
		g.retry = g.retry[1:]
		if g.attempts[seq] >= g.maxDeliver {
			q.deadLetter(topic, t.msgs[seq], g, opts, fmt.Errorf("ack wait expired after %d deliveries", g.attempts[seq]))
			continue
		}
		return q.start(t.msgs[seq], g, now)
	}

	if g.next < len(t.msgs) {
		m := t.msgs[g.next]
		g.next++
		return q.start(m, g, now)
	}

	var earliest time.Time
	for _, f := range g.inflight {
		if earliest.IsZero() || f.deadline.Before(earliest) {
			earliest = f.deadline
		}
	}
	return nil, 0, t.wake, earliest
}

func (q *Queue) start(m *message, g *group, now time.Time) (*message, int, <-chan struct{}, time.Time) {
	g.attempts[m.seq]++
	attempt := g.attempts[m.seq]
	g.inflight[m.seq] = &inflight{attempt: attempt, deadline: now.Add(g.ackWait)}
	return m, attempt, nil, time.Time{}
}

// deadLetter must be called with q.mu held.
func (q *Queue) deadLetter(topic string, m *message, g *group, opts messagequeue.SubscribeOptions, cause error) {
	delete(g.inflight, m.seq)
	dl := messagequeue.NewDeadLetter(topic, m.data, cause, g.attempts[m.seq], opts)
	data, err := json.Marshal(dl)
	if err != nil {
		q.log.Error("memqueue dead letter encode failed", "topic", topic, "error", err)
		return
	}
	q.publishRaw(messagequeue.DLQTopic(topic), data)
	q.metrics.RecordDeadLettered(context.Background(), topic, g.name)
	q.log.Warn("message dead-lettered",
		"topic", topic,
		"message_id", m.id,
		"group", g.name,
		"consumer", opts.ConsumerName,
		"attempts", dl.Attempts,
		"error", dl.Error,
	)
}

// settle resolves a delivery. It reports false if the delivery is stale:
// its ack wait expired and the message was handed out again.
func (q *Queue) settle(d *delivery, fn func(*topicLog)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, seq := d.group, d.msg.seq
	if f, ok := g.inflight[seq]; ok {
		if f.attempt != d.attempt {
			return false
		}
	} else {
		// Expired but not handed out again yet.
		i := slices.Index(g.retry, seq)
		if i < 0 || g.attempts[seq] != d.attempt {
			return false
		}
		g.retry = slices.Delete(g.retry, i, i+1)
	}
	fn(q.topics[d.topic])
	return true
}

// Close stops all subscriptions. Published messages are discarded.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
