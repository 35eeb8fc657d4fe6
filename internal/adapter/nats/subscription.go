package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/agentwire/internal/port/messagequeue"
	"github.com/Strob0t/agentwire/internal/resilience"
)

const (
	fetchWait  = time.Second
	errBackoff = 500 * time.Millisecond
)

type subscription struct {
	q      *Queue
	topic  string
	cons   jetstream.Consumer
	opts   messagequeue.SubscribeOptions
	window *resilience.Window
	out    chan messagequeue.Delivery
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Deliveries() <-chan messagequeue.Delivery { return s.out }
func (s *subscription) Pending() int                             { return s.window.Pending() }
func (s *subscription) Paused() bool                             { return s.window.Paused() }

// Stop ends the subscription. The durable consumer survives, so unacked
// messages are redelivered to the group after ack wait.
func (s *subscription) Stop() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)

	for {
		if err := s.window.Wait(ctx); err != nil {
			return
		}
		n := s.window.Available()
		if n < 1 {
			n = 1
		}
		batch, err := s.cons.Fetch(n, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.q.log.Error("nats fetch failed", "topic", s.topic, "group", s.opts.ConsumerGroup, "error", err)
			if !sleep(ctx, errBackoff) {
				return
			}
			continue
		}

		for msg := range batch.Messages() {
			if !s.dispatch(ctx, msg) {
				return
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && ctx.Err() == nil {
			s.q.log.Warn("nats fetch batch error", "topic", s.topic, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// dispatch hands msg to the consumer. It reports false when the
// subscription is stopping.
func (s *subscription) dispatch(ctx context.Context, msg jetstream.Msg) bool {
	attempt := 1
	if md, err := msg.Metadata(); err == nil {
		attempt = int(md.NumDelivered)
	}

	// Redelivered after ack wait more often than allowed.
	if attempt > s.opts.MaxDeliver {
		cause := errors.New("ack wait expired on every delivery")
		if err := s.q.deadLetter(ctx, s.topic, msg.Data(), cause, attempt-1, s.opts); err != nil {
			s.q.log.Error("dead letter failed", "topic", s.topic, "error", err)
			return true
		}
		_ = msg.TermWithReason(cause.Error())
		return true
	}

	d := &delivery{sub: s, msg: msg, attempt: attempt}
	s.window.Acquire()
	select {
	case s.out <- d:
		s.q.metrics.RecordDelivered(ctx, s.topic, s.opts.ConsumerGroup)
		return true
	case <-ctx.Done():
		s.window.Release()
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type delivery struct {
	sub     *subscription
	msg     jetstream.Msg
	attempt int
	settled atomic.Bool
}

func (d *delivery) Data() []byte  { return d.msg.Data() }
func (d *delivery) Topic() string { return d.sub.topic }
func (d *delivery) Attempt() int  { return d.attempt }

func (d *delivery) Headers() messagequeue.Headers {
	return messagequeue.Headers(d.msg.Headers())
}

func (d *delivery) finish() bool {
	if !d.settled.CompareAndSwap(false, true) {
		return false
	}
	d.sub.window.Release()
	return true
}

func (d *delivery) Ack() error {
	if !d.finish() {
		return nil
	}
	if err := d.msg.Ack(); err != nil {
		return fmt.Errorf("nats ack: %w", err)
	}
	d.sub.q.metrics.RecordAcked(context.Background(), d.sub.topic, d.sub.opts.ConsumerGroup)
	return nil
}

// Nak asks for redelivery with a delay growing with the attempt count, or
// dead-letters once the attempt budget is spent.
func (d *delivery) Nak(cause error) error {
	if !d.finish() {
		return nil
	}
	if d.attempt >= d.sub.opts.MaxDeliver {
		return d.term(cause)
	}
	delay := time.Duration(d.attempt) * 100 * time.Millisecond
	if err := d.msg.NakWithDelay(delay); err != nil {
		return fmt.Errorf("nats nak: %w", err)
	}
	d.sub.q.metrics.RecordRedelivered(context.Background(), d.sub.topic, d.sub.opts.ConsumerGroup)
	return nil
}

func (d *delivery) Term(cause error) error {
	if !d.finish() {
		return nil
	}
	return d.term(cause)
}

func (d *delivery) term(cause error) error {
	ctx := context.Background()
	if err := d.sub.q.deadLetter(ctx, d.sub.topic, d.msg.Data(), cause, d.attempt, d.sub.opts); err != nil {
		// Leave the message for redelivery rather than losing it.
		_ = d.msg.Nak()
		return err
	}
	reason := "dead-lettered"
	if cause != nil {
		reason = cause.Error()
	}
	if err := d.msg.TermWithReason(reason); err != nil {
		return fmt.Errorf("nats term: %w", err)
	}
	return nil
}
