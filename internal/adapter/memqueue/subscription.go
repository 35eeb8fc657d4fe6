package memqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Strob0t/agentwire/internal/port/messagequeue"
	"github.com/Strob0t/agentwire/internal/resilience"
)

// idlePoll bounds how long a subscription sleeps when nothing is in flight.
const idlePoll = time.Second

type subscription struct {
	q      *Queue
	topic  string
	group  *group
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

// Stop ends the subscription. Unsettled deliveries are redelivered to the
// group once their ack wait expires.
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

		s.q.mu.Lock()
		if s.q.closed {
			s.q.mu.Unlock()
			return
		}
		t := s.q.topics[s.topic]
		msg, attempt, wake, deadline := s.q.claim(s.topic, t, s.group, s.opts)
		s.q.mu.Unlock()

		if msg == nil {
			wait := idlePoll
			if !deadline.IsZero() {
				if d := deadline.Sub(s.q.now()); d < wait {
					wait = d
				}
			}
			if wait <= 0 {
				wait = time.Millisecond
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.q.done:
				timer.Stop()
				return
			case <-wake:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}

		d := &delivery{sub: s, topic: s.topic, group: s.group, msg: msg, attempt: attempt}
		s.window.Acquire()
		select {
		case s.out <- d:
			s.q.metrics.RecordDelivered(ctx, s.topic, s.group.name)
		case <-ctx.Done():
			// Leave the message in flight; it is redelivered after ack wait.
			s.window.Release()
			return
		}
	}
}

type delivery struct {
	sub     *subscription
	topic   string
	group   *group
	msg     *message
	attempt int
	settled atomic.Bool
}

func (d *delivery) Data() []byte                  { return d.msg.data }
func (d *delivery) Topic() string                 { return d.topic }
func (d *delivery) Headers() messagequeue.Headers { return d.msg.headers }
func (d *delivery) Attempt() int                  { return d.attempt }

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
	if d.sub.q.settle(d, func(*topicLog) {
		delete(d.group.inflight, d.msg.seq)
	}) {
		d.sub.q.metrics.RecordAcked(context.Background(), d.topic, d.group.name)
	}
	return nil
}

func (d *delivery) Nak(err error) error {
	if !d.finish() {
		return nil
	}
	d.sub.q.settle(d, func(t *topicLog) {
		if d.attempt >= d.group.maxDeliver {
			d.sub.q.deadLetter(d.topic, d.msg, d.group, d.sub.opts, err)
			return
		}
		delete(d.group.inflight, d.msg.seq)
		d.group.retry = append(d.group.retry, d.msg.seq)
		t.notify()
		d.sub.q.metrics.RecordRedelivered(context.Background(), d.topic, d.group.name)
	})
	return nil
}

func (d *delivery) Term(err error) error {
	if !d.finish() {
		return nil
	}
	d.sub.q.settle(d, func(*topicLog) {
		d.sub.q.deadLetter(d.topic, d.msg, d.group, d.sub.opts, err)
	})
	return nil
}
