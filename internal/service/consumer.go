package service

import (
	"context"
	"errors"
	"log/slog"

	awotel "github.com/Strob0t/agentwire/internal/adapter/otel"
	"github.com/Strob0t/agentwire/internal/domain/envelope"
	"github.com/Strob0t/agentwire/internal/port/messagequeue"
	"github.com/Strob0t/agentwire/internal/workpool"
)

// Consumer feeds one subscription into a Router through a bounded worker
// pool and settles each delivery according to the outcome.
type Consumer struct {
	queue   messagequeue.Queue
	router  *Router
	workers int
	opts    messagequeue.SubscribeOptions
	logger  *slog.Logger
}

// NewConsumer creates a Consumer running at most workers handlers at once.
func NewConsumer(queue messagequeue.Queue, router *Router, workers int, opts messagequeue.SubscribeOptions, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:   queue,
		router:  router,
		workers: workers,
		opts:    opts.WithDefaults(),
		logger:  logger,
	}
}

// Run subscribes to topic and processes deliveries until ctx is cancelled
// or the subscription ends. In-flight handlers finish before Run returns.
func (c *Consumer) Run(ctx context.Context, topic string) error {
	sub, err := c.queue.Subscribe(ctx, topic, c.opts)
	if err != nil {
		return err
	}
	defer sub.Stop()

	pool := workpool.New(c.workers)
	defer pool.Wait()

	c.logger.InfoContext(ctx, "consumer started",
		"topic", topic,
		"group", c.opts.ConsumerGroup,
		"consumer", c.opts.ConsumerName,
		"workers", c.workers,
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-sub.Deliveries():
			if !ok {
				return nil
			}
			if err := pool.Go(ctx, func() { c.process(ctx, d) }); err != nil {
				// Shutting down: leave the delivery unsettled for redelivery.
				return nil
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, d messagequeue.Delivery) {
	ctx = messagequeue.ContextWithHeaders(ctx, d.Headers())
	ctx, span := awotel.StartHandleSpan(ctx, d.Topic(), c.opts.ConsumerGroup)

	env, err := c.router.Handle(ctx, d.Data())
	awotel.EndSpan(span, err)

	log := c.logger.With("topic", d.Topic(), "attempt", d.Attempt())
	if env != nil {
		log = log.With("message_id", env.Meta.MessageID, "trace_id", env.Meta.TraceID, "type", env.Meta.Type)
	}

	switch {
	case err == nil:
		c.settle(ctx, log, "ack", d.Ack())
	case isDuplicateMessageID(err):
		log.WarnContext(ctx, "duplicate message id dropped", "error", err)
		c.settle(ctx, log, "ack", d.Ack())
	case IsTerminal(err):
		log.WarnContext(ctx, "message rejected", "error", err)
		c.settle(ctx, log, "term", d.Term(err))
	default:
		log.ErrorContext(ctx, "handler failed, requesting redelivery", "error", err)
		c.settle(ctx, log, "nak", d.Nak(err))
	}
}

func (c *Consumer) settle(ctx context.Context, log *slog.Logger, op string, err error) {
	if err != nil && !errors.Is(err, messagequeue.ErrStopped) {
		log.ErrorContext(ctx, "settle delivery", "op", op, "error", err)
	}
}

func isDuplicateMessageID(err error) bool {
	var ve *envelope.ValidationError
	return errors.As(err, &ve) && ve.Code == envelope.CodeDuplicateMessageID
}
