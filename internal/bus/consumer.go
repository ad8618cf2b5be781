package bus

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
)

// Handler is invoked once per received envelope. The offset is committed
// after it returns, whatever the outcome.
type Handler func(ctx context.Context, env *Envelope) error

// DeadLetter receives record values that could not be decoded.
type DeadLetter func(ctx context.Context, value []byte, cause error)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader     messageReader
	cfg        Config
	log        *zap.Logger
	tracer     trace.Tracer
	deadLetter DeadLetter
}

// NewConsumer joins a group of its own and starts from the log end, so it
// sees only envelopes published after the process came up.
func NewConsumer(cfg Config, log *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID(),
		StartOffset:    kafka.LastOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        250 * time.Millisecond,
		CommitInterval: 0,
	})
	return newConsumer(reader, cfg, log)
}

func newConsumer(r messageReader, cfg Config, log *zap.Logger) *Consumer {
	return &Consumer{
		reader: r,
		cfg:    cfg,
		log:    log.With(zap.String("module", "bus_consumer"), zap.String("group_id", cfg.GroupID())),
		tracer: otel.Tracer(tracerName),
	}
}

// WithDeadLetter routes undecodable records to fn.
func (c *Consumer) WithDeadLetter(fn DeadLetter) *Consumer {
	c.deadLetter = fn
	return c
}

// Subscribe consumes until ctx is done. Broker errors are logged and retried
// with capped backoff for the life of the process.
func (c *Consumer) Subscribe(ctx context.Context, handler Handler) error {
	c.log.Info("Consumer started", zap.String("topic", c.cfg.Topic))
	retry := c.cfg.retryPolicy(ctx, 0)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := retry.NextBackOff()
			if wait == backoff.Stop {
				return nil
			}
			c.log.Warn("Fetch failed, retrying", zap.Duration("wait", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()

		c.process(ctx, msg, handler)

		if err := c.commit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("Commit failed", zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message, handler Handler) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: &msg.Headers})
	ctx, span := c.tracer.Start(ctx, "bus.consume", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	env, err := Decode(msg.Value)
	if err != nil {
		metrics.EnvelopesConsumed.WithLabelValues("malformed").Inc()
		c.log.Warn("Skipping undecodable envelope", zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		if c.deadLetter != nil {
			c.deadLetter(ctx, msg.Value, err)
		}
		return
	}
	span.SetAttributes(attribute.String("relay.envelope_id", env.ID()))

	start := time.Now()
	if err := handler(ctx, env); err != nil {
		metrics.EnvelopesConsumed.WithLabelValues("failed").Inc()
		span.RecordError(err)
		c.log.Error("Envelope handler failed", zap.String("envelope_id", env.ID()), zap.String("conversation_id", env.ConversationID), zap.Error(err))
	}
	metrics.HandleLatency.Observe(time.Since(start).Seconds())
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	return backoff.Retry(func() error {
		return c.reader.CommitMessages(ctx, msg)
	}, c.cfg.retryPolicy(ctx, c.cfg.MaxRetries))
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
