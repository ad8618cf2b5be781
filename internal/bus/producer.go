package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
)

const tracerName = "github.com/nmxmxh/ovasabi-relay/internal/bus"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer appends envelopes keyed by conversation id, so one conversation
// always maps to one partition.
type Producer struct {
	writer messageWriter
	cfg    Config
	log    *zap.Logger
	tracer trace.Tracer
}

func NewProducer(cfg Config, log *zap.Logger) *Producer {
	return newProducer(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}, cfg, log)
}

func newProducer(w messageWriter, cfg Config, log *zap.Logger) *Producer {
	return &Producer{
		writer: w,
		cfg:    cfg,
		log:    log.With(zap.String("module", "bus_producer")),
		tracer: otel.Tracer(tracerName),
	}
}

// Publish writes env, retrying transient failures within the retry budget.
// Once acknowledged the write cannot be recalled.
func (p *Producer) Publish(ctx context.Context, env *Envelope) error {
	value, err := env.Encode()
	if err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "bus.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", p.cfg.Topic),
			attribute.String("relay.conversation_id", env.ConversationID),
			attribute.String("relay.envelope_id", env.EnvelopeID),
		))
	defer span.End()

	msg := kafka.Message{
		Key:   []byte(env.ConversationID),
		Value: value,
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: &msg.Headers})

	attempt := 0
	op := func() error {
		attempt++
		return p.writer.WriteMessages(ctx, msg)
	}
	notify := func(err error, wait time.Duration) {
		p.log.Warn("Publish failed, retrying",
			zap.String("envelope_id", env.EnvelopeID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(op, p.cfg.retryPolicy(ctx, p.cfg.MaxRetries), notify); err != nil {
		metrics.EnvelopesPublished.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("bus: publish envelope %s: %w", env.EnvelopeID, err)
	}
	metrics.EnvelopesPublished.WithLabelValues("ok").Inc()
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
