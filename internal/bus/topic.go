package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type topicAdmin interface {
	CreateTopics(topics ...kafka.TopicConfig) error
	Close() error
}

// adminDialer connects to the controller reachable through broker.
type adminDialer func(ctx context.Context, broker string) (topicAdmin, error)

// EnsureTopic creates the topic if it does not exist. Brokers are retried
// with bounded backoff; exhausting the budget is a startup failure.
func EnsureTopic(ctx context.Context, cfg Config, log *zap.Logger) error {
	return ensureTopic(ctx, cfg, dialController, log)
}

func ensureTopic(ctx context.Context, cfg Config, dial adminDialer, log *zap.Logger) error {
	log = log.With(zap.String("module", "bus"), zap.String("topic", cfg.Topic))
	attempt := 0
	op := func() error {
		attempt++
		return createTopic(ctx, cfg, dial)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("Kafka not ready, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, cfg.retryPolicy(ctx, cfg.MaxRetries), notify); err != nil {
		return fmt.Errorf("bus: provision topic %s after %d attempts: %w", cfg.Topic, attempt, err)
	}
	log.Info("Kafka topic ready", zap.Int("partitions", cfg.Partitions), zap.Int("replication_factor", cfg.ReplicationFactor))
	return nil
}

func createTopic(ctx context.Context, cfg Config, dial adminDialer) error {
	var lastErr error
	for _, broker := range cfg.Brokers {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := createTopicVia(dialCtx, broker, cfg, dial)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return backoff.Permanent(errors.New("no brokers configured"))
	}
	return lastErr
}

func createTopicVia(ctx context.Context, broker string, cfg Config, dial adminDialer) error {
	admin, err := dial(ctx, broker)
	if err != nil {
		return err
	}
	defer admin.Close()

	err = admin.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.Topic,
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return err
	}
	return nil
}

func dialController(ctx context.Context, broker string) (topicAdmin, error) {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return nil, err
	}
	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return nil, err
	}
	return ctrl, nil
}
