// Package pending buffers user-targeted events for users with no live
// connection until their next connect.
package pending

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
	redisutil "github.com/nmxmxh/ovasabi-relay/pkg/redis"
)

// Entry is one buffered event.
type Entry struct {
	TargetUserID string          `json:"targetUserId"`
	EventType    string          `json:"eventType"`
	Payload      json.RawMessage `json:"payload"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
}

type Queue struct {
	client    redis.UniversalClient
	log       *zap.Logger
	keys      *redisutil.KeyBuilder
	retention time.Duration
}

func NewQueue(client redis.UniversalClient, log *zap.Logger, retention time.Duration) *Queue {
	if retention <= 0 {
		retention = redisutil.TTLPendingQueue
	}
	return &Queue{
		client:    client,
		log:       log.With(zap.String("module", "pending")),
		keys:      redisutil.NewKeyBuilder(redisutil.NamespaceQueue, redisutil.ContextNotification),
		retention: retention,
	}
}

func (q *Queue) key(userID string) string {
	return q.keys.BuildTagged("user", userID, "pending")
}

// Enqueue appends an event to the user's queue and extends its retention.
func (q *Queue) Enqueue(ctx context.Context, userID, eventType string, payload json.RawMessage) error {
	raw, err := json.Marshal(Entry{
		TargetUserID: userID,
		EventType:    eventType,
		Payload:      payload,
		EnqueuedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	key := q.key(userID)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, raw)
		pipe.Expire(ctx, key, q.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("pending: enqueue for %s: %w", userID, err)
	}
	metrics.PendingOps.WithLabelValues("enqueue").Inc()
	q.log.Debug("Queued event for offline user", zap.String("user_id", userID), zap.String("event", eventType))
	return nil
}

// Drain atomically reads and deletes the user's queue. Entries are returned
// in enqueue order; of two concurrent drains only one receives them.
func (q *Queue) Drain(ctx context.Context, userID string) ([]Entry, error) {
	key := q.key(userID)
	var items *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pending: drain for %s: %w", userID, err)
	}

	entries := make([]Entry, 0, len(items.Val()))
	for _, raw := range items.Val() {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			q.log.Warn("Discarding unreadable pending entry", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) > 0 {
		metrics.PendingOps.WithLabelValues("drain").Add(float64(len(entries)))
	}
	return entries, nil
}

// Requeue puts entries back at the head of the queue, preserving their order
// ahead of anything enqueued since the drain.
func (q *Queue) Requeue(ctx context.Context, userID string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		raw, err := json.Marshal(entries[i])
		if err != nil {
			return err
		}
		values = append(values, raw)
	}
	key := q.key(userID)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, values...)
		pipe.Expire(ctx, key, q.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("pending: requeue for %s: %w", userID, err)
	}
	metrics.PendingOps.WithLabelValues("requeue").Add(float64(len(entries)))
	return nil
}

// Len returns the number of queued entries.
func (q *Queue) Len(ctx context.Context, userID string) (int64, error) {
	return q.client.LLen(ctx, q.key(userID)).Result()
}
