// Package membership mirrors conversation participant sets in Redis. The
// mirror is a fast path for targeting only; the external store stays
// authoritative.
package membership

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	redisutil "github.com/nmxmxh/ovasabi-relay/pkg/redis"
)

type Cache struct {
	client redis.UniversalClient
	log    *zap.Logger
	keys   *redisutil.KeyBuilder
}

func NewCache(client redis.UniversalClient, log *zap.Logger) *Cache {
	return &Cache{
		client: client,
		log:    log.With(zap.String("module", "membership")),
		keys:   redisutil.NewKeyBuilder(redisutil.NamespaceCache, redisutil.ContextConversation),
	}
}

func (c *Cache) key(conversationID string) string {
	return c.keys.BuildTagged("participants", conversationID, "")
}

func toArgs(userIDs []string) []interface{} {
	args := make([]interface{}, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}
	return args
}

func (c *Cache) Add(ctx context.Context, conversationID string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	if err := c.client.SAdd(ctx, c.key(conversationID), toArgs(userIDs)...).Err(); err != nil {
		return fmt.Errorf("membership: add to %s: %w", conversationID, err)
	}
	return nil
}

func (c *Cache) Remove(ctx context.Context, conversationID string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	if err := c.client.SRem(ctx, c.key(conversationID), toArgs(userIDs)...).Err(); err != nil {
		return fmt.Errorf("membership: remove from %s: %w", conversationID, err)
	}
	return nil
}

// Replace swaps the whole participant set, used when warming from the store.
func (c *Cache) Replace(ctx context.Context, conversationID string, userIDs []string) error {
	key := c.key(conversationID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(userIDs) > 0 {
			pipe.SAdd(ctx, key, toArgs(userIDs)...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("membership: replace %s: %w", conversationID, err)
	}
	return nil
}

// Members returns the cached participants; an empty result means unknown,
// not an empty conversation.
func (c *Cache) Members(ctx context.Context, conversationID string) ([]string, error) {
	members, err := c.client.SMembers(ctx, c.key(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("membership: members of %s: %w", conversationID, err)
	}
	return members, nil
}

func (c *Cache) Delete(ctx context.Context, conversationID string) error {
	return c.client.Del(ctx, c.key(conversationID)).Err()
}
