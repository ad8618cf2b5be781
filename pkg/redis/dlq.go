package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EmitToDLQ appends an undeliverable payload to the dead-letter stream.
func EmitToDLQ(ctx context.Context, client redis.UniversalClient, log *zap.Logger, source string, payload []byte, cause error) error {
	values := map[string]interface{}{
		"source":  source,
		"payload": string(payload),
		"error":   fmt.Sprintf("%v", cause),
	}
	_, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQStream,
		MaxLen: 10000,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil && log != nil {
		log.Error("Failed to emit to DLQ", zap.Error(err), zap.String("source", source))
	}
	return err
}
