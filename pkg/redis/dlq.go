package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DeadLetterStream is the stream that keeps relay frames which could not be
// published.
var DeadLetterStream = NewKeyBuilder(NamespaceQueue, ContextRelay).Build("dead_letter", "")

// EmitToDLQ appends a failed relay frame to the dead-letter stream.
func EmitToDLQ(ctx context.Context, client *Client, log *zap.Logger, room string, payload []byte, cause error) error {
	values := map[string]interface{}{
		"room":    room,
		"payload": string(payload),
		"error":   fmt.Sprintf("%v", cause),
	}
	_, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream,
		MaxLen: DeadLetterMaxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil && log != nil {
		log.Error("failed to emit to DLQ", zap.Error(err), zap.String("room", room))
	}
	return err
}
