package events

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	commonredis "hokhau/common/redis"
)

// RedisStreamPublisher XADD 到单个 stream，保留约 maxLen 条
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(client *redis.Client, stream string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisStreamPublisher) Name() string { return "redis_stream" }

func (p *RedisStreamPublisher) Publish(ctx context.Context, e Event) error {
	if _, err := commonredis.PublishJSONToStream(ctx, p.client, p.stream, p.maxLen, e.Type, e); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}
