package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamMessage Redis Streams 消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// PublishToStream XADD；非字符串值按 JSON 编码
func PublishToStream(ctx context.Context, client *redis.Client, stream string, maxLen int64, values map[string]interface{}) (string, error) {
	streamValues := make(map[string]interface{}, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			streamValues[k] = val
		case []byte:
			streamValues[k] = string(val)
		case int64:
			streamValues[k] = strconv.FormatInt(val, 10)
		case int:
			streamValues[k] = strconv.Itoa(val)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("failed to encode stream field %s: %w", k, err)
			}
			streamValues[k] = string(b)
		}
	}

	args := &redis.XAddArgs{Stream: stream, Values: streamValues}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return client.XAdd(ctx, args).Result()
}

// PublishJSONToStream 发布 JSON 消息，字段为 type / data / timestamp
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, maxLen int64, msgType string, data interface{}) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return PublishToStream(ctx, client, stream, maxLen, map[string]interface{}{
		"type":      msgType,
		"data":      b,
		"timestamp": time.Now().Unix(),
	})
}

// ReadRange 读取 stream 中的全部消息（运维与测试使用）
func ReadRange(ctx context.Context, client *redis.Client, stream string) ([]StreamMessage, error) {
	msgs, err := client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, StreamMessage{Stream: stream, ID: m.ID, Values: m.Values})
	}
	return out, nil
}
