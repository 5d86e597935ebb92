package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// PublishToStream 发布消息到 Redis Streams
// maxLen > 0 时使用近似裁剪（MAXLEN ~）
func PublishToStream(ctx context.Context, client *redis.Client, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	streamValues := make(map[string]interface{}, len(values))
	for k, v := range values {
		var strValue string
		switch val := v.(type) {
		case string:
			strValue = val
		case []byte:
			strValue = string(val)
		case int:
			strValue = strconv.Itoa(val)
		case int64:
			strValue = strconv.FormatInt(val, 10)
		case float64:
			strValue = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			strValue = strconv.FormatBool(val)
		default:
			jsonBytes, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("failed to marshal stream field %s: %w", k, err)
			}
			strValue = string(jsonBytes)
		}
		streamValues[k] = strValue
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: streamValues,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return client.XAdd(ctx, args).Result()
}

// PublishJSONToStream 发布 JSON 消息到 Redis Streams
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, data interface{}, maxLen int64) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return PublishToStream(ctx, client, stream, map[string]interface{}{
		"data":      string(jsonBytes),
		"timestamp": time.Now().Unix(),
	}, maxLen)
}
