package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	rediscommon "artlift-orchestrator/common/redis"
	"artlift-orchestrator/internal/models"

	"github.com/go-redis/redis/v8"
)

// RedisPublisher 通过 Redis Pub/Sub 推送实时状态，并可写入 Stream 保留历史
type RedisPublisher struct {
	client       *redis.Client
	channel      string
	stream       string
	streamMaxLen int64
}

// NewRedisPublisher 创建 Redis 推送，stream 为空时不写历史
func NewRedisPublisher(client *redis.Client, channel, stream string, streamMaxLen int64) *RedisPublisher {
	return &RedisPublisher{
		client:       client,
		channel:      channel,
		stream:       stream,
		streamMaxLen: streamMaxLen,
	}
}

func (p *RedisPublisher) Name() string {
	return "redis"
}

// Send 发布状态
func (p *RedisPublisher) Send(ctx context.Context, status models.Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}
	if p.stream != "" {
		if _, err := rediscommon.PublishJSONToStream(ctx, p.client, p.stream, status, p.streamMaxLen); err != nil {
			return fmt.Errorf("failed to append status stream: %w", err)
		}
	}
	return nil
}
