package redis

import (
	"context"
	"fmt"
	"time"

	"artlift-orchestrator/common/config"

	"github.com/go-redis/redis/v8"
)

const pingTimeout = 3 * time.Second

// NewRedisClient 根据配置创建客户端（不发起连接）
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.IOTimeout,
		WriteTimeout: cfg.IOTimeout,
	})
}

// Connect 创建客户端并确认 Redis 可用，失败时关闭客户端
func Connect(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := NewRedisClient(cfg)
	if err := Ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Ping 带超时的连通性检查
func Ping(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return client.Ping(ctx).Err()
}

func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
