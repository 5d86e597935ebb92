package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisFrameStore 帧存储：frame:{id}:{unixms} 带 TTL，frame:{id}:latest 指向最近一帧
type RedisFrameStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisFrameStore 创建帧存储
func NewRedisFrameStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisFrameStore {
	if keyPrefix == "" {
		keyPrefix = "frame:"
	}
	return &RedisFrameStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisFrameStore) frameKey(installationID int64, at time.Time) string {
	return fmt.Sprintf("%s%d:%d", s.keyPrefix, installationID, at.UnixMilli())
}

func (s *RedisFrameStore) latestKey(installationID int64) string {
	return fmt.Sprintf("%s%d:latest", s.keyPrefix, installationID)
}

// SaveFrame 保存一帧
func (s *RedisFrameStore) SaveFrame(ctx context.Context, installationID int64, image []byte, at time.Time) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.frameKey(installationID, at), image, s.ttl)
	pipe.Set(ctx, s.latestKey(installationID), image, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save frame for installation %d: %w", installationID, err)
	}
	return nil
}

// LatestFrame 获取最近一帧
func (s *RedisFrameStore) LatestFrame(ctx context.Context, installationID int64) ([]byte, error) {
	data, err := s.client.Get(ctx, s.latestKey(installationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("frame for installation %d: %w", installationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get frame for installation %d: %w", installationID, err)
	}
	return data, nil
}
