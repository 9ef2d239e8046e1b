package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSinkConfig 描述 Redis 事件通道的连接参数。
type RedisSinkConfig struct {
	Address  string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// RedisSink 使用 Redis list 保存最近的事件流。
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink 创建 Redis 事件通道实例。
func NewRedisSink(cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	stream := cfg.Stream
	if stream == "" {
		stream = "agentfleet:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}, nil
}

// Publish 将事件序列化后写入 Redis，并裁剪到保留上限。
func (s *RedisSink) Publish(ctx context.Context, event Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := s.client.LPush(ctx, s.stream, encoded).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	if err := s.client.LTrim(ctx, s.stream, 0, s.maxLen-1).Err(); err != nil {
		return fmt.Errorf("Redis 裁剪事件流失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
