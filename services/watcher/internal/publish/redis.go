package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
)

const redisKeyPrefix = "nettiego:state:"

// RedisSink caches the latest state per instance under nettiego:state:<id>.
// Entries expire after ttl so a dead watcher does not serve old readings forever.
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSink connects and pings the server.
func NewRedisSink(ctx context.Context, addr, password string, ttl time.Duration) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisSink{client: client, ttl: ttl}, nil
}

// Key returns the redis key for an instance.
func Key(instanceID string) string {
	return redisKeyPrefix + instanceID
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, update models.StateUpdate) error {
	payload, err := encode(update)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, Key(update.InstanceID), payload, s.ttl).Err()
}

func (s *RedisSink) Remove(ctx context.Context, instanceID string) error {
	return s.client.Del(ctx, Key(instanceID)).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
