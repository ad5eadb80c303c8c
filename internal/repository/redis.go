package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"queuesync/internal/config"
	"queuesync/internal/models"

	"github.com/redis/go-redis/v9"
)

func tokenKey(profile string) string {
	return fmt.Sprintf("credential:%s", profile)
}

func snapshotKey(appointmentID int64) string {
	return fmt.Sprintf("queue_snapshot:%d", appointmentID)
}

// RedisCache persists bearer tokens and last-seen queue snapshots so a
// restarted watcher resumes with stale-but-valid data.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient builds a redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) SaveToken(ctx context.Context, profile, token string) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := c.client.Set(ctx, tokenKey(profile), token, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save token in redis: %w", err)
	}
	return nil
}

func (c *RedisCache) LoadToken(ctx context.Context, profile string) (string, error) {
	if c.client == nil {
		return "", fmt.Errorf("redis client is nil")
	}
	val, err := c.client.Get(ctx, tokenKey(profile)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load token from redis: %w", err)
	}
	return val, nil
}

func (c *RedisCache) ClearToken(ctx context.Context, profile string) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := c.client.Del(ctx, tokenKey(profile)).Err(); err != nil {
		return fmt.Errorf("failed to clear token from redis: %w", err)
	}
	return nil
}

func (c *RedisCache) SaveSnapshot(ctx context.Context, appointmentID int64, snap models.QueueSnapshot) error {
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, snapshotKey(appointmentID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot in redis: %w", err)
	}
	return nil
}

func (c *RedisCache) LoadSnapshot(ctx context.Context, appointmentID int64) (*models.QueueSnapshot, error) {
	if c.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := c.client.Get(ctx, snapshotKey(appointmentID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot from redis: %w", err)
	}

	var snap models.QueueSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Ping verifies the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
