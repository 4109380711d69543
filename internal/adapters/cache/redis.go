package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/partnerdesk/progression-engine/internal/contracts"
	"github.com/redis/go-redis/v9"
)

func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", parseErr)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

type RedisProgressCache struct {
	client *redis.Client
}

func NewRedisProgressCache(client *redis.Client) *RedisProgressCache {
	return &RedisProgressCache{client: client}
}

func progressKey(partnerID string) string {
	return "progression:progress:" + partnerID
}

func (c *RedisProgressCache) Get(ctx context.Context, partnerID string) (*contracts.ProgressSnapshot, error) {
	raw, err := c.client.Get(ctx, progressKey(partnerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var out contracts.ProgressSnapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RedisProgressCache) Put(ctx context.Context, partnerID string, snapshot contracts.ProgressSnapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return c.client.Set(ctx, progressKey(partnerID), raw, ttl).Err()
}

func (c *RedisProgressCache) Invalidate(ctx context.Context, partnerID string) error {
	return c.client.Del(ctx, progressKey(partnerID)).Err()
}
