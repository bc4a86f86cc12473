package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHealthStore shares snapshots between relay replicas. Values are JSON.
type RedisHealthStore struct {
	client *redis.Client
	prefix string
}

func NewRedisHealthStore(client *redis.Client, prefix string) *RedisHealthStore {
	return &RedisHealthStore{client: client, prefix: prefix}
}

func (s *RedisHealthStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Load returns (zero, false, nil) for a missing key.
func (s *RedisHealthStore) Load(ctx context.Context, key string) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, fmt.Errorf("context error: %w", err)
	}

	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	snap.Key = key
	return snap, true, nil
}

// Save is a no-op when ttl <= 0.
func (s *RedisHealthStore) Save(ctx context.Context, key string, snap Snapshot, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisHealthStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
