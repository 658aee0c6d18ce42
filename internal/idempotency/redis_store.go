package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tool-factory/internal/models"
)

// Key identifies one external result delivery: re-deliveries of the same
// result produce the same key.
type Key struct {
	JobID  string
	Kind   string
	Target models.Status
}

func (k Key) redisKey() string {
	return fmt.Sprintf("idem:%s:%s:%s", k.JobID, k.Kind, k.Target)
}

// RedisStore keeps short-lived dedup markers in Redis so the window survives
// restarts and is shared across instances. Writes are visible to the next
// read immediately.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Seen reports whether a marker for k exists and is unexpired.
func (s *RedisStore) Seen(ctx context.Context, k Key) (bool, error) {
	n, err := s.client.Exists(ctx, k.redisKey()).Result()
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return n > 0, nil
}

// Record writes the marker for k with the configured TTL. Recording after a
// marker already exists is harmless; the TTL restarts.
func (s *RedisStore) Record(ctx context.Context, k Key) error {
	if err := s.client.Set(ctx, k.redisKey(), time.Now().UTC().Format(time.RFC3339), s.ttl).Err(); err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}
