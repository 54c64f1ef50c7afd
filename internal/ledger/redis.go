package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared-ledger option for multi-process deployments,
// where a per-process map would let each replica process the same event
// once.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(connectionString string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis connection string: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() //nolint
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

func (r *RedisStore) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	err := r.client.Get(ctx, eventKey(eventID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisStore) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	return r.client.Set(ctx, eventKey(eventID), eventType, r.ttl).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
