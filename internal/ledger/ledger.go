// Package ledger tracks provider webhook event IDs that have already been
// handled, so redelivered events can be discarded before any side effects
// run.
package ledger

import (
	"context"
	"fmt"
	"time"
)

// Store is the idempotency ledger. IsDuplicate must be consulted before any
// side-effecting work for an inbound event; MarkProcessed records that the
// event was accepted for processing, whether or not the handler later
// succeeds.
type Store interface {
	IsDuplicate(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) error
	Close() error
}

type Config struct {
	Provider              string
	RedisConnectionString string
	// Capacity bounds the memory store; zero means the default.
	Capacity int
	// TTL bounds redis entries; zero means the default retention.
	TTL time.Duration
}

const defaultRetention = 24 * time.Hour

func NewStore(cfg Config) (Store, error) {
	switch cfg.Provider {
	case "memory", "":
		return NewMemoryStore(cfg.Capacity), nil
	case "redis":
		ttl := cfg.TTL
		if ttl <= 0 {
			ttl = defaultRetention
		}
		return NewRedisStore(cfg.RedisConnectionString, ttl)
	default:
		return nil, fmt.Errorf("unsupported ledger provider: %s", cfg.Provider)
	}
}

func eventKey(eventID string) string {
	return "webhook:paypal:" + eventID
}
