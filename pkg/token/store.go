package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConsumptionStore records that a token id has been consumed. Consume must be
// atomic: for a given id exactly one call ever returns true.
type ConsumptionStore interface {
	Consume(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error)
}

// MemoryConsumptionStore keeps consumed ids in process memory.
type MemoryConsumptionStore struct {
	mu       sync.Mutex
	consumed map[string]time.Time
}

func NewMemoryConsumptionStore() *MemoryConsumptionStore {
	return &MemoryConsumptionStore{consumed: make(map[string]time.Time)}
}

func (s *MemoryConsumptionStore) Consume(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.consumed[tokenID]; ok {
		return false, nil
	}
	s.consumed[tokenID] = expiresAt
	return true, nil
}

// RedisConsumptionStore records consumption with SET NX so the first writer
// wins across every gateway replica sharing the Redis instance.
type RedisConsumptionStore struct {
	client redis.UniversalClient
	prefix string
	grace  time.Duration
}

// NewRedisConsumptionStore wraps an existing client.
func NewRedisConsumptionStore(client redis.UniversalClient, prefix string) *RedisConsumptionStore {
	if prefix == "" {
		prefix = "gateway:token:"
	}
	return &RedisConsumptionStore{client: client, prefix: prefix, grace: time.Hour}
}

// NewRedisConsumptionStoreFromAddr dials a single Redis node.
func NewRedisConsumptionStoreFromAddr(addr, password string, db int) *RedisConsumptionStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisConsumptionStore(rdb, "")
}

// Consume sets the consumption marker. The key outlives the token's expiry
// by a grace period so a late replay is still recognised as a replay.
func (s *RedisConsumptionStore) Consume(ctx context.Context, tokenID string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt) + s.grace
	if ttl < s.grace {
		ttl = s.grace
	}
	ok, err := s.client.SetNX(ctx, s.prefix+tokenID, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis token consume: %w", err)
	}
	return ok, nil
}

// Close releases the Redis client.
func (s *RedisConsumptionStore) Close() error {
	return s.client.Close()
}
