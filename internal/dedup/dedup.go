// Package dedup remembers recently scraped product URLs so that scheduled
// runs do not extract the same product again within a TTL.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

type Store interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// MemoryStore is a bounded in-process seen-set. Entries expire after ttl
// or when the set is full, oldest first.
type MemoryStore struct {
	cache *expirable.LRU[string, time.Time]
}

func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 10000
	}
	return &MemoryStore{cache: expirable.NewLRU[string, time.Time](size, nil, ttl)}
}

func (s *MemoryStore) Seen(_ context.Context, key string) (bool, error) {
	return s.cache.Contains(key), nil
}

func (s *MemoryStore) Mark(_ context.Context, key string) error {
	s.cache.Add(key, time.Now())
	return nil
}

func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// RedisClient is the subset of *redis.Client the store needs.
type RedisClient interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisStore shares the seen-set between processes.
type RedisStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client RedisClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "fashion-scraper:seen"
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Mark(ctx context.Context, key string) error {
	if err := s.client.Set(ctx, s.key(key), time.Now().Unix(), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

// Nop never reports a key as seen.
type Nop struct{}

func (Nop) Seen(context.Context, string) (bool, error) { return false, nil }
func (Nop) Mark(context.Context, string) error         { return nil }
