package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"optigate/internal/core"
)

// redisKeyPrefix namespaces cache entries in a shared Redis instance.
const redisKeyPrefix = "optigate:cache:"

// redisScanCount is the batch size hint for SCAN-based operations.
const redisScanCount = 500

// RedisBackend stores cache entries as JSON blobs in Redis, using native
// key expiry for TTLs. Suited to deployments where the cache should survive
// process restarts without a relational store.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to the Redis instance at url and verifies the
// connection with a ping.
func NewRedisBackend(ctx context.Context, url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := b.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return &e, nil
}

func (b *RedisBackend) Upsert(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	var expiration time.Duration
	if e.TTLSeconds != nil {
		expiration = time.Duration(*e.TTLSeconds) * time.Second
	}
	if err := b.client.Set(ctx, redisKeyPrefix+e.Key, raw, expiration).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// IncrementHitCount rewrites the entry with the bumped counter, preserving
// the remaining TTL via KEEPTTL.
func (b *RedisBackend) IncrementHitCount(ctx context.Context, key string) error {
	entry, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	entry.HitCount++

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := b.client.Set(ctx, redisKeyPrefix+key, raw, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update hit count: %w", err)
	}
	return nil
}

func (b *RedisBackend) DeleteMatching(ctx context.Context, f InvalidateFilter) (int64, error) {
	var deleted int64
	err := b.scan(ctx, func(e *Entry, redisKey string) error {
		if f.ProviderType != "" && e.ProviderType != f.ProviderType {
			return nil
		}
		if f.Endpoint != "" && e.Endpoint != f.Endpoint {
			return nil
		}
		if f.RequestHash != "" && e.RequestHash != f.RequestHash {
			return nil
		}
		if err := b.client.Del(ctx, redisKey).Err(); err != nil {
			return fmt.Errorf("failed to delete cache entry: %w", err)
		}
		deleted++
		return nil
	})
	if err != nil {
		return deleted, err
	}
	return deleted, nil
}

// DeleteExpired is a no-op: Redis evicts expired keys natively.
func (b *RedisBackend) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (b *RedisBackend) Stats(ctx context.Context, providerType core.ProviderType) (*Stats, error) {
	var stats Stats
	err := b.scan(ctx, func(e *Entry, redisKey string) error {
		if providerType != "" && e.ProviderType != providerType {
			return nil
		}
		stats.TotalEntries++
		stats.TotalHits += e.HitCount
		return nil
	})
	if err != nil {
		return nil, err
	}
	fillDerivedStats(&stats)
	return &stats, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// scan iterates all namespaced cache entries, invoking fn per decoded entry.
// Entries that fail to decode are skipped.
func (b *RedisBackend) scan(ctx context.Context, fn func(e *Entry, redisKey string) error) error {
	iter := b.client.Scan(ctx, 0, redisKeyPrefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		raw, err := b.client.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read cache entry during scan: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		if err := fn(&e, redisKey); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cache entries: %w", err)
	}
	return nil
}
