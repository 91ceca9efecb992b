package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"optigate/internal/core"
	"optigate/internal/metrics"
)

// Options configures a WithCache call.
type Options struct {
	ProviderType core.ProviderType `json:"provider_type"`
	Endpoint     string            `json:"endpoint"`

	// Version is the schema version the caller expects. Entries written
	// under a different version are treated as absent.
	Version int `json:"version"`

	// Query is the natural-language query text for query-shaped payloads.
	// When set and a dedup pool is attached, an identical recent query is
	// served from the pool before the durable cache is consulted.
	Query string `json:"query,omitempty"`

	// TTLSeconds overrides TTL resolution when non-nil.
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`

	// ForceRefresh skips the cache read and always invokes the producer.
	ForceRefresh bool `json:"force_refresh,omitempty"`
}

// Produced is the result of a producer invocation.
type Produced struct {
	Data     json.RawMessage
	Metadata json.RawMessage
}

// Producer is the caller-supplied operation that performs the real provider
// call on a cache miss. Errors from the producer propagate to the caller
// unchanged; the cache has no domain knowledge to recover from them.
type Producer func(ctx context.Context) (*Produced, error)

// Result is the outcome of a WithCache call.
type Result struct {
	Cached   bool            `json:"cached"`
	Data     json.RawMessage `json:"data"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// KeyedStore is the versioned, TTL-aware cache over a Backend.
// Concurrent misses on the same key are collapsed into a single producer
// invocation via a single-flight group.
type KeyedStore struct {
	backend Backend
	ttl     TTLRecommender // optional; nil falls back to static defaults
	pool    QueryPool      // optional; nil disables query deduplication
	group   singleflight.Group
}

// NewKeyedStore creates a KeyedStore over the given backend. The
// TTLRecommender may be nil, in which case static per-provider-type
// defaults are used for fresh entries. The QueryPool may be nil, in which
// case query-shaped lookups go straight to the backend.
func NewKeyedStore(backend Backend, ttl TTLRecommender, pool QueryPool) *KeyedStore {
	return &KeyedStore{
		backend: backend,
		ttl:     ttl,
		pool:    pool,
	}
}

// Get returns the live entry for key if its schema version matches
// expectedVersion and it has not expired. Expired or version-mismatched
// entries are purged and reported as absent. Storage errors fail open as
// misses. A true hit increments the entry's hit counter.
func (s *KeyedStore) Get(ctx context.Context, key string, expectedVersion int) (*Entry, bool) {
	if s.ttl != nil {
		s.ttl.RecordAccess(key)
	}

	entry, err := s.backend.Get(ctx, key)
	if err != nil {
		slog.Warn("cache read failed, treating as miss", "key", key, "error", err)
		s.recordMiss(key)
		return nil, false
	}
	if entry == nil {
		s.recordMiss(key)
		return nil, false
	}

	if entry.Expired(time.Now().UTC()) || entry.Version != expectedVersion {
		if err := s.backend.Delete(ctx, key); err != nil {
			slog.Warn("failed to purge stale cache entry", "key", key, "error", err)
		}
		s.recordMiss(key)
		return nil, false
	}

	if err := s.backend.IncrementHitCount(ctx, key); err != nil {
		slog.Warn("failed to increment hit count", "key", key, "error", err)
	}
	entry.HitCount++
	metrics.CacheHits.WithLabelValues(string(entry.ProviderType)).Inc()

	return entry, true
}

// Set upserts an entry under key. A nil ttlSeconds makes the entry
// permanent; otherwise the absolute expiry is now + ttlSeconds. Storage
// errors are logged and swallowed: caching never blocks functional
// correctness of the calling feature.
func (s *KeyedStore) Set(ctx context.Context, key string, payload, metadata json.RawMessage, ttlSeconds *int64, version int) {
	providerType, endpoint, requestHash, err := SplitKey(key)
	if err != nil {
		slog.Warn("refusing to cache under malformed key", "key", key, "error", err)
		return
	}

	entry := &Entry{
		Key:          key,
		ProviderType: providerType,
		Endpoint:     endpoint,
		RequestHash:  requestHash,
		Payload:      payload,
		Metadata:     metadata,
		Version:      version,
	}
	if ttlSeconds != nil {
		ttl := *ttlSeconds
		expires := time.Now().UTC().Add(time.Duration(ttl) * time.Second)
		entry.TTLSeconds = &ttl
		entry.ExpiresAt = &expires
	}

	if err := s.backend.Upsert(ctx, entry); err != nil {
		slog.Warn("cache write failed, dropping entry", "key", key, "error", err)
	}
}

// WithCache computes the key for the payload, serves a cached response when
// one is live, and otherwise invokes the producer, stores the result under a
// resolved TTL, and returns it. Query-shaped calls consult the dedup pool
// before the durable cache. Concurrent calls for the same key during a miss
// share one producer invocation. Producer errors propagate unchanged and
// nothing is cached for them.
func (s *KeyedStore) WithCache(ctx context.Context, opts Options, payload any, produce Producer) (*Result, error) {
	key, err := GenerateKey(opts.ProviderType, opts.Endpoint, payload)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to generate cache key", err)
	}

	if !opts.ForceRefresh {
		if produced, ok := s.pooledResult(opts); ok {
			return &Result{Cached: true, Data: produced.Data, Metadata: produced.Metadata}, nil
		}
		if entry, ok := s.Get(ctx, key, opts.Version); ok {
			return &Result{Cached: true, Data: entry.Payload, Metadata: entry.Metadata}, nil
		}
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		start := time.Now()
		produced, err := produce(ctx)
		metrics.ProviderLatency.WithLabelValues(string(opts.ProviderType)).
			Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ProviderCalls.WithLabelValues(string(opts.ProviderType), "error").Inc()
			return nil, err
		}
		if produced == nil {
			metrics.ProviderCalls.WithLabelValues(string(opts.ProviderType), "error").Inc()
			return nil, core.NewInvalidRequestError("producer returned no result", nil)
		}
		metrics.ProviderCalls.WithLabelValues(string(opts.ProviderType), "success").Inc()

		ttlSeconds := s.resolveTTL(ctx, opts, key)
		s.Set(ctx, key, produced.Data, produced.Metadata, ttlSeconds, opts.Version)
		if s.pool != nil && opts.Query != "" {
			s.pool.Insert(opts.Query, string(opts.ProviderType), produced)
		}

		return produced, nil
	})
	if err != nil {
		return nil, err
	}

	produced := v.(*Produced)
	return &Result{Cached: false, Data: produced.Data, Metadata: produced.Metadata}, nil
}

// pooledResult checks the dedup pool for a live result of the same query.
func (s *KeyedStore) pooledResult(opts Options) (*Produced, bool) {
	if s.pool == nil || opts.Query == "" {
		return nil, false
	}
	v, ok := s.pool.Lookup(opts.Query, string(opts.ProviderType))
	if !ok {
		return nil, false
	}
	produced, ok := v.(*Produced)
	return produced, ok
}

// resolveTTL picks the TTL for a fresh entry: the explicit option wins,
// then the injected recommender, then the static per-provider-type default.
func (s *KeyedStore) resolveTTL(ctx context.Context, opts Options, key string) *int64 {
	if opts.TTLSeconds != nil {
		return opts.TTLSeconds
	}
	if s.ttl != nil {
		seconds := int64(s.ttl.RecommendTTL(ctx, opts.ProviderType, key) / time.Second)
		return &seconds
	}
	seconds := int64(core.DefaultTTL(opts.ProviderType) / time.Second)
	return &seconds
}

// Invalidate deletes entries matching the filter and returns the count.
func (s *KeyedStore) Invalidate(ctx context.Context, f InvalidateFilter) (int64, error) {
	count, err := s.backend.DeleteMatching(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate cache entries: %w", err)
	}
	return count, nil
}

// CleanupExpired removes entries past their expiry. Best effort: intended
// to run from a background loop.
func (s *KeyedStore) CleanupExpired(ctx context.Context) (int64, error) {
	count, err := s.backend.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired entries: %w", err)
	}
	return count, nil
}

// GetStats aggregates cache effectiveness, optionally scoped to one
// provider type ("" means all).
func (s *KeyedStore) GetStats(ctx context.Context, providerType core.ProviderType) (*Stats, error) {
	stats, err := s.backend.Stats(ctx, providerType)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache stats: %w", err)
	}
	return stats, nil
}

// Close releases the underlying backend.
func (s *KeyedStore) Close() error {
	return s.backend.Close()
}

func (s *KeyedStore) recordMiss(key string) {
	providerType, _, _, err := SplitKey(key)
	if err != nil {
		return
	}
	metrics.CacheMisses.WithLabelValues(string(providerType)).Inc()
}
