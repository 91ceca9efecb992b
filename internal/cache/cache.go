// Package cache provides the keyed response cache that sits between
// application features and metered external providers. Keys are
// deterministic fingerprints of the request payload; entries carry a schema
// version and an optional TTL. Storage errors never propagate to callers:
// reads fail open as misses and writes are logged and dropped.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"optigate/internal/core"
)

// Entry is a cached provider response.
// At most one live entry exists per key; an entry whose schema version
// mismatches the caller's expectation or whose expiry has passed is treated
// as absent and purged lazily on the next read.
type Entry struct {
	Key          string            `json:"key"`
	ProviderType core.ProviderType `json:"provider_type"`
	Endpoint     string            `json:"endpoint"`
	RequestHash  string            `json:"request_hash"`

	// Payload is the opaque cached response body.
	Payload json.RawMessage `json:"response_data"`

	// Metadata is optional caller-supplied context stored alongside the payload.
	Metadata json.RawMessage `json:"response_metadata,omitempty"`

	// TTLSeconds is nil for permanent entries.
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`

	// ExpiresAt is nil for permanent entries.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Version  int   `json:"cache_version"`
	HitCount int64 `json:"hit_count"`
}

// Expired reports whether the entry's expiry has passed.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// InvalidateFilter selects entries for deletion. Zero-value fields match
// everything.
type InvalidateFilter struct {
	ProviderType core.ProviderType `json:"provider_type,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
	RequestHash  string            `json:"request_hash,omitempty"`
}

// Stats summarizes cache effectiveness, optionally scoped to one provider type.
type Stats struct {
	TotalEntries    int64   `json:"total_entries"`
	TotalHits       int64   `json:"total_hits"`
	HitRate         float64 `json:"hit_rate"`
	AvgHitsPerEntry float64 `json:"avg_hits_per_entry"`
}

// Backend is the persistence interface for cache entries.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the entry for key, or nil, nil when absent.
	Get(ctx context.Context, key string) (*Entry, error)

	// Upsert inserts or replaces the entry for its key (last write wins).
	Upsert(ctx context.Context, e *Entry) error

	// Delete removes the entry for key. Absence is not an error.
	Delete(ctx context.Context, key string) error

	// IncrementHitCount bumps the hit counter for key.
	IncrementHitCount(ctx context.Context, key string) error

	// DeleteMatching removes entries matching the filter, returning the count.
	DeleteMatching(ctx context.Context, f InvalidateFilter) (int64, error)

	// DeleteExpired removes entries whose expiry precedes now, returning the count.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Stats aggregates entry and hit counts. providerType "" means all.
	Stats(ctx context.Context, providerType core.ProviderType) (*Stats, error)

	// Close releases resources held by the backend.
	Close() error
}

// TTLRecommender supplies adaptive TTLs for fresh entries and observes key
// accesses. The adaptive implementation lives in the ttl package and is
// injected; the cache never constructs one itself.
type TTLRecommender interface {
	// RecommendTTL returns the advisory TTL for a fresh entry under key.
	RecommendTTL(ctx context.Context, providerType core.ProviderType, key string) time.Duration

	// RecordAccess notes a lookup of key, feeding the access-pattern model.
	RecordAccess(key string)
}

// QueryPool short-circuits repeated identical queries ahead of the durable
// cache lookup. The implementation lives in the dedup package and is
// injected the same way as the TTLRecommender.
type QueryPool interface {
	// Lookup returns the pooled result for the query when one is live.
	Lookup(query, queryType string) (any, bool)

	// Insert stores (or refreshes) the pooled result for the query.
	Insert(query, queryType string, result any)
}
