// Package telemetry records every provider-call attempt and aggregates the
// log into windowed, percentile-based metrics. Entries are append-only and
// never mutated after insertion; windows are recomputed on demand rather
// than incrementally updated.
package telemetry

import (
	"context"
	"time"

	"optigate/internal/core"
)

// CallEntry represents a single provider-call attempt.
// Immutable once written.
type CallEntry struct {
	// ID is a unique identifier for this entry (UUID)
	ID string `json:"id"`

	// ProviderType classifies the upstream provider (completion, search, scrape)
	ProviderType core.ProviderType `json:"provider_type"`

	// Endpoint is the provider operation that was invoked
	Endpoint string `json:"endpoint"`

	// FeatureName is the application feature that issued the call
	// (e.g. "causal_graph", "scenario", "search_digest")
	FeatureName string `json:"feature_name"`

	// RequestHash fingerprints the request payload
	RequestHash string `json:"request_hash,omitempty"`

	// CacheKey is the cache key the call was issued under, if any
	CacheKey string `json:"cache_key,omitempty"`

	WasCached bool `json:"was_cached"`
	Success   bool `json:"success"`

	LatencyMs float64 `json:"latency_ms"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`

	// EstimatedCost in currency units. Computed inline on LogCall when zero
	// and token counts are present.
	EstimatedCost float64 `json:"estimated_cost"`

	TokensUsed   int `json:"tokens_used"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	WasRateLimited bool `json:"was_rate_limited"`
	RetryCount     int  `json:"retry_count"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	// Metadata carries free-form context such as the model used.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Filter narrows aggregation queries. Zero-value fields match everything.
type Filter struct {
	ProviderType core.ProviderType
	Endpoint     string
	FeatureName  string
}

// MetricsWindow holds aggregated metrics for one (provider, endpoint, feature)
// group within a time window. Derived on demand from the call log.
type MetricsWindow struct {
	ProviderType core.ProviderType `json:"provider_type"`
	Endpoint     string            `json:"endpoint"`
	FeatureName  string            `json:"feature_name"`

	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	TotalCalls   int `json:"total_calls"`
	SuccessCalls int `json:"success_calls"`
	FailedCalls  int `json:"failed_calls"`
	CachedCalls  int `json:"cached_calls"`

	MinLatencyMs float64 `json:"min_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P50LatencyMs float64 `json:"p50_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`

	CacheHitRate float64 `json:"cache_hit_rate"`
	TotalCost    float64 `json:"total_cost"`
	ErrorRate    float64 `json:"error_rate"`
}

// CallStore defines the persistence interface for the call log.
// Implementations must be safe for concurrent use.
type CallStore interface {
	// WriteBatch appends multiple entries. Called by the aggregator's
	// background flush loop.
	WriteBatch(ctx context.Context, entries []*CallEntry) error

	// Query returns entries whose CompletedAt is within [start, end),
	// matching the filter, ordered by CompletedAt.
	Query(ctx context.Context, start, end time.Time, f Filter) ([]*CallEntry, error)

	// DeleteOlderThan removes entries completed before the cutoff and
	// returns the number deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Flush forces pending writes to complete. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Config holds telemetry configuration.
type Config struct {
	// Enabled controls whether call logging is active
	Enabled bool

	// BufferSize is the number of entries to buffer before dropping
	BufferSize int

	// FlushInterval is how often buffered entries are written out
	FlushInterval time.Duration

	// RetentionDays is how long to keep call-log entries (0 = forever)
	RetentionDays int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 90,
	}
}
